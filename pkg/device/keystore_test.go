/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyStoreAdd(t *testing.T) {
	keys := NewKeyStore()
	keys.Add("  BBBB b@host \n", "priv-b\n")
	keys.Add("AAAA a@host", "priv-a")

	assert.Equal(t, 2, keys.Len())
	assert.Equal(t, []string{"AAAA a@host", "BBBB b@host"}, keys.PublicKeys())
}

func TestKeyStoreAddIgnoresEmpty(t *testing.T) {
	keys := NewKeyStore()
	keys.Add("", "priv")
	keys.Add("pub", "")
	keys.Add("  ", "  ")

	assert.Equal(t, 0, keys.Len())
}

func TestKeyStoreAddOverwritesDuplicate(t *testing.T) {
	keys := NewKeyStore()
	keys.Add("AAAA a@host", "priv-1")
	keys.Add("AAAA a@host", "priv-2")

	assert.Equal(t, 1, keys.Len())
}

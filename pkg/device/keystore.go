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
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore holds the adb authentication key material for the agent. It is
// constructed at agent start and injected wherever keys are needed, rather
// than living in package-level state.
type KeyStore struct {
	// keys maps a public key line to its private counterpart.
	keys map[string]string
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]string)}
}

// Add registers a public/private key pair. Surrounding whitespace is
// stripped; empty pairs are ignored.
func (k *KeyStore) Add(pub, priv string) {
	pub = strings.TrimSpace(pub)
	priv = strings.TrimSpace(priv)

	if pub == "" || priv == "" {
		return
	}

	k.keys[pub] = priv
}

// LoadLocal adds the host's own adb key pair (~/.android/adbkey) when
// present. Missing files are not an error: a fleet host may rely entirely
// on provisioned keys.
func (k *KeyStore) LoadLocal() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	privPath := filepath.Join(home, ".android", "adbkey")

	priv, err := os.ReadFile(privPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	pub, err := os.ReadFile(privPath + ".pub")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	k.Add(string(pub), string(priv))

	return nil
}

// PublicKeys returns the registered public keys, sorted.
func (k *KeyStore) PublicKeys() []string {
	out := make([]string, 0, len(k.keys))
	for pub := range k.keys {
		out = append(out, pub)
	}

	sort.Strings(out)

	return out
}

// Len returns the number of registered key pairs.
func (k *KeyStore) Len() int {
	return len(k.keys)
}

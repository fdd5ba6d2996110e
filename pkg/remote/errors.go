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

package remote

import (
	"errors"
	"fmt"
)

// ErrTransport indicates the controller could not be reached or did not
// answer usefully. It wraps the underlying cause; callers branch on the
// sentinel, not the cause.
var ErrTransport = errors.New("remote: transport failure")

// ProtocolError indicates the controller answered with a directive this
// agent does not know. Guessing a default here would desynchronize the
// fleet, so the error is fatal to the poll loop.
type ProtocolError struct {
	Directive string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote: unknown poll directive %q", e.Directive)
}

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

// Package models defines the types exchanged between the bot and the
// fleet controller.
package models

// Dimensions maps a dimension name to its ordered list of values.
// Multi-valued dimensions (e.g. multiple pool memberships) are supported.
type Dimensions map[string][]string

// Clone returns a deep copy of the dimensions.
func (d Dimensions) Clone() Dimensions {
	if d == nil {
		return nil
	}

	out := make(Dimensions, len(d))

	for name, values := range d {
		copied := make([]string, len(values))
		copy(copied, values)
		out[name] = copied
	}

	return out
}

// Merge returns the effective dimensions given controller-forced values.
// A forced dimension completely replaces the bot-supplied one, never a
// union: the controller uses forced dimensions as a security boundary, so
// a bot must not be able to keep itself in a pool the controller moved it
// out of.
func (d Dimensions) Merge(forced Dimensions) Dimensions {
	out := d.Clone()
	if out == nil {
		out = make(Dimensions, len(forced))
	}

	for name, values := range forced {
		copied := make([]string, len(values))
		copy(copied, values)
		out[name] = copied
	}

	return out
}

// State is the free-form bot state reported to the controller. Nested maps
// and lists are preserved structurally by the JSON encoding.
type State map[string]any

// Clone returns a shallow copy of the state. Values are shared; callers
// treat them as read-only.
func (s State) Clone() State {
	if s == nil {
		return nil
	}

	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}

	return out
}

// Attributes is the bot identity sent on every handshake and poll.
type Attributes struct {
	Version    string     `json:"version"`
	Dimensions Dimensions `json:"dimensions"`
	State      State      `json:"state"`
}

// BotGroupCfg is the controller-assigned configuration overlay returned by
// the handshake.
type BotGroupCfg struct {
	Dimensions Dimensions `json:"dimensions"`
}

// HandshakeResult is the controller's reply to a handshake.
type HandshakeResult struct {
	ServerVersion      string      `json:"server_version"`
	BotVersion         string      `json:"bot_version"`
	BotGroupCfgVersion string      `json:"bot_group_cfg_version"`
	BotGroupCfg        BotGroupCfg `json:"bot_group_cfg"`
}

// BotEvent is a fire-and-forget telemetry record posted to the controller.
type BotEvent struct {
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	Message    string     `json:"message"`
	Attributes Attributes `json:"attributes"`
}

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

package models

// Directive identifies which of the five poll outcomes the controller chose.
type Directive string

const (
	DirectiveSleep     Directive = "sleep"
	DirectiveUpdate    Directive = "update"
	DirectiveTerminate Directive = "terminate"
	DirectiveRestart   Directive = "restart"
	DirectiveRun       Directive = "run"
)

// PollOutcome is the decoded result of one poll cycle. Exactly the fields
// belonging to the directive are populated; the outcome is consumed
// immediately by the poll loop and never persisted.
type PollOutcome struct {
	Directive Directive

	// SleepTime is set for DirectiveSleep.
	SleepTime Duration

	// Version is the target bot version for DirectiveUpdate.
	Version string

	// TaskID is set for DirectiveTerminate.
	TaskID string

	// Message is set for DirectiveRestart.
	Message string

	// Manifest is set for DirectiveRun.
	Manifest *TaskManifest
}

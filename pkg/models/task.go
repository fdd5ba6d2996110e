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

// IsolatedRef points at the content-addressed input tree of a task.
type IsolatedRef struct {
	Namespace string `json:"namespace"`
	Input     string `json:"input"`
	Server    string `json:"server"`
}

// TaskManifest fully describes one unit of work handed out by a Run poll
// outcome. It is consumed by the task execution subsystem.
type TaskManifest struct {
	BotID       string            `json:"bot_id"`
	TaskID      string            `json:"task_id"`
	Dimensions  map[string]string `json:"dimensions"`
	Env         map[string]string `json:"env"`
	GracePeriod Duration          `json:"grace_period"`
	HardTimeout Duration          `json:"hard_timeout"`
	IOTimeout   Duration          `json:"io_timeout"`
	Isolated    IsolatedRef       `json:"isolated"`
}

// TaskUpdateParams carries the mutable fields of a task status report.
type TaskUpdateParams map[string]any

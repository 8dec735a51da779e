/*
Copyright 2024 The Traffic Warden Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package action defines decided-but-not-yet-executed actions and the
// executor that serializes them against the cloud provider.
package action

import (
	"fmt"
	"time"
)

// Kind enumerates the intent variants.
type Kind string

const (
	// KindNotify sends a threshold warning; it never touches the provider.
	KindNotify Kind = "notify"
	// KindRebuild deletes a server and recreates it from its mapped
	// snapshot, starting a fresh billing window.
	KindRebuild Kind = "rebuild"
	// KindDelete deletes a server without replacement.
	KindDelete Kind = "delete"
	// KindCreateFromSnapshot creates a server from a snapshot using the
	// fallback template.
	KindCreateFromSnapshot Kind = "create-from-snapshot"
	// KindPowerOn, KindPowerOff and KindReboot are the power controls
	// exposed to operators.
	KindPowerOn  Kind = "power-on"
	KindPowerOff Kind = "power-off"
	KindReboot   Kind = "reboot"
	// KindCreateSnapshot snapshots a running server.
	KindCreateSnapshot Kind = "create-snapshot"
)

// Destructive kinds require per-window or per-command idempotence gates
// upstream; the executor additionally coalesces duplicates in flight.
func (k Kind) Destructive() bool {
	switch k {
	case KindRebuild, KindDelete, KindCreateFromSnapshot:
		return true
	}
	return false
}

// Intent is a decision produced by the threshold engine, the scheduler,
// an operator command or the dashboard API. It is transient and never
// persisted.
type Intent struct {
	Kind       Kind
	ServerID   int64
	ServerName string
	// Level is set for KindNotify only.
	Level int
	// SnapshotID selects the image for KindCreateFromSnapshot. Zero
	// means "resolve via the snapshot map or newest snapshot".
	SnapshotID int64
	// MapKey is the snapshot/record map key for creations that have no
	// live server to derive it from.
	MapKey string
	Reason string
	// Description is the snapshot description for KindCreateSnapshot.
	Description string
}

// CoalesceKey identifies an intent for in-flight coalescing.
func (i Intent) CoalesceKey() string {
	return fmt.Sprintf("%s/%d/%s", i.Kind, i.ServerID, i.MapKey)
}

// Record is the audit-log entry for one executed intent. Entries are
// append-only; they are appended before Submit returns so a crash can
// be told apart from an unknown outcome.
type Record struct {
	ServerID    int64     `json:"server_id"`
	ServerName  string    `json:"server_name,omitempty"`
	Kind        Kind      `json:"kind"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	CompletedAt time.Time `json:"completed_at"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	// NewServerID and NewIP are set after a successful rebuild or
	// create, for DNS follow-up and operator feedback.
	NewServerID int64  `json:"new_server_id,omitempty"`
	NewIP       string `json:"new_ip,omitempty"`
}

// Outcome is the terminal state of an executed intent.
type Outcome string

const (
	// OutcomeSucceeded means the provider confirmed the action.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the action hit a terminal error or exhausted
	// its retries.
	OutcomeFailed Outcome = "failed"
	// OutcomeCoalesced means an identical intent was already in flight
	// and this one was dropped.
	OutcomeCoalesced Outcome = "coalesced"
)

// Failed reports whether the record describes a failure.
func (r Record) Failed() bool { return r.Outcome == OutcomeFailed }

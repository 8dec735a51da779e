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

// Package traffic implements the pure threshold-evaluation state machine.
// It maps one traffic sample plus the prior window state to a new window
// state and an ordered list of action intents. It performs no I/O and
// holds no locks.
package traffic

import (
	"time"

	"github.com/syself/traffic-warden/pkg/action"
	"github.com/syself/traffic-warden/pkg/config"
)

// Sample is one per-server traffic observation. OutboundBytes is the
// provider's cumulative counter for the current billing window, not a
// delta.
type Sample struct {
	ServerID      int64
	ServerName    string
	OutboundBytes uint64
	InboundBytes  uint64
	SampledAt     time.Time
}

// WindowState tracks one traffic-accounting window of one server.
// FiredLevels only grows within a window; both it and ExceedActionAt are
// cleared exactly when the window resets.
type WindowState struct {
	ServerID      int64      `json:"server_id"`
	WindowStart   time.Time  `json:"window_start"`
	LastOutbound  uint64     `json:"last_outbound"`
	LastInbound   uint64     `json:"last_inbound"`
	LastSampledAt time.Time  `json:"last_sampled_at"`
	FiredLevels   []int      `json:"fired_levels,omitempty"`
	ExceedActionAt *time.Time `json:"exceed_action_at,omitempty"`
}

// NewWindowState starts a fresh window for a server.
func NewWindowState(serverID int64, start time.Time) WindowState {
	return WindowState{ServerID: serverID, WindowStart: start}
}

// Fired reports whether a warning level already fired in this window.
func (w *WindowState) Fired(level int) bool {
	for _, l := range w.FiredLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Reset clears the fired thresholds and the exceed marker, starting a
// new window at the given time.
func (w *WindowState) Reset(at time.Time) {
	w.WindowStart = at
	w.LastOutbound = 0
	w.LastInbound = 0
	w.FiredLevels = nil
	w.ExceedActionAt = nil
}

// UsedPercent computes cumulative usage against the limit. A zero limit
// yields 0.
func UsedPercent(outboundBytes, limitBytes uint64) float64 {
	if limitBytes == 0 {
		return 0
	}
	return float64(outboundBytes) / float64(limitBytes) * 100
}

// Evaluate applies one sample to the window and returns the updated
// window plus the intents it decided on, warnings ordered by ascending
// level and the exceed action last.
//
// Idempotence rules: a duplicate or out-of-order sample (SampledAt not
// after the last observed one) changes nothing and emits nothing. Each
// warning level fires at most once per window. The exceed action fires
// at most once per window, no matter how many later samples still sit
// at or above 100%.
//
// A cumulative counter lower than the last observed one means the
// server was rebuilt or recreated outside this process; the window
// resets before the sample is applied.
func Evaluate(sample Sample, window WindowState, limitBytes uint64, levels []int, exceedAction config.ExceedAction) (WindowState, []action.Intent) {
	if !window.LastSampledAt.IsZero() && !sample.SampledAt.After(window.LastSampledAt) {
		return window, nil
	}

	if sample.OutboundBytes < window.LastOutbound {
		window.Reset(sample.SampledAt)
	}

	window.LastOutbound = sample.OutboundBytes
	window.LastInbound = sample.InboundBytes
	window.LastSampledAt = sample.SampledAt
	if window.WindowStart.IsZero() {
		window.WindowStart = sample.SampledAt
	}

	// A missing limit disables all threshold evaluation; notifications
	// have nothing to be relative to.
	if limitBytes == 0 {
		return window, nil
	}

	pct := UsedPercent(sample.OutboundBytes, limitBytes)

	var intents []action.Intent
	for _, level := range levels {
		if pct >= float64(level) && !window.Fired(level) {
			window.FiredLevels = append(window.FiredLevels, level)
			intents = append(intents, action.Intent{
				Kind:       action.KindNotify,
				ServerID:   sample.ServerID,
				ServerName: sample.ServerName,
				Level:      level,
			})
		}
	}

	if pct >= 100 && window.ExceedActionAt == nil && exceedAction != config.ExceedActionNone {
		at := sample.SampledAt
		window.ExceedActionAt = &at
		kind := action.KindRebuild
		if exceedAction == config.ExceedActionDelete {
			kind = action.KindDelete
		}
		intents = append(intents, action.Intent{
			Kind:       kind,
			ServerID:   sample.ServerID,
			ServerName: sample.ServerName,
			Reason:     "traffic limit exceeded",
		})
	}

	return window, intents
}

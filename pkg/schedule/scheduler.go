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

// Package schedule implements the time-of-day trigger for scheduled
// fleet actions. Tick is pure: firing state lives in the caller's
// persisted fired-today markers.
package schedule

import (
	"fmt"
	"sort"
	"time"
)

// TaskAction is what a schedule entry does when its time comes.
type TaskAction string

const (
	// ActionDeleteAll deletes every non-whitelisted server.
	ActionDeleteAll TaskAction = "delete_all"
	// ActionCreateFromSnapshots creates one server per snapshot-map
	// entry using the fallback template.
	ActionCreateFromSnapshots TaskAction = "create_from_snapshots"
)

// Config is the persisted schedule. Times are "HH:MM" local time.
type Config struct {
	Enabled     bool     `json:"enabled"`
	DeleteTimes []string `json:"delete_times,omitempty"`
	CreateTimes []string `json:"create_times,omitempty"`
}

// Task is one due schedule entry.
type Task struct {
	Action TaskAction
	At     string
}

// Key returns the fired-today marker key for this task.
func (t Task) Key() string {
	return fmt.Sprintf("%s:%s", t.Action, t.At)
}

// DateKey formats the per-day component of a fired-today marker.
func DateKey(now time.Time) string {
	return now.Format("2006-01-02")
}

// ParseTimeOfDay validates an "HH:MM" string and returns hour and
// minute. Used before persisting schedule changes so a bad scheduleset
// leaves the prior config untouched.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// ValidateTimes parses every entry and returns them sorted and
// deduplicated, or the first parse error.
func ValidateTimes(times []string) ([]string, error) {
	seen := make(map[string]struct{}, len(times))
	out := make([]string, 0, len(times))
	for _, s := range times {
		if _, _, err := ParseTimeOfDay(s); err != nil {
			return nil, err
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Tick returns the tasks due at now. A task is due when now lies inside
// [target, target+slack) on the current local day and its fired-today
// marker is absent or from another day. The caller must persist the
// returned task keys with today's date before acting, so a restart
// between firing and completion cannot double-fire.
func Tick(now time.Time, cfg Config, fired map[string]string, slack time.Duration) []Task {
	if !cfg.Enabled {
		return nil
	}
	var due []Task
	appendDue := func(act TaskAction, times []string) {
		for _, at := range times {
			hour, minute, err := ParseTimeOfDay(at)
			if err != nil {
				// Persisted times are validated on write; skip
				// anything unparseable rather than failing the tick.
				continue
			}
			target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			if now.Before(target) || now.Sub(target) >= slack {
				continue
			}
			task := Task{Action: act, At: at}
			if fired[task.Key()] == DateKey(now) {
				continue
			}
			due = append(due, task)
		}
	}
	appendDue(ActionDeleteAll, cfg.DeleteTimes)
	appendDue(ActionCreateFromSnapshots, cfg.CreateTimes)
	return due
}

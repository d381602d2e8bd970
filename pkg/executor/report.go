// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"encoding/json"
	"fmt"
	"time"
)

// PhaseStatus mirrors the trailer's phases[].status enum (spec.md §6).
type PhaseStatus string

const (
	PhasePassed  PhaseStatus = "passed"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
)

// Phase is one reported phase, matching the structured-output trailer's
// phases[] entries (spec.md §6).
type Phase struct {
	Name     string
	Status   PhaseStatus
	Duration time.Duration
}

// Report accumulates the result of a run and renders the structured-output
// trailer (spec.md §6) when requested.
type Report struct {
	Scenario  string
	Success   bool
	started   time.Time
	Phases    []Phase
	Context   map[string]string
	Error     string
	Warnings  []string
}

func newReport(scenario string) *Report {
	return &Report{Scenario: scenario, Success: true, started: time.Now(), Context: map[string]string{}}
}

func (r *Report) recordPhase(name string, status PhaseStatus, d time.Duration) {
	r.Phases = append(r.Phases, Phase{Name: name, Status: status, Duration: d})
}

func (r *Report) fail(err string) {
	r.Success = false
	r.Error = err
}

func (r *Report) mergeContext(additions map[string]string) {
	for k, v := range additions {
		r.Context[k] = v
	}
}

// trailerDoc is the bit-exact JSON shape of spec.md §6's structured-output
// trailer.
type trailerDoc struct {
	Scenario        string            `json:"scenario"`
	Success         bool              `json:"success"`
	DurationSeconds float64           `json:"duration_seconds"`
	Phases          []trailerPhaseDoc `json:"phases"`
	Context         map[string]string `json:"context"`
	Error           string            `json:"error,omitempty"`
}

type trailerPhaseDoc struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration"`
}

// Trailer renders the bit-exact structured-output trailer line (spec.md §6),
// to be the last non-empty line of standard output when --structured-output
// is set.
func (r *Report) Trailer() (string, error) {
	doc := trailerDoc{
		Scenario:        r.Scenario,
		Success:         r.Success,
		DurationSeconds: time.Since(r.started).Seconds(),
		Context:         r.Context,
		Error:           r.Error,
	}
	for _, p := range r.Phases {
		doc.Phases = append(doc.Phases, trailerPhaseDoc{Name: p.Name, Status: string(p.Status), Duration: p.Duration.Seconds()})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("executor: marshal trailer: %w", err)
	}
	return string(data), nil
}

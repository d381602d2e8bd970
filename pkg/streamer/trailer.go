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

package streamer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// Trailer is the structured-result trailer contract from spec.md §4.6/§6:
// a single JSON line at column zero, the last non-empty line of standard
// output.
type Trailer struct {
	Scenario         string             `json:"scenario"`
	Success          bool               `json:"success"`
	DurationSeconds  float64            `json:"duration_seconds"`
	Phases           []TrailerPhase     `json:"phases,omitempty"`
	Context          map[string]string  `json:"context,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// TrailerPhase is one entry of the trailer's phases list.
type TrailerPhase struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration"`
}

// ParseTrailer scans output for its last non-empty line and, if that line
// begins at column zero with '{' and parses as a Trailer, returns it.
// Otherwise ok is false and the caller must synthesize a result from the
// exit code alone (spec.md §4.6 step 3).
func ParseTrailer(output []byte) (t Trailer, ok bool) {
	line := lastNonEmptyLine(output)
	if line == "" || line[0] != '{' {
		return Trailer{}, false
	}
	if err := json.Unmarshal([]byte(line), &t); err != nil {
		return Trailer{}, false
	}
	return t, true
}

func lastNonEmptyLine(output []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var last string
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); strings.TrimSpace(line) != "" {
			last = line
		}
	}
	return last
}

// SynthesizeFromExitCode builds the fallback result when no parseable
// trailer is present (spec.md §4.6 step 3).
func SynthesizeFromExitCode(exitCode int) Trailer {
	return Trailer{Success: exitCode == 0}
}

// ProjectContext copies only the allow-listed keys from t.Context into the
// parent's context map (spec.md §4.6 step 5: "Unlisted keys are discarded").
func ProjectContext(t Trailer, allowList []string) map[string]string {
	out := make(map[string]string, len(allowList))
	for _, key := range allowList {
		if v, ok := t.Context[key]; ok {
			out[key] = v
		}
	}
	return out
}

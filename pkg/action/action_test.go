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

package action

import (
	"context"
	"testing"
)

// recordingAction counts invocations and lets tests script a sequence of
// canned results, to exercise idempotence (testable property 2) and the
// retry budget.
type recordingAction struct {
	name    string
	calls   int
	scripts []Result
}

func (r *recordingAction) Name() string { return r.name }

func (r *recordingAction) Run(ctx context.Context, host Host, propagated Context) Result {
	i := r.calls
	r.calls++
	if i >= len(r.scripts) {
		return r.scripts[len(r.scripts)-1]
	}
	return r.scripts[i]
}

func TestRegistryLookup(t *testing.T) {
	a := &recordingAction{name: ProvisionInfrastructure, scripts: []Result{ok("done", nil)}}
	reg := NewRegistry(a)

	got, found := reg.Lookup(ProvisionInfrastructure)
	if !found || got.Name() != ProvisionInfrastructure {
		t.Fatalf("Lookup(%s) = %v, %v", ProvisionInfrastructure, got, found)
	}
	if _, found := reg.Lookup("nonexistent"); found {
		t.Fatal("Lookup(nonexistent) unexpectedly found")
	}
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewRegistry: expected panic on duplicate name")
		}
	}()
	NewRegistry(
		&recordingAction{name: StartResource},
		&recordingAction{name: StartResource},
	)
}

func TestIdempotentActionSameInputsSameResult(t *testing.T) {
	// Idempotence per spec.md §4.1: re-invoking with the same inputs
	// returns success with the same context additions as the first call.
	a := &recordingAction{
		name: ProvisionInfrastructure,
		scripts: []Result{
			ok("provisioned", map[string]string{"edge_id": "101"}),
			ok("already provisioned", map[string]string{"edge_id": "101"}),
		},
	}
	host := Host{Address: "pve1.example.com"}

	first := a.Run(context.Background(), host, nil)
	second := a.Run(context.Background(), host, nil)

	if !first.Success || !second.Success {
		t.Fatalf("expected both calls to succeed: %+v, %+v", first, second)
	}
	if first.ContextAdditions["edge_id"] != second.ContextAdditions["edge_id"] {
		t.Fatalf("idempotence violated: %+v != %+v", first.ContextAdditions, second.ContextAdditions)
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	a := &recordingAction{
		name: AwaitAddress,
		scripts: []Result{
			fail(ErrorKindNotReady, "not ready yet"),
			fail(ErrorKindNotReady, "still not ready"),
			ok("reachable", map[string]string{"edge_address": "10.0.0.5"}),
		},
	}
	wrapped := WithInitialProbeRetry(a)

	result := wrapped.Run(context.Background(), Host{}, nil)
	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if a.calls != 3 {
		t.Fatalf("calls = %d, want 3", a.calls)
	}
}

func TestRetryExhaustsBudgetAndSurfacesFailure(t *testing.T) {
	a := &recordingAction{
		name:    AwaitAddress,
		scripts: []Result{fail(ErrorKindNotReady, "never ready")},
	}
	wrapped := WithInitialProbeRetry(a)

	result := wrapped.Run(context.Background(), Host{}, nil)
	if result.Success || result.ErrorKind != ErrorKindNotReady {
		t.Fatalf("expected exhausted not-ready failure, got %+v", result)
	}
	// 1 initial attempt + 3 retries per the fixed schedule.
	if a.calls != 4 {
		t.Fatalf("calls = %d, want 4", a.calls)
	}
}

func TestRetryDoesNotRetryNonRetryableKinds(t *testing.T) {
	a := &recordingAction{
		name:    RunConfiguration,
		scripts: []Result{fail(ErrorKindMalformed, "bad spec")},
	}
	wrapped := WithInitialProbeRetry(a)

	result := wrapped.Run(context.Background(), Host{}, nil)
	if result.Success || result.ErrorKind != ErrorKindMalformed {
		t.Fatalf("expected immediate malformed failure, got %+v", result)
	}
	if a.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry for non-retryable kind)", a.calls)
	}
}

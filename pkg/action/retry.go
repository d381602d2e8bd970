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
	"time"
)

// retryDelays is the fixed backoff schedule from spec.md §7's propagation
// policy guidance: "3 attempts, 2/5/10 seconds".
var retryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// WithInitialProbeRetry wraps an Action so that a not-ready or unauthorized
// result from its first probe is retried per the fixed budget in spec.md
// §7, before surfacing as a failure. All other error kinds, and any failure
// past the budget, surface immediately.
func WithInitialProbeRetry(a Action) Action {
	return &retryingAction{inner: a}
}

type retryingAction struct {
	inner Action
}

func (r *retryingAction) Name() string { return r.inner.Name() }

func (r *retryingAction) Run(ctx context.Context, host Host, propagated Context) Result {
	var last Result
	for attempt := 0; ; attempt++ {
		last = r.inner.Run(ctx, host, propagated)
		if last.Success || !last.ErrorKind.Retryable() {
			return last
		}
		if attempt >= len(retryDelays) {
			return last
		}
		select {
		case <-ctx.Done():
			return fail(ErrorKindCancelled, "retry aborted: "+ctx.Err().Error())
		case <-time.After(retryDelays[attempt]):
		}
	}
}

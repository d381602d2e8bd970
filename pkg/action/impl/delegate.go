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

package impl

import (
	"context"
	"fmt"

	"github.com/homestakdev/iacengine/pkg/action"
)

// DelegationResult is what a completed delegated sub-run reports back,
// shaped after the structured-output trailer (spec.md §4.6, §6).
type DelegationResult struct {
	Success bool
	Error   string
	Context map[string]string
}

// SubtreeDelegator runs a sub-manifest against a remote host over an
// interactive channel, implemented by pkg/streamer. Kept as a narrow
// interface here so pkg/action/impl never imports pkg/streamer directly.
type SubtreeDelegator interface {
	Delegate(ctx context.Context, address, credentialsRef string, subManifestYAML []byte, verb string, env map[string]string) (DelegationResult, error)
}

// DelegateSubtreeAction implements C6 as a uniformly-sequenced Action
// (spec.md §4.1 "implemented by C6 and exposed as an Action for uniform
// sequencing").
type DelegateSubtreeAction struct {
	Delegator       SubtreeDelegator
	SubManifestYAML []byte
	Verb            string
	Env             map[string]string
}

func (a *DelegateSubtreeAction) Name() string { return action.DelegateSubtree }

func (a *DelegateSubtreeAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	result, err := a.Delegator.Delegate(ctx, host.Address, host.CredentialsRef, a.SubManifestYAML, a.Verb, a.Env)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindRemoteFailure, Message: fmt.Sprintf("delegate %s to %s: %v", a.Verb, host.Address, err)}
	}
	// spec.md §7: the child's error kind becomes remote-failure at the
	// parent regardless of the child's specific kind.
	if !result.Success {
		return action.Result{Success: false, ErrorKind: action.ErrorKindRemoteFailure, Message: result.Error}
	}
	additions := result.Context
	if additions == nil {
		additions = map[string]string{}
	}
	return action.Result{Success: true, ContextAdditions: additions}
}

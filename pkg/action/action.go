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

// Package action defines the uniform, idempotent Action contract the node
// executor drives (spec.md §4.1) and a closed registry of the capabilities
// the executor consumes.
package action

import "context"

// ErrorKind is the closed taxonomy from spec.md §7.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindNotReady      ErrorKind = "not-ready"
	ErrorKindUnauthorized  ErrorKind = "unauthorized"
	ErrorKindExpired       ErrorKind = "expired"
	ErrorKindMalformed     ErrorKind = "malformed"
	ErrorKindConflict      ErrorKind = "conflict"
	ErrorKindNotFound      ErrorKind = "not-found"
	ErrorKindRemoteFailure ErrorKind = "remote-failure"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindInternal      ErrorKind = "internal"
)

// Retryable reports whether this kind is eligible for the initial-probe
// retry budget in spec.md §7 ("not-ready, unauthorized on the initial probe").
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindNotReady || k == ErrorKindUnauthorized
}

// Host is the small record of how an Action should reach and authenticate
// against its target (spec.md §4.1 "Inputs").
type Host struct {
	Address          string // reachable address (DNS name or IP)
	InfraUser        string // username for infrastructure-API operations
	AutomationUser   string // username for automation/configuration-management
	CredentialsRef   string // opaque reference into the secrets backend
}

// Result is what every Action returns.
type Result struct {
	Success          bool
	Message          string
	ContextAdditions map[string]string
	ErrorKind        ErrorKind
}

// ok builds a successful Result, defaulting ContextAdditions to a non-nil
// empty map so callers can range over it unconditionally.
func ok(message string, additions map[string]string) Result {
	if additions == nil {
		additions = map[string]string{}
	}
	return Result{Success: true, Message: message, ContextAdditions: additions}
}

func fail(kind ErrorKind, message string) Result {
	return Result{Success: false, Message: message, ErrorKind: kind}
}

// Context is the read-only propagated-value view an Action receives.
// Actions never mutate it; they return additions, and the executor is the
// sole applier (spec.md §4.1, §4.3 "Lifecycle ownership").
type Context map[string]string

// Action is the uniform, idempotent contract of spec.md §4.1.
type Action interface {
	// Name identifies the Action within the registry and in diagnostics.
	Name() string
	// Run performs one externally observable change or waits for one
	// externally observable condition. It MUST be safe to re-invoke with
	// the same inputs (idempotence).
	Run(ctx context.Context, host Host, propagated Context) Result
}

// Registry is the closed, compile-time-known set of Actions the executor
// may invoke, keyed by capability name (spec.md §4.1 "closed at compile
// time").
type Registry struct {
	actions map[string]Action
}

// NewRegistry constructs a Registry from a fixed list of Actions. Duplicate
// names are a programming error and panic immediately, since the registry
// is always built once at process startup from a known, closed list.
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if _, exists := r.actions[a.Name()]; exists {
			panic("action: duplicate registration for " + a.Name())
		}
		r.actions[a.Name()] = a
	}
	return r
}

// Lookup returns the Action registered under name, or false if none exists.
func (r *Registry) Lookup(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Capability names for the registry entries consumed by the node executor
// (spec.md §4.1).
const (
	ProvisionInfrastructure   = "ProvisionInfrastructure"
	StartResource             = "StartResource"
	AwaitAddress              = "AwaitAddress"
	AwaitReachable            = "AwaitReachable"
	AwaitFile                 = "AwaitFile"
	RunConfiguration          = "RunConfiguration"
	InstallBootstrap          = "InstallBootstrap"
	CopySecretsBundle         = "CopySecretsBundle"
	ConfigureNetworkBridge    = "ConfigureNetworkBridge"
	IssueHypervisorCredential = "IssueHypervisorCredential"
	EnsureImageArtifact       = "EnsureImageArtifact"
	DestroyResource           = "DestroyResource"
	DelegateSubtree           = "DelegateSubtree"
	Test                      = "Test"
)

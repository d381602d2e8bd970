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

// Package executor walks the manifest graph, drives each node through its
// lifecycle state machine, enforces error policy, manages the spec server
// via pkg/specserver, and delegates subtrees via pkg/streamer
// (spec.md §4.7).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/homestakdev/iacengine/pkg/action"
	"github.com/homestakdev/iacengine/pkg/manifest"
	"github.com/homestakdev/iacengine/pkg/state"
	"github.com/homestakdev/iacengine/pkg/token"
)

// Verb is the top-level operation being executed (spec.md §6).
type Verb string

const (
	VerbApply   Verb = "apply"
	VerbDestroy Verb = "destroy"
	VerbTest    Verb = "test"
)

// ServerHandle is the reference-counted attachment the executor holds on
// the spec server for the lifetime of spec-referencing nodes (spec.md §4.7
// "Server interaction").
type ServerHandle interface {
	Release() error
}

// ServerManager is the narrow slice of pkg/specserver.Manager the executor
// depends on, kept as an interface to avoid a hard import-time coupling
// between packages that are independently testable.
type ServerManager interface {
	Ensure(ctx context.Context) (ServerHandle, error)
}

// Notifier receives node-lifecycle notifications as the executor advances,
// e.g. pkg/specserver's EventBus.Publish.
type Notifier interface {
	NotifyNodeStatus(manifestName, nodeName string, status state.Status)
}

// NullNotifier discards all notifications.
type NullNotifier struct{}

func (NullNotifier) NotifyNodeStatus(string, string, state.Status) {}

// Executor drives one manifest through its create/destroy/test lifecycle.
type Executor struct {
	Registry      *action.Registry
	Store         *state.Store
	Tokens        *token.Service
	ServerManager ServerManager
	Notifier      Notifier

	// Site carries the step-1 defaults of the resolved-variable merge
	// (spec.md §6): timezone, package list, SSH options, datastore, spec
	// server URL.
	Site SiteDefaults

	// Delegated is true when this Executor is running a subtree handed
	// down by an ancestor hypervisor (spec.md §4.6), as opposed to the
	// original top-level invocation against the operator's own manifest.
	// It decides whether a manifest root is treated as the "root
	// hypervisor, depth 0" lifecycle (configure-self skipped, since the
	// top-level root is presumed pre-provisioned) or as an interior
	// hypervisor freshly provisioned by its delegating parent (spec.md
	// §4.7).
	Delegated bool

	// TokenValidity is the per-node ceiling on minted provisioning tokens
	// (spec.md §4.7 "Token issuance"); zero means the 30-minute default.
	TokenValidity time.Duration

	// Delegate runs a sub-manifest on a remote hypervisor; cmd/iacengine
	// supplies it, built directly on pkg/streamer.
	Delegate func(ctx context.Context, host action.Host, child *manifest.Manifest, verb Verb, env map[string]string) (ChildReport, error)

	// PublishSpec renders a pull-mode node's resolved configuration
	// document and makes it available at the spec server under the
	// node's name, before the executor waits for that node's first-boot
	// agent to fetch and apply it and signal completion via AwaitFile
	// (spec.md §4.7 step 3 "pull"). Optional: nil is only valid if no
	// node in the manifest uses execution.mode=pull.
	PublishSpec func(ctx context.Context, identity, spec string, vars map[string]string) error

	// Infra-facing Action builders, injected so the executor stays
	// decoupled from pkg/action/impl's concrete collaborators.
	Actions ActionBuilders
}

// ChildReport is what a delegated sub-run returns, matching the
// structured-output trailer shape (spec.md §4.6, §6).
type ChildReport struct {
	Success bool
	Error   string
	Context map[string]string
}

// ActionBuilders constructs the per-node Action sequence. The executor
// calls these rather than hard-coding pkg/action/impl types, so tests can
// substitute recording doubles.
type ActionBuilders struct {
	EnsureImageArtifact       func(n manifest.Node) action.Action
	ProvisionInfrastructure   func(n manifest.Node) action.Action
	StartResource             func(n manifest.Node) action.Action
	AwaitAddress              func(n manifest.Node) action.Action
	AwaitReachable            func(n manifest.Node) action.Action
	AwaitFile                 func(n manifest.Node) action.Action
	RunConfiguration          func(n manifest.Node, vars map[string]string) action.Action
	InstallBootstrap          func(n manifest.Node) action.Action
	CopySecretsBundle         func(n manifest.Node) action.Action
	ConfigureNetworkBridge    func(n manifest.Node) action.Action
	IssueHypervisorCredential func(n manifest.Node) action.Action
	DestroyResource           func(n manifest.Node) action.Action
	Test                      func(n manifest.Node) action.Action
}

// HostFor resolves the action.Host a node's Actions should target. In the
// reference engine this is the node's own address once known (from
// context) or its parent's address before that.
func HostFor(n manifest.Node, ctx action.Context) action.Host {
	addrKey := n.Name + "_address"
	addr := ctx[addrKey]
	if addr == "" {
		addr = ctx["parent_address"]
	}
	return action.Host{Address: addr, CredentialsRef: ctx[n.Name+"_credentials"]}
}

// Run executes verb against m on host, starting from any previously
// persisted state.
func (e *Executor) Run(ctx context.Context, m *manifest.Manifest, host string, verb Verb) (*Report, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("executor: invalid manifest: %w", err)
	}
	fp, err := m.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("executor: fingerprint: %w", err)
	}

	names := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		names[i] = n.Name
	}

	es, archived, err := e.Store.Load(fp, names)
	if err != nil {
		return nil, fmt.Errorf("executor: load state: %w", err)
	}

	report := newReport(string(verb))
	if archived {
		report.Warnings = append(report.Warnings, "manifest fingerprint changed: previous state archived, starting fresh")
	}

	run := &run{
		exec:     e,
		manifest: m,
		host:     host,
		verb:     verb,
		state:    es,
		report:   report,
		// parent_address seeds HostFor's fallback for manifest-root nodes,
		// which have no n.Name+"_address" of their own yet: the host the
		// CLI invocation targets is the hypervisor control plane those
		// root-level Infra actions run against.
		globalCtx: action.Context{"parent_address": host},
	}
	return run.execute(ctx)
}

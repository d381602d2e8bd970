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
	"context"
	"fmt"
	"time"

	"github.com/homestakdev/iacengine/pkg/action"
	"github.com/homestakdev/iacengine/pkg/manifest"
	"github.com/homestakdev/iacengine/pkg/state"
)

const defaultTokenValidity = 30 * time.Minute

// run is one executor pass over a single manifest (spec.md §4.7).
type run struct {
	exec      *Executor
	manifest  *manifest.Manifest
	host      string
	verb      Verb
	state     *state.ExecutionState
	report    *Report
	globalCtx action.Context

	serverHandle ServerHandle
	serverRefs   int
}

// execute processes only the nodes at the root of this manifest (those with
// no parent). A hypervisor root's descendants are never iterated here:
// they are owned entirely by the subtree extracted and handed to
// Delegate, which tracks their lifecycle in its own, separately-named
// ExecutionState (spec.md §4.6, §3 "per (manifest name, host)"). Siblings
// among these roots are otherwise independent, so a failure in one never
// implicitly skips another.
func (r *run) execute(ctx context.Context) (*Report, error) {
	roots := rootsOf(r.manifest)
	if r.verb == VerbDestroy {
		reverseNodes(roots)
	}

	for _, n := range roots {
		select {
		case <-ctx.Done():
			r.report.fail(fmt.Sprintf("cancelled: %v", ctx.Err()))
			r.persist()
			return r.finish()
		default:
		}

		outcome := r.runNode(ctx, n)
		if outcome.failed {
			r.report.fail(outcome.message)
			switch r.manifest.Settings.OnError {
			case manifest.OnErrorStop:
				r.persist()
				return r.finish()
			case manifest.OnErrorRollback:
				r.rollback(ctx, roots)
				r.persist()
				return r.finish()
			case manifest.OnErrorContinue:
				r.skipDescendants(n.Name)
				continue
			default:
				r.persist()
				return r.finish()
			}
		}
	}

	return r.finish()
}

// skipDescendants marks every not-yet-terminal descendant of name as
// skipped (spec.md §7 "continue: mark the failed node failed and skip its
// descendants"). Descendants are walked from the manifest's parent links
// rather than a delegated subtree's own state, since a failure at a
// hypervisor root can occur before any subtree delegation happens.
func (r *run) skipDescendants(name string) {
	for _, child := range r.manifest.Children(name) {
		if ns := r.state.Nodes[child.Name]; !ns.Status.Terminal() {
			r.transition(child.Name, state.StatusSkipped, nil)
		}
		r.skipDescendants(child.Name)
	}
}

// rootsOf returns the nodes of m with no parent, in document order.
func rootsOf(m *manifest.Manifest) []manifest.Node {
	var out []manifest.Node
	for _, n := range m.Nodes {
		if n.Parent == "" {
			out = append(out, n)
		}
	}
	return out
}

func reverseNodes(nodes []manifest.Node) {
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}

func (r *run) finish() (*Report, error) {
	if r.serverHandle != nil {
		if err := r.serverHandle.Release(); err != nil {
			r.report.Warnings = append(r.report.Warnings, fmt.Sprintf("spec server release failed: %v", err))
		}
	}
	r.persist()
	return r.report, nil
}

type nodeOutcome struct {
	failed  bool
	message string
}

// runNode dispatches a node to its lifecycle (spec.md §4.7): leaf guest,
// interior hypervisor, or root hypervisor.
func (r *run) runNode(ctx context.Context, n manifest.Node) nodeOutcome {
	if r.verb == VerbDestroy {
		return r.destroyNode(ctx, n)
	}

	if n.Type == manifest.TypePVE && r.manifest.HasChildren(n.Name) {
		// Only the true top-level invocation's root skips self-configure;
		// a root produced by subtree extraction is still someone's
		// freshly-provisioned interior hypervisor (spec.md §4.7).
		return r.runHypervisorLifecycle(ctx, n, !r.exec.Delegated)
	}
	return r.runLeafLifecycle(ctx, n)
}

// needsServer reports whether a node requires the spec server to be
// ensured before it runs (spec.md §4.7 "Server interaction"): any node
// with execution.spec set, or any hypervisor that will delegate.
func needsServer(m *manifest.Manifest, n manifest.Node) bool {
	if n.Execution.Spec != "" {
		return true
	}
	return n.Type == manifest.TypePVE && m.HasChildren(n.Name)
}

func (r *run) ensureServerIfNeeded(ctx context.Context, n manifest.Node) error {
	if !needsServer(r.manifest, n) || r.exec.ServerManager == nil {
		return nil
	}
	if r.serverHandle == nil {
		h, err := r.exec.ServerManager.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("ensure spec server: %w", err)
		}
		r.serverHandle = h
	}
	r.serverRefs++
	return nil
}

func (r *run) host_(n manifest.Node) action.Host {
	return HostFor(n, r.globalCtx)
}

func (r *run) transition(name string, status state.Status, additions map[string]string) {
	ns := r.state.Nodes[name]
	ns.Status = status
	now := time.Now().UTC()
	switch status {
	case state.StatusCreating:
		ns.StartedAt = &now
	}
	if status.Terminal() {
		ns.FinishedAt = &now
	}
	if additions != nil {
		if ns.ContextOverlay == nil {
			ns.ContextOverlay = map[string]string{}
		}
		for k, v := range additions {
			ns.ContextOverlay[k] = v
			r.globalCtx[k] = v
		}
	}
	r.state.Nodes[name] = ns
	if r.exec.Notifier != nil {
		r.exec.Notifier.NotifyNodeStatus(r.manifest.Name, name, status)
	}
}

func (r *run) recordFailure(name string, errKind action.ErrorKind, message string) {
	ns := r.state.Nodes[name]
	ns.Status = state.StatusFailed
	ns.Error = &state.NodeError{Kind: string(errKind), Message: message}
	now := time.Now().UTC()
	ns.FinishedAt = &now
	r.state.Nodes[name] = ns
	if r.exec.Notifier != nil {
		r.exec.Notifier.NotifyNodeStatus(r.manifest.Name, name, state.StatusFailed)
	}
}

func (r *run) persist() {
	_ = r.exec.Store.Save(r.state)
}

// failureLine renders spec.md §7's user-visible failure line:
// "<verb> FAILED at <node-name> <phase-name>: <error_kind>: <message>".
func (r *run) failureLine(nodeName, phase string, res action.Result) string {
	return fmt.Sprintf("%s FAILED at %s %s: %s: %s", r.verb, nodeName, phase, res.ErrorKind, res.Message)
}

// runAction invokes a, records the phase, and merges context additions on
// success. On failure it records the node as failed and returns the
// formatted failure line (spec.md §7) as nodeOutcome.message expects.
func (r *run) runAction(ctx context.Context, nodeName, phase string, a action.Action) (action.Result, bool) {
	start := time.Now()
	res := a.Run(ctx, r.hostForName(nodeName), r.globalCtx)
	d := time.Since(start)

	if !res.Success {
		r.report.recordPhase(phase, PhaseFailed, d)
		r.recordFailure(nodeName, res.ErrorKind, res.Message)
		res.Message = r.failureLine(nodeName, phase, res)
		return res, false
	}
	r.report.recordPhase(phase, PhasePassed, d)
	r.report.mergeContext(res.ContextAdditions)
	for k, v := range res.ContextAdditions {
		r.globalCtx[k] = v
	}
	return res, true
}

func (r *run) hostForName(name string) action.Host {
	n, _ := r.manifest.NodeByName(name)
	return r.host_(n)
}

func (r *run) tokenValidity() time.Duration {
	if r.exec.TokenValidity > 0 {
		return r.exec.TokenValidity
	}
	return defaultTokenValidity
}

// mintTokenIfNeeded mints a provisioning token bound to the node's name for
// spec-referencing nodes (spec.md §4.7 "Token issuance").
func (r *run) mintTokenIfNeeded(n manifest.Node) (string, error) {
	if n.Execution.Spec == "" || r.exec.Tokens == nil {
		return "", nil
	}
	tok, err := r.exec.Tokens.Mint(n.Name, r.tokenValidity(), time.Now())
	if err != nil {
		return "", fmt.Errorf("mint provisioning token for %s: %w", n.Name, err)
	}
	return tok, nil
}

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

	"github.com/homestakdev/iacengine/pkg/action"
	"github.com/homestakdev/iacengine/pkg/manifest"
	"github.com/homestakdev/iacengine/pkg/state"
)

// runLeafLifecycle drives a leaf guest node (spec.md §4.7):
// pending -> creating -> created -> configuring -> configured
// -> [testing -> tested].
func (r *run) runLeafLifecycle(ctx context.Context, n manifest.Node) nodeOutcome {
	if err := r.ensureServerIfNeeded(ctx, n); err != nil {
		r.recordFailure(n.Name, action.ErrorKindInternal, err.Error())
		return nodeOutcome{failed: true, message: err.Error()}
	}

	r.transition(n.Name, state.StatusCreating, nil)
	if res, ok := r.runAction(ctx, n.Name, "provision-infrastructure", r.exec.Actions.ProvisionInfrastructure(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "start-resource", r.exec.Actions.StartResource(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "await-address", r.exec.Actions.AwaitAddress(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "await-reachable", r.exec.Actions.AwaitReachable(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	r.transition(n.Name, state.StatusCreated, nil)

	r.transition(n.Name, state.StatusConfiguring, nil)
	if res, ok := r.configureNode(ctx, n); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	r.transition(n.Name, state.StatusConfigured, nil)

	if r.verb == VerbTest {
		r.transition(n.Name, state.StatusTesting, nil)
		if res, ok := r.runAction(ctx, n.Name, "test", r.exec.Actions.Test(n)); !ok {
			return nodeOutcome{failed: true, message: res.Message}
		}
		r.transition(n.Name, state.StatusTested, nil)
	}
	return nodeOutcome{}
}

// runHypervisorLifecycle drives an interior or root hypervisor node
// (spec.md §4.7): the leaf sequence up through configured, then the
// hypervisor-only steps (bootstrap tooling, secrets bundle, network
// bridge, credential issuance, one image artifact per child) and subtree
// delegation, then the test step under the test verb.
// The root hypervisor (depth 0) skips its own configure step, since it
// represents the engine's own host rather than a managed guest.
func (r *run) runHypervisorLifecycle(ctx context.Context, n manifest.Node, isRoot bool) nodeOutcome {
	if err := r.ensureServerIfNeeded(ctx, n); err != nil {
		r.recordFailure(n.Name, action.ErrorKindInternal, err.Error())
		return nodeOutcome{failed: true, message: err.Error()}
	}

	// The create phase (provision/start/await) runs for every hypervisor
	// node, root or not; only the configure phase below is skipped for
	// the root (spec.md §4.7 "root hypervisor, depth 0").
	r.transition(n.Name, state.StatusCreating, nil)
	if res, ok := r.runAction(ctx, n.Name, "provision-infrastructure", r.exec.Actions.ProvisionInfrastructure(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "start-resource", r.exec.Actions.StartResource(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "await-address", r.exec.Actions.AwaitAddress(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "await-reachable", r.exec.Actions.AwaitReachable(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	r.transition(n.Name, state.StatusCreated, nil)

	if !isRoot {
		r.transition(n.Name, state.StatusConfiguring, nil)
		if res, ok := r.configureNode(ctx, n); !ok {
			return nodeOutcome{failed: true, message: res.Message}
		}
	}
	if res, ok := r.runAction(ctx, n.Name, "install-bootstrap", r.exec.Actions.InstallBootstrap(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "copy-secrets-bundle", r.exec.Actions.CopySecretsBundle(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	if res, ok := r.runAction(ctx, n.Name, "configure-network-bridge", r.exec.Actions.ConfigureNetworkBridge(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	r.transition(n.Name, state.StatusConfigured, nil)

	if res, ok := r.runAction(ctx, n.Name, "issue-hypervisor-credential", r.exec.Actions.IssueHypervisorCredential(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	// EnsureImageArtifact reads the target image name out of the
	// propagated context rather than off a struct field, so each child's
	// name is set immediately before it runs.
	for _, child := range r.manifest.Children(n.Name) {
		r.globalCtx["image"] = child.Image
		if res, ok := r.runAction(ctx, n.Name, "ensure-image-artifact", r.exec.Actions.EnsureImageArtifact(n)); !ok {
			return nodeOutcome{failed: true, message: res.Message}
		}
	}

	r.transition(n.Name, state.StatusDelegating, nil)
	if err := r.delegateSubtree(ctx, n); err != nil {
		r.recordFailure(n.Name, action.ErrorKindRemoteFailure, err.Error())
		return nodeOutcome{failed: true, message: err.Error()}
	}
	r.transition(n.Name, state.StatusDelegated, nil)

	if r.verb == VerbTest {
		r.transition(n.Name, state.StatusTesting, nil)
		if res, ok := r.runAction(ctx, n.Name, "test", r.exec.Actions.Test(n)); !ok {
			return nodeOutcome{failed: true, message: res.Message}
		}
		r.transition(n.Name, state.StatusTested, nil)
	}
	return nodeOutcome{}
}

// configureNode drives a node's configure step, branching on
// execution.mode (spec.md §4.7 step 3): push mints a token and runs
// RunConfiguration over the interactive channel; pull mints the token so
// the first-boot agent can redeem it, then waits for the agent to write
// its completion marker instead of driving configuration itself.
func (r *run) configureNode(ctx context.Context, n manifest.Node) (action.Result, bool) {
	tok, err := r.mintTokenIfNeeded(n)
	if err != nil {
		r.recordFailure(n.Name, action.ErrorKindInternal, err.Error())
		return action.Result{Message: err.Error()}, false
	}
	vars := ResolvedVariables(r.siteDefaults(), r.postureOverrides(), r.globalCtx, r.nodeOverrides(n), tok)

	if n.Execution.Mode == manifest.ModePull {
		if r.exec.PublishSpec != nil {
			if err := r.exec.PublishSpec(ctx, n.Name, n.Execution.Spec, vars); err != nil {
				r.recordFailure(n.Name, action.ErrorKindInternal, err.Error())
				return action.Result{Message: err.Error()}, false
			}
		}
		return r.runAction(ctx, n.Name, "await-file", r.exec.Actions.AwaitFile(n))
	}

	return r.runAction(ctx, n.Name, "run-configuration", r.exec.Actions.RunConfiguration(n, vars))
}

// delegateSubtree extracts n's subtree, serializes it, and hands it to the
// injected Delegate function (spec.md §4.6), which drives pkg/streamer
// over the hypervisor's own root PTY and parses the structured-output
// trailer. Child errors are mapped to remote-failure at the parent
// (spec.md §7 "cross-process boundary").
func (r *run) delegateSubtree(ctx context.Context, n manifest.Node) error {
	if r.exec.Delegate == nil {
		return nil
	}
	child, err := r.manifest.ExtractSubtree(n.Name)
	if err != nil {
		return fmt.Errorf("extract subtree for %s: %w", n.Name, err)
	}
	if len(child.Nodes) == 0 {
		return nil
	}
	env := projectedEnv(r.globalCtx)
	rep, err := r.exec.Delegate(ctx, r.host_(n), child, r.verb, env)
	if err != nil {
		return err
	}
	if !rep.Success {
		return fmt.Errorf("delegated subtree under %s failed: %s", n.Name, rep.Error)
	}
	for k, v := range rep.Context {
		r.globalCtx[k] = v
	}
	r.report.mergeContext(rep.Context)
	return nil
}

// projectedEnv carries the propagated context across the process boundary
// to the delegate run, per the context-key allow-list (spec.md §4.6).
func projectedEnv(ctx action.Context) map[string]string {
	allow := map[string]bool{
		"timezone": true, "datastore": true, "spec_server_url": true,
		"posture": true, "provisioning_token": true, "packages": true,
	}
	env := make(map[string]string)
	for k, v := range ctx {
		if allow[k] {
			env[k] = v
		}
	}
	return env
}

// destroyNode tears a single node down, in the reverse-of-create order the
// caller already established (spec.md §4.2, §4.7).
func (r *run) destroyNode(ctx context.Context, n manifest.Node) nodeOutcome {
	ns := r.state.Nodes[n.Name]
	if ns.Status == state.StatusDestroyed || ns.Status == state.StatusPending {
		r.transition(n.Name, state.StatusDestroyed, nil)
		return nodeOutcome{}
	}

	// A hypervisor's children are destroyed by delegating the destroy verb
	// down the same subtree channel used to create them, before the
	// hypervisor itself is torn down (spec.md §4.2 destroy order).
	if n.Type == manifest.TypePVE && r.manifest.HasChildren(n.Name) {
		if err := r.delegateSubtree(ctx, n); err != nil {
			r.recordFailure(n.Name, action.ErrorKindRemoteFailure, err.Error())
			return nodeOutcome{failed: true, message: err.Error()}
		}
	}

	r.transition(n.Name, state.StatusDestroying, nil)
	if res, ok := r.runAction(ctx, n.Name, "destroy-resource", r.exec.Actions.DestroyResource(n)); !ok {
		return nodeOutcome{failed: true, message: res.Message}
	}
	r.transition(n.Name, state.StatusDestroyed, nil)
	return nodeOutcome{}
}

// rollback destroys already-created nodes in reverse creation order after
// a mid-run failure (spec.md §4.7 "Error policy: rollback"). Destroy
// failures during rollback are recorded as warnings rather than aborting
// the rollback, since partial rollback is still more useful than none.
func (r *run) rollback(ctx context.Context, createOrder []manifest.Node) {
	for i := len(createOrder) - 1; i >= 0; i-- {
		n := createOrder[i]
		ns := r.state.Nodes[n.Name]
		if ns.Status == state.StatusPending || ns.Status == state.StatusSkipped || ns.Status == state.StatusDestroyed {
			continue
		}
		r.transition(n.Name, state.StatusDestroying, nil)
		if res, ok := r.runAction(ctx, n.Name, "rollback-destroy", r.exec.Actions.DestroyResource(n)); !ok {
			r.report.Warnings = append(r.report.Warnings, fmt.Sprintf("rollback: destroy failed for %s: %s", n.Name, res.Message))
			continue
		}
		r.transition(n.Name, state.StatusDestroyed, nil)
	}
}

func (r *run) siteDefaults() SiteDefaults {
	return r.exec.Site
}

func (r *run) postureOverrides() PostureOverrides {
	return PostureOverrides{Posture: string(r.manifest.Settings.Posture)}
}

func (r *run) nodeOverrides(n manifest.Node) map[string]string {
	return map[string]string{
		"node_name": n.Name,
		"node_type": string(n.Type),
		"preset":    n.Preset,
		"image":     n.Image,
	}
}

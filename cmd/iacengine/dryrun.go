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

package main

import (
	"fmt"
	"strings"

	"github.com/homestakdev/iacengine/pkg/executor"
	"github.com/homestakdev/iacengine/pkg/manifest"
)

// descriptor names one capability's context-key contract: which keys it
// reads out of the accumulated run context and which keys it writes back,
// in the "<name>_id"/"<name>_address"/"<name>_credentials" convention
// ProvisionInfrastructureAction/AwaitAddressAction/IssueHypervisorCredentialAction
// use. Descriptors are resolved against a specific node below, since most
// keys are node-name-parameterized. mint-token writes nothing to the
// context: its token reaches RunConfiguration only as the
// provisioning_token resolved variable.
type descriptor struct {
	requires []string
	yields   []string
}

// actionDescriptors maps each capability's bare step name (the strings
// planSteps returns) to its context contract, for a node named n.Name.
// There is no Descriptor type in pkg/action itself - capabilities only
// expose a Name() - so this table is maintained here, by hand, alongside
// planSteps, which it must stay in lockstep with.
func actionDescriptors(n manifest.Node) map[string]descriptor {
	return map[string]descriptor{
		"provision-infrastructure":    {yields: []string{n.Name + "_id"}},
		"start-resource":              {requires: []string{n.Name + "_id"}},
		"await-address":               {requires: []string{n.Name + "_id"}, yields: []string{n.Name + "_address"}},
		"await-reachable":             {requires: []string{n.Name + "_address"}},
		"mint-token":                  {},
		"run-configuration":           {requires: []string{n.Name + "_address"}},
		"await-file":                  {requires: []string{n.Name + "_address"}},
		"install-bootstrap":           {requires: []string{n.Name + "_address"}},
		"copy-secrets-bundle":         {requires: []string{n.Name + "_address"}},
		"configure-network-bridge":    {requires: []string{n.Name + "_address"}},
		"issue-hypervisor-credential": {requires: []string{n.Name + "_address"}, yields: []string{n.Name + "_credentials"}},
		"ensure-image-artifact":       {yields: []string{"artifact_path", "artifact_format"}},
		"delegate-subtree(apply)":     {requires: []string{n.Name + "_credentials", "artifact_path"}},
		"delegate-subtree(destroy)":   {requires: []string{n.Name + "_credentials"}},
		"destroy-resource":            {requires: []string{n.Name + "_id"}},
		"test":                        {requires: []string{n.Name + "_address"}},
	}
}

// dryRunPreview renders the exact Action sequence executor/lifecycle_stages.go
// would run for each node, without dialing anything, along with each step's
// descriptor (name plus required/yielded context keys), so an operator can
// review a plan before committing to it (spec.md §6 "--dry-run").
func dryRunPreview(m *manifest.Manifest, verb executor.Verb) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s plan for manifest %q (schema v%d)\n", verb, m.Name, m.SchemaVersion)
	for _, n := range orderFor(m, verb) {
		fmt.Fprintf(&b, "\n%s (%s):\n", n.Name, n.Type)
		descriptors := actionDescriptors(n)
		for _, step := range planSteps(m, n, verb) {
			d := descriptors[step]
			fmt.Fprintf(&b, "  - %s", step)
			if len(d.requires) > 0 {
				fmt.Fprintf(&b, "  requires=%s", strings.Join(d.requires, ","))
			}
			if len(d.yields) > 0 {
				fmt.Fprintf(&b, "  yields=%s", strings.Join(d.yields, ","))
			}
			fmt.Fprintln(&b)
		}
	}
	return b.String(), nil
}

func orderFor(m *manifest.Manifest, verb executor.Verb) []manifest.Node {
	if verb == executor.VerbDestroy {
		return m.DestroyOrder()
	}
	return m.CreateOrder()
}

// planSteps mirrors runLeafLifecycle/runHypervisorLifecycle's exact call
// sequence (pkg/executor/lifecycle_stages.go), so the preview never drifts
// from what Run would actually do.
func planSteps(m *manifest.Manifest, n manifest.Node, verb executor.Verb) []string {
	if verb == executor.VerbDestroy {
		steps := []string{}
		if n.Type == manifest.TypePVE && m.HasChildren(n.Name) {
			steps = append(steps, "delegate-subtree(destroy)")
		}
		return append(steps, "destroy-resource")
	}

	steps := []string{"provision-infrastructure", "start-resource", "await-address", "await-reachable"}
	isHypervisor := n.Type == manifest.TypePVE && m.HasChildren(n.Name)
	if !isHypervisor {
		steps = append(steps, "mint-token", configureStep(n))
		if verb == executor.VerbTest {
			steps = append(steps, "test")
		}
		return steps
	}

	if !n.IsRoot() {
		steps = append(steps, "mint-token", configureStep(n))
	}
	steps = append(steps, "install-bootstrap", "copy-secrets-bundle", "configure-network-bridge")
	steps = append(steps, "issue-hypervisor-credential", "ensure-image-artifact", "delegate-subtree(apply)")
	if verb == executor.VerbTest {
		steps = append(steps, "test")
	}
	return steps
}

// configureStep names the single configure-phase step a node actually
// runs: run-configuration for push mode (the default), await-file for pull
// mode (spec.md §4.7 step 3).
func configureStep(n manifest.Node) string {
	if n.Execution.Mode == manifest.ModePull {
		return "await-file"
	}
	return "run-configuration"
}

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
	"path/filepath"
	"time"

	"github.com/homestakdev/iacengine/pkg/action"
	impl "github.com/homestakdev/iacengine/pkg/action/impl"
	"github.com/homestakdev/iacengine/pkg/executor"
	"github.com/homestakdev/iacengine/pkg/manifest"
)

// actionDeps holds the concrete pkg/action/impl collaborators every
// ActionBuilders closure is assembled from. A single instance is built once
// per engine and reused across runs; the closures themselves stay
// per-node-parameterized the way lifecycle_stages.go expects.
type actionDeps struct {
	Dialer            impl.Dialer
	Infra             impl.Infra
	AddressPoller     impl.AddressPoller
	ArtifactFetcher   impl.ArtifactFetcher
	ArtifactStore     *impl.ArtifactStore
	ArtifactBaseURL   string
	CredentialIssuer  impl.CredentialIssuer
	NetworkConfigurer impl.NetworkBridgeConfigurer
	Configurer        impl.Configurer
	SpecServerURL     string
	SecretsDir        string
}

// declaredResource maps a manifest node's static shape onto the Infra
// provisioning request, used for every node type: both leaves and
// hypervisors go through the same ProvisionInfrastructure capability
// (spec.md §4.1).
func declaredResource(n manifest.Node) impl.DeclaredResource {
	vmid := 0
	if n.VMID != nil {
		vmid = *n.VMID
	}
	return impl.DeclaredResource{Name: n.Name, Preset: n.Preset, Image: n.Image, VMID: vmid, DiskGB: n.Disk}
}

// pullCompletionMarker is the file a pull-mode node's first-boot agent
// writes once it has fetched its spec and applied it (spec.md §4.7 step 3
// "pull"), polled for by AwaitFile instead of RunConfiguration driving the
// node directly.
const pullCompletionMarker = "/var/lib/homestak/config-complete.json"

// builders assembles the ActionBuilders the executor dispatches through.
// Identifiers are kept uniform: a node's own name both names its declared
// resource and addresses it afterward (Describe/Start/Destroy all key off
// it), and IssueHypervisorCredential publishes its token under
// "<name>_credentials", the exact key executor.HostFor reads back for
// CredentialsRef on every subsequent Action against that node.
//
// The six capabilities that probe a resource immediately after it (or its
// host) comes into existence - ProvisionInfrastructure, StartResource,
// AwaitAddress, AwaitReachable, AwaitFile, IssueHypervisorCredential - are
// wrapped in action.WithInitialProbeRetry, so a freshly-created resource
// that briefly answers ErrorKindNotReady or ErrorKindUnauthorized gets
// retried on the 2/5/10s schedule instead of failing the whole node on the
// first probe (spec.md §7's initial-probe retry budget).
func (d *actionDeps) builders() executor.ActionBuilders {
	const actionTimeout = 5 * time.Minute

	return executor.ActionBuilders{
		EnsureImageArtifact: func(n manifest.Node) action.Action {
			return &impl.EnsureImageArtifactAction{
				Fetcher: d.ArtifactFetcher,
				Store:   d.ArtifactStore,
				BaseURL: d.ArtifactBaseURL,
			}
		},
		ProvisionInfrastructure: func(n manifest.Node) action.Action {
			return action.WithInitialProbeRetry(&impl.ProvisionInfrastructureAction{Infra: d.Infra, Resource: declaredResource(n)})
		},
		StartResource: func(n manifest.Node) action.Action {
			return action.WithInitialProbeRetry(&impl.StartResourceAction{Infra: d.Infra, ID: n.Name})
		},
		AwaitAddress: func(n manifest.Node) action.Action {
			return action.WithInitialProbeRetry(&impl.AwaitAddressAction{
				Poller:    d.AddressPoller,
				ResultKey: n.Name + "_address",
				ID:        n.Name,
				Timeout:   actionTimeout,
			})
		},
		AwaitReachable: func(n manifest.Node) action.Action {
			return action.WithInitialProbeRetry(&impl.AwaitReachableAction{Dialer: d.Dialer, Timeout: actionTimeout})
		},
		AwaitFile: func(n manifest.Node) action.Action {
			return action.WithInitialProbeRetry(&impl.AwaitFileAction{Dialer: d.Dialer, Path: pullCompletionMarker, Timeout: actionTimeout})
		},
		RunConfiguration: func(n manifest.Node, vars map[string]string) action.Action {
			return &impl.RunConfigurationAction{Configurer: d.Configurer, Spec: n.Execution.Spec, Vars: vars}
		},
		InstallBootstrap: func(n manifest.Node) action.Action {
			return &impl.InstallBootstrapAction{
				Dialer:     d.Dialer,
				MarkerPath: "/var/lib/iacengine/bootstrap-installed",
				InstallCmd: fmt.Sprintf("curl -fsSL https://%s/install.sh | sh -s -- --role hypervisor", d.SpecServerURL),
			}
		},
		CopySecretsBundle: func(n manifest.Node) action.Action {
			return &impl.CopySecretsBundleAction{
				Dialer:     d.Dialer,
				LocalPath:  filepath.Join(d.SecretsDir, n.Name),
				RemotePath: "/etc/iacengine/secrets",
			}
		},
		ConfigureNetworkBridge: func(n manifest.Node) action.Action {
			return &impl.ConfigureNetworkBridgeAction{Configurer: d.NetworkConfigurer, BridgeName: "iacbr0"}
		},
		IssueHypervisorCredential: func(n manifest.Node) action.Action {
			return action.WithInitialProbeRetry(&impl.IssueHypervisorCredentialAction{
				Dialer:     d.Dialer,
				Issuer:     d.CredentialIssuer,
				Role:       "hypervisor",
				Identifier: n.Name,
				ContextKey: n.Name + "_credentials",
			})
		},
		DestroyResource: func(n manifest.Node) action.Action {
			return &impl.DestroyResourceAction{Infra: d.Infra, IDOrPattern: n.Name}
		},
		Test: func(n manifest.Node) action.Action {
			return &impl.TestAction{Dialer: d.Dialer, Command: n.Execution.Spec}
		},
	}
}

// capabilityRegistry builds an action.Registry over one representative
// instance per capability, purely as a startup completeness check: unlike
// the per-node ActionBuilders closures (the executor's real dispatch
// path), nothing ever calls Registry.Lookup at run time. Constructing it
// once at engine start-up fails fast (action.NewRegistry panics on a
// duplicate name) if a capability's concrete type ever stops reporting the
// action.Action name the executor expects.
func (d *actionDeps) capabilityRegistry() *action.Registry {
	return action.NewRegistry(
		&impl.EnsureImageArtifactAction{Fetcher: d.ArtifactFetcher, Store: d.ArtifactStore, BaseURL: d.ArtifactBaseURL},
		&impl.ProvisionInfrastructureAction{Infra: d.Infra},
		&impl.StartResourceAction{Infra: d.Infra},
		&impl.AwaitAddressAction{Poller: d.AddressPoller},
		&impl.AwaitReachableAction{Dialer: d.Dialer},
		&impl.AwaitFileAction{Dialer: d.Dialer},
		&impl.RunConfigurationAction{Configurer: d.Configurer},
		&impl.InstallBootstrapAction{Dialer: d.Dialer},
		&impl.CopySecretsBundleAction{Dialer: d.Dialer},
		&impl.ConfigureNetworkBridgeAction{Configurer: d.NetworkConfigurer},
		&impl.IssueHypervisorCredentialAction{Dialer: d.Dialer, Issuer: d.CredentialIssuer},
		&impl.DestroyResourceAction{Infra: d.Infra},
		&impl.TestAction{Dialer: d.Dialer},
		&impl.DelegateSubtreeAction{},
	)
}

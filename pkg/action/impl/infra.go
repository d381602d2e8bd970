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

// Package impl provides the concrete Actions the node executor consumes,
// implemented against small opaque-collaborator interfaces per spec.md §1
// ("invoked via an Action interface... their implementations are opaque").
package impl

import "context"

// DeclaredResource is one node's worth of infrastructure to provision, the
// subset of a manifest Node the opaque provisioner needs.
type DeclaredResource struct {
	Name   string
	Preset string
	Image  string
	VMID   int // 0 means "let the hypervisor assign one"
	DiskGB int
}

// ProvisionedResource is what the opaque IaC collaborator reports back.
type ProvisionedResource struct {
	ID      string
	Address string // empty if not yet known; AwaitAddress fills it in later
}

// Infra is the external, opaque infrastructure-as-code collaborator: image
// builders, declarative provisioners, and hypervisor control-plane APIs
// (spec.md §1 Non-goals / "explicitly out of scope").
type Infra interface {
	// Provision realizes a declared resource against host, or returns the
	// existing resource if one already satisfies it (idempotence).
	Provision(ctx context.Context, host string, res DeclaredResource) (ProvisionedResource, error)
	// Describe looks up a previously provisioned resource by name, without
	// attempting to create one.
	Describe(ctx context.Context, host, name string) (ProvisionedResource, bool, error)
	// Start blocks until the given resource reports running.
	Start(ctx context.Context, host, id string) error
	// Destroy best-effort removes a resource; it MUST succeed if the
	// target is already absent.
	Destroy(ctx context.Context, host, idOrPattern string) error
}

// Configurer is the opaque declarative configuration-management runner
// invoked by RunConfiguration.
type Configurer interface {
	// Apply runs spec against address using credentialsRef for auth,
	// supplying the resolved-variable bundle (spec.md §6).
	Apply(ctx context.Context, address, credentialsRef, spec string, vars map[string]string) error
}

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
	"time"

	"github.com/homestakdev/iacengine/pkg/action"
)

// ProvisionInfrastructureAction realizes a declared resource, yielding
// "{name}_id" and optionally "{name}_address" context additions
// (spec.md §4.1). It is idempotent: a resource already present for
// (host, name) is described rather than recreated.
type ProvisionInfrastructureAction struct {
	Infra    Infra
	Resource DeclaredResource
}

func (a *ProvisionInfrastructureAction) Name() string { return action.ProvisionInfrastructure }

func (a *ProvisionInfrastructureAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if existing, found, err := a.Infra.Describe(ctx, host.Address, a.Resource.Name); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("describe %s: %v", a.Resource.Name, err)}
	} else if found {
		return a.success(existing)
	}

	res, err := a.Infra.Provision(ctx, host.Address, a.Resource)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindConflict, Message: fmt.Sprintf("provision %s: %v", a.Resource.Name, err)}
	}
	return a.success(res)
}

func (a *ProvisionInfrastructureAction) success(res ProvisionedResource) action.Result {
	additions := map[string]string{a.Resource.Name + "_id": res.ID}
	if res.Address != "" {
		additions[a.Resource.Name+"_address"] = res.Address
	}
	return action.Result{Success: true, ContextAdditions: additions}
}

// StartResourceAction blocks until the given resource reports running.
type StartResourceAction struct {
	Infra Infra
	ID    string
}

func (a *StartResourceAction) Name() string { return action.StartResource }

func (a *StartResourceAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if err := a.Infra.Start(ctx, host.Address, a.ID); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindNotReady, Message: fmt.Sprintf("start %s: %v", a.ID, err)}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

// AddressPoller is the narrow collaborator AwaitAddressAction polls, kept
// separate from Infra.Describe so a provisioner without agent-reported
// addresses can still satisfy Infra.
type AddressPoller interface {
	PollAddress(ctx context.Context, host, id string) (address string, ready bool, err error)
}

// AwaitAddressAction blocks until a reachable address is published by the
// resource's in-guest agent, per spec.md §4.1.
type AwaitAddressAction struct {
	Poller     AddressPoller
	ResultKey  string // context key to publish the address under, e.g. "edge_address"
	ID         string
	PollEvery  time.Duration
	Timeout    time.Duration
}

func (a *AwaitAddressAction) Name() string { return action.AwaitAddress }

func (a *AwaitAddressAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if a.PollEvery <= 0 {
		a.PollEvery = 2 * time.Second
	}
	deadline := time.Now().Add(a.Timeout)
	for {
		addr, ready, err := a.Poller.PollAddress(ctx, host.Address, a.ID)
		if err != nil {
			return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("poll address for %s: %v", a.ID, err)}
		}
		if ready {
			return action.Result{Success: true, ContextAdditions: map[string]string{a.ResultKey: addr}}
		}
		if time.Now().After(deadline) {
			return action.Result{Success: false, ErrorKind: action.ErrorKindNotReady, Message: fmt.Sprintf("timed out waiting for address of %s", a.ID)}
		}
		select {
		case <-ctx.Done():
			return action.Result{Success: false, ErrorKind: action.ErrorKindCancelled, Message: ctx.Err().Error()}
		case <-time.After(a.PollEvery):
		}
	}
}

// DestroyResourceAction best-effort removes a resource; success if the
// target is already absent (spec.md §4.1).
type DestroyResourceAction struct {
	Infra       Infra
	IDOrPattern string
}

func (a *DestroyResourceAction) Name() string { return action.DestroyResource }

func (a *DestroyResourceAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if err := a.Infra.Destroy(ctx, host.Address, a.IDOrPattern); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("destroy %s: %v", a.IDOrPattern, err)}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

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

// RunConfigurationAction applies a declarative configuration, supplying the
// resolved-variable bundle computed from the manifest and site defaults
// (spec.md §4.1, §6).
type RunConfigurationAction struct {
	Configurer Configurer
	Spec       string
	// Vars is the caller-assembled resolved-variable bundle (spec.md §6
	// merge order: site defaults, host overrides, posture overrides,
	// per-node overrides, minted token). Assembling it is the executor's
	// responsibility; this Action only applies it.
	Vars map[string]string
}

func (a *RunConfigurationAction) Name() string { return action.RunConfiguration }

func (a *RunConfigurationAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if err := a.Configurer.Apply(ctx, host.Address, host.CredentialsRef, a.Spec, a.Vars); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindMalformed, Message: fmt.Sprintf("apply configuration %s on %s: %v", a.Spec, host.Address, err)}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

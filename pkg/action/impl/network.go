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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/vishvananda/netns"

	"github.com/homestakdev/iacengine/pkg/action"
)

// NetworkBridgeConfigurer creates (idempotently) the management bridge a
// freshly-provisioned hypervisor uses to reach its own children
// (spec.md §4.1 interior-hypervisor configure phase, "configure network
// bridge").
type NetworkBridgeConfigurer interface {
	EnsureBridge(ctx context.Context, host action.Host, bridgeName string) error
}

// ConfigureNetworkBridgeAction is the uniform Action wrapper around a
// NetworkBridgeConfigurer.
type ConfigureNetworkBridgeAction struct {
	Configurer NetworkBridgeConfigurer
	BridgeName string
}

func (a *ConfigureNetworkBridgeAction) Name() string { return action.ConfigureNetworkBridge }

func (a *ConfigureNetworkBridgeAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if err := a.Configurer.EnsureBridge(ctx, host, a.BridgeName); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("configure network bridge %s on %s: %v", a.BridgeName, host.Address, err)}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

// SSHNetworkBridgeConfigurer runs `ip link` over the interactive channel,
// grounded on SSHCredentialIssuer's session.Run idiom. It is idempotent: an
// already-present bridge with the same name is left untouched.
type SSHNetworkBridgeConfigurer struct {
	Dialer Dialer
}

func (c *SSHNetworkBridgeConfigurer) EnsureBridge(ctx context.Context, host action.Host, bridgeName string) error {
	client, err := c.Dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	cmd := fmt.Sprintf(
		"ip link show %[1]s >/dev/null 2>&1 || (ip link add %[1]s type bridge && ip link set %[1]s up)",
		bridgeName,
	)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("%w: %s", err, out.String())
	}
	return nil
}

// LocalNetworkBridgeConfigurer creates the management bridge inside a
// dedicated Linux network namespace on the engine's own host, for the root
// hypervisor case where the target IS the machine the engine runs on
// (spec.md §4.7 "root hypervisor... presumed pre-provisioned" still needs
// its bridge namespace set up once). Network namespaces are per-OS-thread,
// so the switch is confined to a locked goroutine and always reverted.
type LocalNetworkBridgeConfigurer struct {
	// Namespace names the dedicated netns the bridge lives in, isolating it
	// from the engine process's own networking.
	Namespace string
}

func (c *LocalNetworkBridgeConfigurer) EnsureBridge(ctx context.Context, host action.Host, bridgeName string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current network namespace: %w", err)
	}
	defer func() {
		_ = netns.Set(origin)
		origin.Close()
	}()

	target, err := netns.GetNamed(c.Namespace)
	if err != nil {
		target, err = netns.NewNamed(c.Namespace)
		if err != nil {
			return fmt.Errorf("create network namespace %s: %w", c.Namespace, err)
		}
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("enter network namespace %s: %w", c.Namespace, err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf(
		"ip link show %[1]s >/dev/null 2>&1 || (ip link add %[1]s type bridge && ip link set %[1]s up)",
		bridgeName,
	))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, out.String())
	}
	return nil
}

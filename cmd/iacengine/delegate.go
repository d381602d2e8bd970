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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/sftp"

	"github.com/homestakdev/iacengine/pkg/action"
	impl "github.com/homestakdev/iacengine/pkg/action/impl"
	"github.com/homestakdev/iacengine/pkg/executor"
	"github.com/homestakdev/iacengine/pkg/manifest"
	"github.com/homestakdev/iacengine/pkg/streamer"
)

// newDelegateFunc builds Executor.Delegate: it hands a sub-manifest to a
// remote hypervisor by writing it to a temp path over SFTP and running this
// same binary against it there with structured output, then folds the
// remote run's trailer back into a ChildReport (spec.md §4.6 "Delegation").
// Grounded on pkg/streamer.Streamer.Run, the same SSH-session-plus-trailer
// idiom pkg/action/impl's SSHConfigurer and TestAction use.
func newDelegateFunc(dialer impl.Dialer, remoteBinary string) func(context.Context, action.Host, *manifest.Manifest, executor.Verb, map[string]string) (executor.ChildReport, error) {
	run := &streamer.Streamer{Dialer: dialer}

	return func(ctx context.Context, host action.Host, child *manifest.Manifest, verb executor.Verb, env map[string]string) (executor.ChildReport, error) {
		data, err := manifest.Marshal(child)
		if err != nil {
			return executor.ChildReport{}, fmt.Errorf("delegate %s: marshal: %w", child.Name, err)
		}

		remotePath, err := uploadManifest(ctx, dialer, host, data)
		if err != nil {
			return executor.ChildReport{}, fmt.Errorf("delegate %s: %w", child.Name, err)
		}

		cmd := fmt.Sprintf("IACENGINE_DELEGATED=1 %s %s --structured-output %s localhost", remoteBinary, verb, remotePath)
		result, err := run.Run(ctx, host.Address, host.CredentialsRef, cmd, env, 0)
		if err != nil {
			return executor.ChildReport{}, fmt.Errorf("delegate %s: %w", child.Name, err)
		}

		allow := delegationAllowList(child)
		return executor.ChildReport{
			Success: result.Trailer.Success,
			Error:   result.Trailer.Error,
			Context: streamer.ProjectContext(result.Trailer, allow),
		}, nil
	}
}

// delegationAllowList is the set of context keys a delegated run is allowed
// to report back to its parent: the provisioned id/address of every node
// in the subtree, matching the "<name>_id"/"<name>_address" convention
// ProvisionInfrastructureAction/AwaitAddressAction write on success.
func delegationAllowList(m *manifest.Manifest) []string {
	allow := make([]string, 0, len(m.Nodes)*2)
	for _, n := range m.Nodes {
		allow = append(allow, n.Name+"_id", n.Name+"_address")
	}
	return allow
}

// uploadManifest streams data to a content-addressed temp path on host over
// SFTP (the same dependency reachable.go's AwaitFileAction uses to probe
// remote files) and returns that remote path.
func uploadManifest(ctx context.Context, dialer impl.Dialer, host action.Host, data []byte) (string, error) {
	client, err := dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", host.Address, err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client on %s: %w", host.Address, err)
	}
	defer sc.Close()

	sum := sha256.Sum256(data)
	remotePath := fmt.Sprintf("/tmp/iacengine-%s.yaml", hex.EncodeToString(sum[:8]))

	f, err := sc.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create %s on %s: %w", remotePath, host.Address, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("write %s on %s: %w", remotePath, host.Address, err)
	}
	return remotePath, nil
}

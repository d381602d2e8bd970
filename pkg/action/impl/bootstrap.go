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

	"github.com/homestakdev/iacengine/pkg/action"
	"github.com/homestakdev/iacengine/pkg/targz"
)

// InstallBootstrapAction installs the agent tooling a freshly-provisioned
// hypervisor needs before it can accept delegated subtrees (spec.md §4.1,
// interior-hypervisor configure phase). It is idempotent via a marker-file
// check over the interactive channel, grounded on
// SSHCredentialIssuer.Describe's check-first-then-create shape.
type InstallBootstrapAction struct {
	Dialer     Dialer
	MarkerPath string // e.g. /var/lib/iacengine/bootstrap-installed
	InstallCmd string
}

func (a *InstallBootstrapAction) Name() string { return action.InstallBootstrap }

func (a *InstallBootstrapAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	client, err := a.Dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindNotReady, Message: fmt.Sprintf("dial %s: %v", host.Address, err)}
	}
	defer client.Close()

	checkSession, err := client.NewSession()
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("new session on %s: %v", host.Address, err)}
	}
	alreadyInstalled := checkSession.Run(fmt.Sprintf("test -f %s", a.MarkerPath)) == nil
	checkSession.Close()
	if alreadyInstalled {
		return action.Result{Success: true, ContextAdditions: map[string]string{}}
	}

	installSession, err := client.NewSession()
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("new session on %s: %v", host.Address, err)}
	}
	defer installSession.Close()
	var out bytes.Buffer
	installSession.Stdout = &out
	installSession.Stderr = &out
	if err := installSession.Run(a.InstallCmd); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("install bootstrap on %s: %v: %s", host.Address, err, out.String())}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

// CopySecretsBundleAction packs a locally-assembled secrets bundle directory
// as a tar.gz stream and pipes it directly into a remote "tar xzf -",
// grounded on SSHConfigurer.Apply's stdin-piped session idiom rather than a
// separate SFTP round trip: one stream carries the whole bundle, preserving
// the directory layout and file modes the bundle was assembled with.
type CopySecretsBundleAction struct {
	Dialer     Dialer
	LocalPath  string // directory
	RemotePath string // directory, created if absent
}

func (a *CopySecretsBundleAction) Name() string { return action.CopySecretsBundle }

func (a *CopySecretsBundleAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	client, err := a.Dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindNotReady, Message: fmt.Sprintf("dial %s: %v", host.Address, err)}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("new session on %s: %v", host.Address, err)}
	}
	defer session.Close()

	var packed bytes.Buffer
	if err := targz.WriteDir(&packed, a.LocalPath); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("pack secrets bundle %s: %v", a.LocalPath, err)}
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	session.Stdin = &packed
	cmd := fmt.Sprintf("umask 077 && mkdir -p %s && tar xzf - -C %s", a.RemotePath, a.RemotePath)
	if err := session.Run(cmd); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("unpack secrets bundle on %s: %v: %s", host.Address, err, out.String())}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

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
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/tailscale/golang-x-crypto/ssh"

	"github.com/homestakdev/iacengine/pkg/action"
)

// Dialer opens an authenticated SSH connection to a target, grounded on
// pkg/catch/ssh.go's server-side session handling but playing the client
// role here.
type Dialer interface {
	Dial(ctx context.Context, address, credentialsRef string) (*ssh.Client, error)
}

// AwaitReachableAction blocks until a trivial command succeeds over the
// interactive channel (spec.md §4.1).
type AwaitReachableAction struct {
	Dialer    Dialer
	PollEvery time.Duration
	Timeout   time.Duration
}

func (a *AwaitReachableAction) Name() string { return action.AwaitReachable }

func (a *AwaitReachableAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if a.PollEvery <= 0 {
		a.PollEvery = 2 * time.Second
	}
	deadline := time.Now().Add(a.Timeout)
	for {
		if err := a.probe(ctx, host); err == nil {
			return action.Result{Success: true, ContextAdditions: map[string]string{}}
		} else if time.Now().After(deadline) {
			return action.Result{Success: false, ErrorKind: action.ErrorKindNotReady, Message: fmt.Sprintf("%s unreachable: %v", host.Address, err)}
		}
		select {
		case <-ctx.Done():
			return action.Result{Success: false, ErrorKind: action.ErrorKindCancelled, Message: ctx.Err().Error()}
		case <-time.After(a.PollEvery):
		}
	}
}

func (a *AwaitReachableAction) probe(ctx context.Context, host action.Host) error {
	client, err := a.Dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

// AwaitFileAction polls for file existence on a remote host over SFTP,
// used by pull-mode completion detection (spec.md §4.1).
type AwaitFileAction struct {
	Dialer    Dialer
	Path      string
	PollEvery time.Duration
	Timeout   time.Duration
}

func (a *AwaitFileAction) Name() string { return action.AwaitFile }

func (a *AwaitFileAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if a.PollEvery <= 0 {
		a.PollEvery = 3 * time.Second
	}
	deadline := time.Now().Add(a.Timeout)
	for {
		present, err := a.statFile(ctx, host)
		if err != nil {
			return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("stat %s on %s: %v", a.Path, host.Address, err)}
		}
		if present {
			return action.Result{Success: true, ContextAdditions: map[string]string{}}
		}
		if time.Now().After(deadline) {
			return action.Result{Success: false, ErrorKind: action.ErrorKindNotReady, Message: fmt.Sprintf("marker file %s never appeared on %s", a.Path, host.Address)}
		}
		select {
		case <-ctx.Done():
			return action.Result{Success: false, ErrorKind: action.ErrorKindCancelled, Message: ctx.Err().Error()}
		case <-time.After(a.PollEvery):
		}
	}
}

func (a *AwaitFileAction) statFile(ctx context.Context, host action.Host) (bool, error) {
	client, err := a.Dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return false, err
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return false, err
	}
	defer sc.Close()

	if _, err := sc.Stat(a.Path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

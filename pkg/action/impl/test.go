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
)

// TestAction runs a node's read-only test suite over the interactive
// channel (the `test` verb, spec.md §6), reporting the command's output on
// failure so the operator sees what actually broke.
type TestAction struct {
	Dialer  Dialer
	Command string
}

func (a *TestAction) Name() string { return action.Test }

func (a *TestAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
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

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(a.Command); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindConflict, Message: fmt.Sprintf("test suite failed on %s: %v: %s", host.Address, err, out.String())}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{}}
}

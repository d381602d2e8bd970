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
	"strings"

	"github.com/homestakdev/iacengine/pkg/action"
)

// CredentialIssuer creates a scoped credential on a newly-installed
// hypervisor and checks for an existing one first, so re-invocation is
// idempotent (spec.md §4.1 "IssueHypervisorCredential").
type CredentialIssuer interface {
	// Describe returns an existing credential's opaque token for
	// (role, identifier), if one already exists.
	Describe(ctx context.Context, dialer Dialer, host action.Host, role, identifier string) (token string, found bool, err error)
	// Create mints a new scoped credential and returns its token.
	Create(ctx context.Context, dialer Dialer, host action.Host, role, identifier string) (token string, err error)
}

// IssueHypervisorCredentialAction implements the capability of the same
// name: idempotent via check-first-then-create (spec.md §4.1).
type IssueHypervisorCredentialAction struct {
	Dialer     Dialer
	Issuer     CredentialIssuer
	Role       string
	Identifier string
	ContextKey string // e.g. "root_credentials"
}

func (a *IssueHypervisorCredentialAction) Name() string { return action.IssueHypervisorCredential }

func (a *IssueHypervisorCredentialAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	if tok, found, err := a.Issuer.Describe(ctx, a.Dialer, host, a.Role, a.Identifier); err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("describe credential %s/%s: %v", a.Role, a.Identifier, err)}
	} else if found {
		return action.Result{Success: true, ContextAdditions: map[string]string{a.ContextKey: tok}}
	}

	tok, err := a.Issuer.Create(ctx, a.Dialer, host, a.Role, a.Identifier)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindUnauthorized, Message: fmt.Sprintf("issue credential %s/%s: %v", a.Role, a.Identifier, err)}
	}
	return action.Result{Success: true, ContextAdditions: map[string]string{a.ContextKey: tok}}
}

// SSHCredentialIssuer implements CredentialIssuer by running a fixed
// check/create command pair over the interactive channel, grounded on
// pkg/catch/ssh.go's exec-over-session pattern.
type SSHCredentialIssuer struct {
	// DescribeCmd/CreateCmd are printf-style templates taking (role, identifier).
	DescribeCmd string
	CreateCmd   string
}

func (s *SSHCredentialIssuer) Describe(ctx context.Context, dialer Dialer, host action.Host, role, identifier string) (string, bool, error) {
	client, err := dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return "", false, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", false, err
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	cmd := fmt.Sprintf(s.DescribeCmd, role, identifier)
	if err := session.Run(cmd); err != nil {
		return "", false, nil // absent, not an error: check-first semantics
	}
	tok := strings.TrimSpace(out.String())
	if tok == "" {
		return "", false, nil
	}
	return tok, true, nil
}

func (s *SSHCredentialIssuer) Create(ctx context.Context, dialer Dialer, host action.Host, role, identifier string) (string, error) {
	client, err := dialer.Dial(ctx, host.Address, host.CredentialsRef)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	cmd := fmt.Sprintf(s.CreateCmd, role, identifier)
	if err := session.Run(cmd); err != nil {
		return "", fmt.Errorf("create credential: %w", err)
	}
	tok := strings.TrimSpace(out.String())
	if tok == "" {
		return "", fmt.Errorf("create credential: empty token returned")
	}
	return tok, nil
}

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
	"text/template"
)

// SSHConfigurer implements Configurer by rendering spec as a Go text
// template with vars and running the result as a shell script over the
// interactive channel, grounded on SSHCredentialIssuer's session.Run idiom.
// spec is the resolved node's configuration document (spec.md §4.1
// RunConfiguration, §6 resolved-variable bundle), pulled from the spec
// server by the first-boot agent in pull mode or pushed directly here in
// push mode.
type SSHConfigurer struct {
	Dialer Dialer
}

func (c *SSHConfigurer) Apply(ctx context.Context, address, credentialsRef, spec string, vars map[string]string) error {
	tmpl, err := template.New("configuration").Option("missingkey=zero").Parse(spec)
	if err != nil {
		return fmt.Errorf("parse configuration template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, vars); err != nil {
		return fmt.Errorf("render configuration template: %w", err)
	}

	client, err := c.Dialer.Dial(ctx, address, credentialsRef)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session on %s: %w", address, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	session.Stdin = &rendered
	if err := session.Run("sh -s"); err != nil {
		return fmt.Errorf("apply configuration on %s: %w: %s", address, err, out.String())
	}
	return nil
}

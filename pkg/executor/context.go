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

package executor

import "github.com/homestakdev/iacengine/pkg/action"

// SiteDefaults is step 1 of the resolved-variable bundle merge (spec.md §6):
// timezone, package list, SSH options, datastore name, spec-server URL.
type SiteDefaults struct {
	Timezone      string
	Packages      []string
	SSHOptions    map[string]string
	Datastore     string
	SpecServerURL string
}

// PostureOverrides is step 3 of the merge: authentication mode and security
// settings (spec.md §3 Settings.Posture, §6).
type PostureOverrides struct {
	Posture  string
	Security map[string]string
}

// ResolvedVariables merges, in the order mandated by spec.md §6:
// 1. site defaults, 2. host-level overrides (already folded into
// propagated by the executor), 3. posture overrides, 4. per-node overrides,
// 5. the minted provisioning token (if any). Packages are set-unioned.
func ResolvedVariables(site SiteDefaults, posture PostureOverrides, propagated action.Context, node map[string]string, token string) map[string]string {
	vars := map[string]string{
		"timezone":        site.Timezone,
		"datastore":       site.Datastore,
		"spec_server_url": site.SpecServerURL,
	}
	for k, v := range site.SSHOptions {
		vars["ssh_"+k] = v
	}
	for k, v := range propagated {
		vars[k] = v
	}
	vars["posture"] = posture.Posture
	for k, v := range posture.Security {
		vars["security_"+k] = v
	}
	for k, v := range node {
		vars[k] = v
	}
	if token != "" {
		vars["provisioning_token"] = token
	}
	vars["packages"] = unionPackages(site.Packages)
	return vars
}

func unionPackages(pkgs []string) string {
	seen := make(map[string]struct{}, len(pkgs))
	var out []string
	for _, p := range pkgs {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	joined := ""
	for i, p := range out {
		if i > 0 {
			joined += ","
		}
		joined += p
	}
	return joined
}

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

package manifest

import "fmt"

// Validate enforces the invariants from spec.md §3. It assumes m has already
// been normalized to CurrentSchemaVersion.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("manifest: unexpected schema_version %d after normalization", m.SchemaVersion)
	}

	seen := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Name == "" {
			return fmt.Errorf("manifest: node with empty name")
		}
		if seen[n.Name] {
			return fmt.Errorf("manifest: duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		switch n.Type {
		case TypePVE, TypeVM:
		default:
			return fmt.Errorf("manifest: node %q has invalid type %q", n.Name, n.Type)
		}
	}

	for _, n := range m.Nodes {
		if n.Parent == "" {
			continue
		}
		parent, ok := m.NodeByName(n.Parent)
		if !ok {
			return fmt.Errorf("manifest: node %q references unknown parent %q", n.Name, n.Parent)
		}
		if parent.Type != TypePVE {
			return fmt.Errorf("manifest: node %q has parent %q of type %q; only %q nodes may host children", n.Name, n.Parent, parent.Type, TypePVE)
		}
	}

	if err := m.checkAcyclic(); err != nil {
		return err
	}

	for _, n := range m.Nodes {
		if n.Type == TypePVE && n.Execution.withDefaults().Mode != ModePush {
			return fmt.Errorf("manifest: hypervisor node %q must use execution.mode=push, got %q", n.Name, n.Execution.Mode)
		}
	}

	return nil
}

func (m *Manifest) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(m.Nodes))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("manifest: cycle detected in parent chain at node %q", name)
		case black:
			return nil
		}
		color[name] = gray
		n, ok := m.NodeByName(name)
		if ok && n.Parent != "" {
			if err := visit(n.Parent); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, n := range m.Nodes {
		if err := visit(n.Name); err != nil {
			return err
		}
	}
	return nil
}

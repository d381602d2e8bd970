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

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ExtractSubtree produces a new manifest rooted at parent's direct children,
// per spec.md §4.2. The transitive descendants of parent are carried over
// with their parent references intact, except that parent's direct children
// become roots. Settings are inherited verbatim.
func (m *Manifest) ExtractSubtree(parentName string) (*Manifest, error) {
	if _, ok := m.NodeByName(parentName); !ok {
		return nil, fmt.Errorf("manifest: cannot extract subtree, unknown parent %q", parentName)
	}

	descendants := make(map[string]bool)
	var collect func(name string)
	collect = func(name string) {
		for _, c := range m.Children(name) {
			if descendants[c.Name] {
				continue
			}
			descendants[c.Name] = true
			collect(c.Name)
		}
	}
	collect(parentName)

	nodes := make([]Node, 0, len(descendants))
	for _, n := range m.Nodes {
		if !descendants[n.Name] {
			continue
		}
		if n.Parent == parentName {
			n.Parent = ""
		}
		nodes = append(nodes, n)
	}

	sub := &Manifest{
		SchemaVersion: m.SchemaVersion,
		Name:          fmt.Sprintf("%s@%s", m.Name, parentName),
		Settings:      m.Settings,
		Nodes:         nodes,
	}
	return sub, nil
}

// Fingerprint is a stable hash of the manifest's canonical serialization,
// used by the execution state store to detect drift between runs (spec.md
// §4.2, §4.3). Equal manifests (including across an extraction and its
// logical reconstruction) produce equal fingerprints.
func (m *Manifest) Fingerprint() (string, error) {
	b, err := Marshal(m)
	if err != nil {
		return "", fmt.Errorf("manifest: failed to compute fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CompatibleSchema reports whether a manifest's schema_version, expressed as
// a bare major version, satisfies the constraint the engine was built
// against. It is used when accepting manifests emitted by an older or newer
// build of this engine across a DelegateSubtree boundary.
func CompatibleSchema(version int) error {
	c, err := schemaConstraint()
	if err != nil {
		return err
	}
	v, err := schemaVersionOf(version)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("manifest: schema_version %d does not satisfy %s", version, c.String())
	}
	return nil
}

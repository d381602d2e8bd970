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

// Package manifest models the declarative node tree the engine realizes:
// parsing, validation, create/destroy ordering, and subtree extraction.
package manifest

// CurrentSchemaVersion is the only version nodes are evaluated against once
// Load has finished normalizing. Earlier versions are converted in-memory;
// see migrate.go.
const CurrentSchemaVersion = 2

// OnError is the manifest-wide failure policy.
type OnError string

const (
	OnErrorStop     OnError = "stop"
	OnErrorRollback OnError = "rollback"
	OnErrorContinue OnError = "continue"
)

// NodeType distinguishes hypervisors from leaf guests.
type NodeType string

const (
	TypePVE NodeType = "pve"
	TypeVM  NodeType = "vm"
)

// ExecutionMode selects how a node is configured once created.
type ExecutionMode string

const (
	ModePush ExecutionMode = "push"
	ModePull ExecutionMode = "pull"
)

// Posture selects the spec server's authentication model for first-boot
// agents and delegated runs. The v2 names are authoritative; v1 names
// (dev/prod/local) are rejected by the migrator rather than silently mapped.
type Posture string

const (
	PostureNetwork      Posture = "network"
	PostureSharedToken  Posture = "shared-token"
	PosturePerNodeToken Posture = "per-node-token"
)

// Settings are the manifest-wide run parameters.
type Settings struct {
	OnError               OnError `yaml:"on_error"`
	TimeoutBufferSeconds  int     `yaml:"timeout_buffer_seconds"`
	KeepOnFailure         bool    `yaml:"keep_on_failure"`
	CleanupOnFailure      bool    `yaml:"cleanup_on_failure"`
	Posture               Posture `yaml:"posture,omitempty"`
}

func (s Settings) withDefaults() Settings {
	if s.OnError == "" {
		s.OnError = OnErrorStop
	}
	if s.Posture == "" {
		s.Posture = PostureSharedToken
	}
	return s
}

// Execution describes how a node is configured once created.
type Execution struct {
	Mode ExecutionMode `yaml:"mode,omitempty"`
	Spec string        `yaml:"spec,omitempty"`
}

func (e Execution) withDefaults() Execution {
	if e.Mode == "" {
		e.Mode = ModePush
	}
	return e
}

// Node is a single hypervisor or guest record in the manifest.
type Node struct {
	Name      string    `yaml:"name"`
	Type      NodeType  `yaml:"type"`
	Parent    string    `yaml:"parent,omitempty"`
	Preset    string    `yaml:"preset"`
	Image     string    `yaml:"image"`
	VMID      *int      `yaml:"vmid,omitempty"`
	Disk      int       `yaml:"disk"`
	Execution Execution `yaml:"execution,omitempty"`
}

// IsRoot reports whether the node has no parent in the manifest.
func (n Node) IsRoot() bool { return n.Parent == "" }

// Manifest is an immutable declarative document describing a node tree.
type Manifest struct {
	SchemaVersion int      `yaml:"schema_version"`
	Name          string   `yaml:"name"`
	Settings      Settings `yaml:"settings"`
	Nodes         []Node   `yaml:"nodes"`
}

// NodeByName returns the node with the given name, or false if absent.
func (m *Manifest) NodeByName(name string) (Node, bool) {
	for _, n := range m.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Children returns the direct children of the named node, in document order.
func (m *Manifest) Children(name string) []Node {
	var out []Node
	for _, n := range m.Nodes {
		if n.Parent == name {
			out = append(out, n)
		}
	}
	return out
}

// HasChildren reports whether the named node has at least one child.
func (m *Manifest) HasChildren(name string) bool {
	for _, n := range m.Nodes {
		if n.Parent == name {
			return true
		}
	}
	return false
}

// Depth returns the number of ancestors the node has (0 for a root node).
func (m *Manifest) Depth(name string) int {
	depth := 0
	n, ok := m.NodeByName(name)
	for ok && n.Parent != "" {
		depth++
		n, ok = m.NodeByName(n.Parent)
	}
	return depth
}

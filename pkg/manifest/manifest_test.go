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
	"strings"
	"testing"
)

const s3YAML = `
schema_version: 2
name: s3
settings:
  on_error: stop
nodes:
  - name: root
    type: pve
    preset: large
    image: deb13-pve
    vmid: 99011
  - name: edge
    type: vm
    preset: small
    image: deb12
    vmid: 99021
    parent: root
`

func TestParseAndOrder(t *testing.T) {
	m, err := Parse([]byte(s3YAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	create := m.CreateOrder()
	if len(create) != 2 || create[0].Name != "root" || create[1].Name != "edge" {
		t.Fatalf("CreateOrder = %v, want [root edge]", names(create))
	}
	destroy := m.DestroyOrder()
	if len(destroy) != 2 || destroy[0].Name != "edge" || destroy[1].Name != "root" {
		t.Fatalf("DestroyOrder = %v, want [edge root]", names(destroy))
	}
}

func names(ns []Node) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Name
	}
	return out
}

func TestValidateRejectsCycle(t *testing.T) {
	m := &Manifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          "cyclic",
		Settings:      Settings{}.withDefaults(),
		Nodes: []Node{
			{Name: "a", Type: TypePVE, Parent: "b", Execution: Execution{Mode: ModePush}},
			{Name: "b", Type: TypePVE, Parent: "a", Execution: Execution{Mode: ModePush}},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("Validate: expected cycle error, got nil")
	}
}

func TestValidateRejectsVMParent(t *testing.T) {
	m := &Manifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          "bad",
		Settings:      Settings{}.withDefaults(),
		Nodes: []Node{
			{Name: "leaf", Type: TypeVM, Execution: Execution{Mode: ModePush}},
			{Name: "child", Type: TypeVM, Parent: "leaf", Execution: Execution{Mode: ModePush}},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("Validate: expected error for vm-as-parent, got nil")
	}
}

func TestValidateRejectsPullModeHypervisor(t *testing.T) {
	m := &Manifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          "bad",
		Settings:      Settings{}.withDefaults(),
		Nodes: []Node{
			{Name: "root", Type: TypePVE, Execution: Execution{Mode: ModePull}},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("Validate: expected error for pull-mode hypervisor, got nil")
	}
}

func TestMigrateV1RejectsLegacyPosture(t *testing.T) {
	doc := []byte(`
schema_version: 1
name: legacy
settings:
  on_error: stop
  posture: prod
nodes:
  - name: a
    type: vm
    preset: small
    image: deb12
`)
	_, err := Parse(doc)
	if err == nil || !strings.Contains(err.Error(), "v2 equivalent") {
		t.Fatalf("Parse: expected v1 posture rejection, got %v", err)
	}
}

func TestExtractSubtree(t *testing.T) {
	m, err := Parse([]byte(s3YAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sub, err := m.ExtractSubtree("root")
	if err != nil {
		t.Fatalf("ExtractSubtree: %v", err)
	}
	if sub.Name != "s3@root" {
		t.Errorf("sub.Name = %q, want s3@root", sub.Name)
	}
	if len(sub.Nodes) != 1 || sub.Nodes[0].Name != "edge" || sub.Nodes[0].Parent != "" {
		t.Fatalf("sub.Nodes = %+v", sub.Nodes)
	}
}

func TestFingerprintStable(t *testing.T) {
	m1, err := Parse([]byte(s3YAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m2, err := Parse([]byte(s3YAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f1, err := m1.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	f2, err := m2.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if f1 != f2 {
		t.Errorf("Fingerprint mismatch for equivalent manifests: %s != %s", f1, f2)
	}
}

func TestCompatibleSchema(t *testing.T) {
	if err := CompatibleSchema(CurrentSchemaVersion); err != nil {
		t.Errorf("CompatibleSchema(current): %v", err)
	}
	if err := CompatibleSchema(CurrentSchemaVersion + 5); err == nil {
		t.Error("CompatibleSchema(far future): expected error, got nil")
	}
}

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

// migrators maps a SchemaVersion to the function that advances a document to
// the next version in sequence. Load applies every migrator in order until
// CurrentSchemaVersion is reached.
var migrators = map[int]func(*rawManifest) error{
	1: migrateV1ToV2,
}

// rawManifest is the pre-normalization shape, permissive enough to parse
// both v1 and v2 documents.
type rawManifest struct {
	SchemaVersion int        `yaml:"schema_version"`
	Name          string     `yaml:"name"`
	Settings      rawSettings `yaml:"settings"`
	Nodes         []Node     `yaml:"nodes"`
}

type rawSettings struct {
	OnError              OnError `yaml:"on_error"`
	TimeoutBufferSeconds int     `yaml:"timeout_buffer_seconds"`
	KeepOnFailure        bool    `yaml:"keep_on_failure"`
	CleanupOnFailure     bool    `yaml:"cleanup_on_failure"`
	// Posture carries the raw string so v1's dev/prod/local names can be
	// rejected explicitly rather than silently coerced.
	Posture string `yaml:"posture,omitempty"`
}

// migrateV1ToV2 converts a v1 document's posture naming to v2. v1 used
// dev/prod/local; this spec takes v2 semantics (network/shared-token/
// per-node-token) as authoritative and refuses to guess a mapping.
func migrateV1ToV2(r *rawManifest) error {
	switch r.Settings.Posture {
	case "", string(PostureNetwork), string(PostureSharedToken), string(PosturePerNodeToken):
		// Already a v2 name, or unset (defaulted later).
	case "dev", "prod", "local":
		return fmt.Errorf("manifest %q: schema_version 1 posture %q has no v2 equivalent; rewrite the manifest to use network, shared-token, or per-node-token", r.Name, r.Settings.Posture)
	default:
		return fmt.Errorf("manifest %q: unrecognized posture %q", r.Name, r.Settings.Posture)
	}
	r.SchemaVersion = 2
	return nil
}

// normalize walks r through migrators until it reaches CurrentSchemaVersion,
// then converts it into a Manifest with defaults applied.
func normalize(r *rawManifest) (*Manifest, error) {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = CurrentSchemaVersion
	}
	for r.SchemaVersion < CurrentSchemaVersion {
		step, ok := migrators[r.SchemaVersion]
		if !ok {
			return nil, fmt.Errorf("manifest %q: no migration path from schema_version %d", r.Name, r.SchemaVersion)
		}
		if err := step(r); err != nil {
			return nil, err
		}
	}
	if r.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("manifest %q: schema_version %d is newer than supported version %d", r.Name, r.SchemaVersion, CurrentSchemaVersion)
	}

	settings := Settings{
		OnError:              r.Settings.OnError,
		TimeoutBufferSeconds: r.Settings.TimeoutBufferSeconds,
		KeepOnFailure:        r.Settings.KeepOnFailure,
		CleanupOnFailure:     r.Settings.CleanupOnFailure,
		Posture:              Posture(r.Settings.Posture),
	}.withDefaults()

	nodes := make([]Node, len(r.Nodes))
	for i, n := range r.Nodes {
		n.Execution = n.Execution.withDefaults()
		nodes[i] = n
	}

	return &Manifest{
		SchemaVersion: r.SchemaVersion,
		Name:          r.Name,
		Settings:      settings,
		Nodes:         nodes,
	}, nil
}

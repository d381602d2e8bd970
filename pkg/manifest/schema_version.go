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
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// schemaConstraint expresses "accept this engine's current schema major, or
// the one immediately prior" as a semver constraint, so that a root engine
// one release ahead of a delegated child can still hand it a manifest.
func schemaConstraint() (*semver.Constraints, error) {
	expr := fmt.Sprintf(">= %d.0.0, < %d.0.0", CurrentSchemaVersion-1, CurrentSchemaVersion+1)
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("manifest: invalid schema constraint %q: %w", expr, err)
	}
	return c, nil
}

func schemaVersionOf(version int) (*semver.Version, error) {
	v, err := semver.NewVersion(fmt.Sprintf("%d.0.0", version))
	if err != nil {
		return nil, fmt.Errorf("manifest: invalid schema_version %d: %w", version, err)
	}
	return v, nil
}

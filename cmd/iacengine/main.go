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

// Command iacengine drives the manifest lifecycle of spec.md: loading,
// dry-running, applying, destroying and testing infrastructure manifests,
// and managing the spec/repo server nodes pull their configuration from.
package main

import (
	"log"
	"os"

	"github.com/homestakdev/iacengine/pkg/cli"
)

func main() {
	eng, err := newEngine()
	if err != nil {
		log.Fatalf("iacengine: %v", err)
	}

	handler := cli.NewCommandHandler(eng, os.Stdout, os.Stderr)
	root := handler.RootCmd("iacengine")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

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

package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir, "demo", "pve1.example.com")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	es, archived, err := st.Load("fp-1", []string{"root", "edge"})
	if err != nil {
		t.Fatalf("Load (fresh): %v", err)
	}
	if archived {
		t.Fatal("Load (fresh): unexpected archive on first run")
	}
	if len(es.Nodes) != 2 || es.Nodes["root"].Status != StatusPending {
		t.Fatalf("Load (fresh): got %+v", es.Nodes)
	}

	now := time.Now().UTC()
	ns := es.Nodes["root"]
	ns.Status = StatusCreated
	ns.AssignedID = 101
	ns.StartedAt = &now
	es.Nodes["root"] = ns

	if err := st.Save(es); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, archived, err := st.Load("fp-1", []string{"root", "edge"})
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if archived {
		t.Fatal("Load (reload): unexpected archive on matching fingerprint")
	}
	if reloaded.Nodes["root"].Status != StatusCreated || reloaded.Nodes["root"].AssignedID != 101 {
		t.Fatalf("Load (reload): got %+v", reloaded.Nodes["root"])
	}
}

func TestStoreArchivesOnFingerprintMismatch(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir, "demo", "pve1.example.com")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	es, _, err := st.Load("fp-1", []string{"root"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := st.Save(es); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh, archived, err := st.Load("fp-2", []string{"root"})
	if err != nil {
		t.Fatalf("Load (mismatch): %v", err)
	}
	if !archived {
		t.Fatal("Load (mismatch): expected archived=true")
	}
	if fresh.ManifestFingerprint != "fp-2" || fresh.Nodes["root"].Status != StatusPending {
		t.Fatalf("Load (mismatch): got %+v", fresh)
	}

	entries, err := os.ReadDir(dir + "/demo/pve1.example.com")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var archivedFound bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != "" && e.Name() != "state.json" && e.Name() != "fingerprint" {
			archivedFound = true
		}
	}
	if !archivedFound {
		t.Fatalf("expected an archived state.json.<timestamp> file, entries: %v", entries)
	}
}

func TestLockExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock")

	l1, err := NewLock(path)
	if err != nil {
		t.Fatalf("NewLock l1: %v", err)
	}
	defer l1.Close()
	if err := l1.TryAcquire(); err != nil {
		t.Fatalf("l1.TryAcquire: %v", err)
	}

	l2, err := NewLock(path)
	if err != nil {
		t.Fatalf("NewLock l2: %v", err)
	}
	defer l2.Close()
	if err := l2.TryAcquire(); err != ErrAlreadyRunning {
		t.Fatalf("l2.TryAcquire: got %v, want ErrAlreadyRunning", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("l1.Release: %v", err)
	}
	if err := l2.TryAcquire(); err != nil {
		t.Fatalf("l2.TryAcquire after release: %v", err)
	}
}

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
	"io"
	"os"
	"testing"

	"github.com/homestakdev/iacengine/pkg/action"
)

// fakeFetcher serves canned bodies keyed by exact URL, returning
// found=false for anything else (simulating a 404).
type fakeFetcher struct {
	bodies map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, bool, error) {
	b, ok := f.bodies[url]
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(b)), true, nil
}

func TestEnsureImageArtifactWholeFile(t *testing.T) {
	dir := t.TempDir()
	store := &ArtifactStore{Root: dir}
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://repo.example.com/images/deb12": []byte("whole-image-bytes"),
	}}
	a := &EnsureImageArtifactAction{Fetcher: fetcher, Store: store, BaseURL: "https://repo.example.com/images"}

	result := a.Run(context.Background(), action.Host{}, action.Context{"image": "deb12"})
	if !result.Success {
		t.Fatalf("Run: %+v", result)
	}
	if _, found := store.Has("deb12"); !found {
		t.Fatal("expected artifact to be stored")
	}
	path, err := store.Path("deb12")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "whole-image-bytes" {
		t.Fatalf("got %q", got)
	}

	// Idempotence: second Run must not refetch or error.
	fetcher.bodies = nil
	result2 := a.Run(context.Background(), action.Host{}, action.Context{"image": "deb12"})
	if !result2.Success {
		t.Fatalf("second Run: %+v", result2)
	}
}

func TestEnsureImageArtifactSplitParts(t *testing.T) {
	dir := t.TempDir()
	store := &ArtifactStore{Root: dir}
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://repo.example.com/images/deb12.partaa": []byte("part-one-"),
		"https://repo.example.com/images/deb12.partab": []byte("part-two"),
	}}
	a := &EnsureImageArtifactAction{Fetcher: fetcher, Store: store, BaseURL: "https://repo.example.com/images"}

	result := a.Run(context.Background(), action.Host{}, action.Context{"image": "deb12"})
	if !result.Success {
		t.Fatalf("Run: %+v", result)
	}
	if _, found := store.Has("deb12"); !found {
		t.Fatal("expected reassembled artifact to be stored")
	}
	path, err := store.Path("deb12")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "part-one-part-two" {
		t.Fatalf("got %q, want concatenated parts in order", got)
	}
}

func TestEnsureImageArtifactMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	store := &ArtifactStore{Root: dir}
	fetcher := &fakeFetcher{bodies: map[string][]byte{}}
	a := &EnsureImageArtifactAction{Fetcher: fetcher, Store: store, BaseURL: "https://repo.example.com/images"}

	result := a.Run(context.Background(), action.Host{}, action.Context{"image": "ghost"})
	if result.Success || result.ErrorKind != action.ErrorKindNotFound {
		t.Fatalf("Run: %+v, want not-found failure", result)
	}
}

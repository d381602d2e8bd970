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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/homestakdev/iacengine/pkg/action"
	"github.com/homestakdev/iacengine/pkg/codecutil"
	"github.com/homestakdev/iacengine/pkg/ftdetect"
)

// ArtifactFetcher fetches a boot artifact's bytes by URL, modeling the
// hosting service EnsureImageArtifact downloads from. A plain *http.Client
// satisfies this for production use; tests substitute a fake.
type ArtifactFetcher interface {
	// Fetch returns a reader for url, or (nil, false, nil) on a 404.
	Fetch(ctx context.Context, url string) (body io.ReadCloser, found bool, err error)
}

// HTTPArtifactFetcher is the production ArtifactFetcher.
type HTTPArtifactFetcher struct {
	Client *http.Client
}

func (f *HTTPArtifactFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, bool, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, false, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	return resp.Body, true, nil
}

// ArtifactStore is a local, content-addressable store for boot artifacts,
// modeled as an OCI image layout so a single local cache can serve both
// VM disk images and container-packaged artifacts uniformly
// (spec.md §6 "Split-file reassembly"; §4.1 "EnsureImageArtifact"). Blobs
// are kept zstd-compressed at rest; Path decompresses on first access and
// reuses the staged copy afterward, trading disk for a one-time CPU cost.
type ArtifactStore struct {
	Root string // directory holding blobs/sha256/<digest>.zst
}

func (s *ArtifactStore) blobPath(d digest.Digest) string {
	return filepath.Join(s.Root, "blobs", d.Algorithm().String(), d.Encoded()+".zst")
}

func (s *ArtifactStore) stagedPath(d digest.Digest) string {
	return filepath.Join(s.Root, "staged", d.Algorithm().String(), d.Encoded())
}

// Path returns a plain, decompressed path to image's content, decompressing
// the at-rest zstd blob into the staging area on first access.
func (s *ArtifactStore) Path(image string) (string, error) {
	idx := filepath.Join(s.Root, "refs", image)
	data, err := os.ReadFile(idx)
	if err != nil {
		return "", fmt.Errorf("artifact %s not ingested: %w", image, err)
	}
	d := digest.Digest(data)
	staged := s.stagedPath(d)
	if _, err := os.Stat(staged); err == nil {
		return staged, nil
	}
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return "", err
	}
	if err := codecutil.ZstdDecompress(s.blobPath(d), staged); err != nil {
		return "", fmt.Errorf("decompress artifact %s: %w", image, err)
	}
	return staged, nil
}

// Has reports whether the artifact named image already exists locally,
// resolved via a name index file written by Put.
func (s *ArtifactStore) Has(image string) (path string, found bool) {
	idx := filepath.Join(s.Root, "refs", image)
	data, err := os.ReadFile(idx)
	if err != nil {
		return "", false
	}
	d := digest.Digest(data)
	p := s.blobPath(d)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Put ingests r's contents under image's name, storing it content-addressed
// by its sha256 digest and recording an OCI descriptor-compatible name
// index entry.
func (s *ArtifactStore) Put(image string, r io.Reader) (ocispec.Descriptor, error) {
	if err := os.MkdirAll(filepath.Join(s.Root, "blobs", "sha256"), 0o755); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := os.MkdirAll(filepath.Join(s.Root, "refs"), 0o755); err != nil {
		return ocispec.Descriptor{}, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.Root, "blobs", "sha256"), "ingest-*")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h.Sum(nil)))
	dst := s.blobPath(d)
	if err := codecutil.ZstdCompress(tmp.Name(), dst); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("compress blob: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root, "refs", image), []byte(d.String()), 0o644); err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{MediaType: "application/vnd.iacengine.boot-artifact.v1", Digest: d, Size: size}, nil
}

// EnsureImageArtifactAction ensures the named boot artifact exists in the
// hypervisor's local store, downloading and reassembling multi-part
// artifacts if needed (spec.md §6 "Split-file reassembly").
type EnsureImageArtifactAction struct {
	Fetcher  ArtifactFetcher
	Store    *ArtifactStore
	BaseURL  string // e.g. https://repo.example.com/images
	Checksum string // optional expected sha256, verified if non-empty
}

func (a *EnsureImageArtifactAction) Name() string { return action.EnsureImageArtifact }

func (a *EnsureImageArtifactAction) Run(ctx context.Context, host action.Host, propagated action.Context) action.Result {
	image := propagated["image"]
	if image == "" {
		return action.Result{Success: false, ErrorKind: action.ErrorKindMalformed, Message: "EnsureImageArtifact: no image name in context"}
	}

	if _, found := a.Store.Has(image); !found {
		url := a.BaseURL + "/" + image
		body, found, err := a.Fetcher.Fetch(ctx, url)
		if err != nil {
			return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("fetch %s: %v", url, err)}
		}
		if found {
			defer body.Close()
			if err := a.ingestVerified(image, body); err != nil {
				return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: err.Error()}
			}
		} else if err := a.fetchAndReassembleParts(ctx, image); err != nil {
			// Base name 404: attempt split parts .partaa, .partab, ...
			return action.Result{Success: false, ErrorKind: action.ErrorKindNotFound, Message: err.Error()}
		}
	}

	path, err := a.Store.Path(image)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: err.Error()}
	}

	ft, err := ftdetect.DetectFile(path)
	if err != nil {
		return action.Result{Success: false, ErrorKind: action.ErrorKindInternal, Message: fmt.Sprintf("detect format of %s: %v", image, err)}
	}

	return action.Result{Success: true, ContextAdditions: map[string]string{
		"artifact_path":   path,
		"artifact_format": ft.String(),
	}}
}

func (a *EnsureImageArtifactAction) ingestVerified(image string, r io.Reader) error {
	if a.Checksum == "" {
		_, err := a.Store.Put(image, r)
		return err
	}
	h := sha256.New()
	desc, err := a.Store.Put(image, io.TeeReader(r, h))
	if err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != a.Checksum {
		os.Remove(a.Store.blobPath(desc.Digest))
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", image, got, a.Checksum)
	}
	return nil
}

func (a *EnsureImageArtifactAction) fetchAndReassembleParts(ctx context.Context, image string) error {
	partFiles, err := a.downloadParts(ctx, image)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range partFiles {
			os.Remove(p)
		}
	}()

	pr, pw := io.Pipe()
	go func() {
		err := func() error {
			for _, p := range partFiles {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				_, err = io.Copy(pw, f)
				f.Close()
				if err != nil {
					return err
				}
			}
			return nil
		}()
		pw.CloseWithError(err)
	}()

	return a.ingestVerified(image, pr)
}

// downloadParts fetches image.partaa, image.partab, ... sequentially until
// a 404, writing each to a temp file and returning their paths in order.
func (a *EnsureImageArtifactAction) downloadParts(ctx context.Context, image string) ([]string, error) {
	var parts []string
	for i := 0; ; i++ {
		suffix := partSuffix(i)
		url := fmt.Sprintf("%s/%s.%s", a.BaseURL, image, suffix)
		body, found, err := a.Fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("fetch part %s: %w", suffix, err)
		}
		if !found {
			if len(parts) == 0 {
				return nil, fmt.Errorf("no base file or split parts found for %s", image)
			}
			return parts, nil
		}
		f, err := os.CreateTemp("", "iacengine-part-*")
		if err != nil {
			body.Close()
			return nil, err
		}
		_, err = io.Copy(f, body)
		body.Close()
		f.Close()
		if err != nil {
			return nil, err
		}
		parts = append(parts, f.Name())
	}
}

// partSuffix generates "partaa", "partab", ... "partaz", "partba", ...,
// matching the hosting-service convention named in spec.md §6.
func partSuffix(i int) string {
	return "part" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

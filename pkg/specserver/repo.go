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

package specserver

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/http/cgi"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// workingBranch is the synthetic branch containing the operator's
// uncommitted changes (spec.md §4.5).
const workingBranch = "_working"

// RepoStore serves bare git mirrors over HTTP, one per named repo, each
// carrying a synthetic _working branch, and validates the single opaque
// operator-issued bearer token (spec.md §4.5). Shelling out to
// `git http-backend` mirrors pkg/svc/docker.go's idiom of driving an
// external binary via os/exec rather than reimplementing its protocol.
type RepoStore struct {
	// ReposDir holds one bare repository directory per name, e.g.
	// ReposDir/<name>.git.
	ReposDir string
	// BearerToken is the single opaque operator-issued token accepted for
	// all repo routes.
	BearerToken string

	mu sync.Mutex
}

// ValidBearer performs a constant-time comparison against the configured
// bearer token.
func (r *RepoStore) ValidBearer(tok string) bool {
	if r.BearerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(r.BearerToken)) == 1
}

func (s *Server) handleRepo(w http.ResponseWriter, r *http.Request) {
	store := s.cfg.RepoStore
	if store == nil {
		http.NotFound(w, r)
		return
	}

	repo, rest, ok := splitRepoPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	repoPath := filepath.Join(store.ReposDir, repo+".git")
	if !store.repoExists(repoPath) {
		http.NotFound(w, r)
		return
	}

	// Single-file bootstrap fetch: GET /{repo}.git/{path} (not one of the
	// smart-HTTP protocol endpoints) returns one file's contents from
	// _working, falling back to HEAD (spec.md §4.5).
	if rest != "" && !isGitProtocolPath(rest) {
		store.serveSingleFile(w, r, repoPath, rest)
		return
	}

	store.serveGitHTTPBackend(w, r, repoPath, rest)
}

func splitRepoPath(urlPath string) (repo, rest string, ok bool) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	idx := strings.Index(trimmed, ".git")
	if idx < 0 {
		return "", "", false
	}
	repo = trimmed[:idx]
	rest = strings.TrimPrefix(trimmed[idx+len(".git"):], "/")
	if repo == "" {
		return "", "", false
	}
	return repo, rest, true
}

func isGitProtocolPath(rest string) bool {
	switch {
	case rest == "info/refs", rest == "HEAD":
		return true
	case strings.HasPrefix(rest, "git-upload-pack"), strings.HasPrefix(rest, "objects/"):
		return true
	default:
		return false
	}
}

func (r *RepoStore) repoExists(path string) bool {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

func (r *RepoStore) serveGitHTTPBackend(w http.ResponseWriter, req *http.Request, repoPath, rest string) {
	gitBin, err := exec.LookPath("git")
	if err != nil {
		http.Error(w, "git not available", http.StatusInternalServerError)
		return
	}
	handler := &cgi.Handler{
		Path: gitBin,
		Args: []string{"http-backend"},
		Dir:  repoPath,
		Env: []string{
			"GIT_PROJECT_ROOT=" + filepath.Dir(repoPath),
			"GIT_HTTP_EXPORT_ALL=1",
			"PATH_INFO=/" + filepath.Base(repoPath) + "/" + rest,
		},
	}
	handler.ServeHTTP(w, req)
}

func (r *RepoStore) serveSingleFile(w http.ResponseWriter, req *http.Request, repoPath, path string) {
	data, err := r.showFile(repoPath, workingBranch, path)
	if err != nil {
		data, err = r.showFile(repoPath, "HEAD", path)
	}
	if err != nil {
		http.NotFound(w, req)
		return
	}
	w.Write(data)
}

func (r *RepoStore) showFile(repoPath, ref, path string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.Command("git", "-C", repoPath, "show", fmt.Sprintf("%s:%s", ref, path))
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git show %s:%s: %w", ref, path, err)
	}
	return out.Bytes(), nil
}

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
	"net/http"
	"path"
	"strings"
	"time"

	"tailscale.com/client/tailscale"
)

// unauthorized writes the bit-exact 401 response from spec.md §4.5:
// "return 401 with no body beyond Unauthorized".
func unauthorized(w http.ResponseWriter) {
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// tokenAuth enforces that GET /spec/{identity} carries a provisioning
// token whose identity equals the path identity (spec.md §4.5).
func (s *Server) tokenAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := strings.TrimPrefix(r.URL.Path, "/spec/")
		if identity == "" || strings.Contains(identity, "/") {
			http.NotFound(w, r)
			return
		}

		tok := bearerValue(r.Header.Get("Authorization"))
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			unauthorized(w)
			return
		}
		claims, err := s.cfg.Tokens.Verify(tok, time.Now())
		if err != nil || claims.Identity != identity {
			unauthorized(w)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimPrefix(r.URL.Path, "/spec/")
	doc, found, err := s.cfg.Resolver.Resolve(r.Context(), identity)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(doc)
}

// bearerAuth enforces the opaque operator-issued bearer token required for
// git-over-HTTP repo routes (spec.md §4.5), additionally accepting an
// optional tailnet identity when the server is reachable over a tailnet
// ("network" posture, spec.md §6), mirroring pkg/catch/catch.go's
// verifyCaller. This is additive to, never a replacement for, the bearer
// path.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path.Clean(r.URL.Path) == "/health" || r.URL.Path == "/specs" {
			next.ServeHTTP(w, r)
			return
		}

		tok := bearerValue(r.Header.Get("Authorization"))
		if tok != "" && s.cfg.RepoStore != nil && s.cfg.RepoStore.ValidBearer(tok) {
			next.ServeHTTP(w, r)
			return
		}
		if s.verifyTailnetCaller(r) {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func (s *Server) verifyTailnetCaller(r *http.Request) bool {
	if s.cfg.LocalTailscaleClient == nil {
		return false
	}
	who, err := s.cfg.LocalTailscaleClient.WhoIs(r.Context(), r.RemoteAddr)
	if err != nil || who == nil || who.Node == nil {
		return false
	}
	return true
}

func bearerValue(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

// tailscale.LocalClient is referenced only via this narrow field so tests
// can leave it nil and exercise the non-tailnet paths.
type tailscaleClient = tailscale.LocalClient

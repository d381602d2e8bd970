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

// Package specserver implements the long-lived HTTPS endpoint serving
// resolved specs (token-auth) and git-over-HTTP repo snapshots
// (bearer-auth), per spec.md §4.5, grounded on pkg/catch/catch.go's
// Server/eventListeners/waitGroup shape.
package specserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/homestakdev/iacengine/pkg/token"
)

// SpecResolver resolves a spec identity to its document bytes. SIGHUP
// reloads whatever cache sits behind it (spec.md §4.5 "reloads its spec
// resolver cache without dropping connections").
type SpecResolver interface {
	Resolve(ctx context.Context, identity string) ([]byte, bool, error)
	Identities(ctx context.Context) ([]string, error)
	Reload(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	BindAddr   string
	CertFile   string // empty triggers self-signed bootstrap
	KeyFile    string
	AdvertisedName string // CN for the self-signed certificate

	Tokens    *token.Service
	Resolver  SpecResolver
	RepoStore *RepoStore

	// LocalTailscaleClient, when non-nil, enables the optional "network"
	// authentication posture (spec.md §6): callers reachable over a
	// tailnet are accepted without a bearer token.
	LocalTailscaleClient *tailscaleClient

	// ReloadKey, when non-nil, is called on every SIGHUP reload to
	// re-read the token signing key from wherever it is persisted and
	// feed it to Tokens.Reload (spec.md §9's Open Question on key
	// rotation). Optional: a process that doesn't also mint tokens
	// itself leaves this nil and SIGHUP only reloads Resolver.
	ReloadKey func() ([]byte, error)
}

// Server is the spec/repo server daemon of spec.md §4.5.
type Server struct {
	cfg Config

	mu       sync.Mutex
	refCount int
	started  bool // whether THIS instance started the listening server

	httpSrv  *http.Server
	listener net.Listener
	tempCert string // path to a generated self-signed cert, removed at shutdown

	eg     *errgroup.Group
	cancel context.CancelFunc

	events *EventBus
}

// New constructs a Server bound to cfg, without starting it.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, events: NewEventBus()}
}

// Events returns the Server's event bus so the executor can publish
// node-lifecycle notifications to connected operators.
func (s *Server) Events() *EventBus { return s.events }

// Mux builds the fixed route table from spec.md §4.5.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/specs", s.handleSpecs)
	mux.HandleFunc("/spec/", s.tokenAuth(s.handleSpec))
	mux.HandleFunc("/events", s.events.ServeEvents)
	mux.Handle("/", s.bearerAuth(http.HandlerFunc(s.handleRepo)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSpecs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Resolver.Identities(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}

// StartForeground starts listening in the foreground (blocking). RunDaemon
// (daemon.go) wraps it with the PID file and signal handling.
func (s *Server) StartForeground(ctx context.Context) error {
	cert, err := s.loadOrBootstrapCert()
	if err != nil {
		return fmt.Errorf("specserver: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("specserver: listen %s: %w", s.cfg.BindAddr, err)
	}
	tlsLn := tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})

	s.listener = tlsLn
	s.httpSrv = &http.Server{Handler: s.Mux()}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	s.eg = eg

	eg.Go(func() error {
		err := s.httpSrv.Serve(tlsLn)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		return s.drain()
	})

	return eg.Wait()
}

func (s *Server) drain() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(drainCtx); err != nil {
		log.Printf("specserver: shutdown drain error: %v", err)
		return s.httpSrv.Close()
	}
	return nil
}

// Stop cancels the serve loop and waits for it to drain.
func (s *Server) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	if s.eg != nil {
		return s.eg.Wait()
	}
	return nil
}

// Reload reloads the spec resolver cache without dropping connections
// (spec.md §4.5, triggered by SIGHUP in the daemon entrypoint).
func (s *Server) Reload(ctx context.Context) error {
	if s.cfg.ReloadKey != nil && s.cfg.Tokens != nil {
		key, err := s.cfg.ReloadKey()
		if err != nil {
			return fmt.Errorf("reload signing key: %w", err)
		}
		if err := s.cfg.Tokens.Reload(key); err != nil {
			return fmt.Errorf("reload signing key: %w", err)
		}
	}
	return s.cfg.Resolver.Reload(ctx)
}

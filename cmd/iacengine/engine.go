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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/homestakdev/iacengine/pkg/action"
	"github.com/homestakdev/iacengine/pkg/action/impl"
	"github.com/homestakdev/iacengine/pkg/cli"
	"github.com/homestakdev/iacengine/pkg/executor"
	"github.com/homestakdev/iacengine/pkg/manifest"
	"github.com/homestakdev/iacengine/pkg/specserver"
	"github.com/homestakdev/iacengine/pkg/state"
	"github.com/homestakdev/iacengine/pkg/token"
)

// engine implements pkg/cli.Engine, wiring every concrete collaborator
// pkg/executor and pkg/specserver need against real infrastructure. One
// engine is built per process invocation; Run constructs a fresh
// state.Store and executor.Executor per call, since state.NewStore keys
// its storage by (manifest name, host).
type engine struct {
	dir      string
	prefs    *prefs
	tokens   *token.Service
	deps     *actionDeps
	registry *action.Registry
	resolver *fileSpecResolver
	manager  *specserver.Manager
	pidFile  *specserver.PIDFile
}

const defaultTokenValidity = 30 * time.Minute

func newEngine() (*engine, error) {
	dir, err := adminDir()
	if err != nil {
		return nil, err
	}
	p, err := loadPrefs(dir)
	if err != nil {
		return nil, err
	}
	key, err := loadOrGenerateSigningKey(dir)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewService(key)
	if err != nil {
		return nil, fmt.Errorf("new token service: %w", err)
	}

	dialer := &impl.SSHDialer{User: p.SSHUser, Timeout: 15 * time.Second}
	infra := &impl.OAuth2Infra{
		BaseURL: p.InfraBaseURL,
		Config: clientcredentials.Config{
			ClientID:     p.InfraClientID,
			ClientSecret: p.InfraClientSecret,
			TokenURL:     p.InfraTokenURL,
		},
	}
	deps := &actionDeps{
		Dialer:            dialer,
		Infra:             infra,
		AddressPoller:     &impl.InfraAddressPoller{Infra: infra},
		ArtifactFetcher:   &impl.HTTPArtifactFetcher{Client: http.DefaultClient},
		ArtifactStore:     &impl.ArtifactStore{Root: p.ArtifactsDir},
		ArtifactBaseURL:   p.ArtifactBaseURL,
		CredentialIssuer:  &impl.SSHCredentialIssuer{DescribeCmd: "iacengine-agent credential describe %s %s", CreateCmd: "iacengine-agent credential create %s %s"},
		NetworkConfigurer: &impl.SSHNetworkBridgeConfigurer{Dialer: dialer},
		Configurer:        &impl.SSHConfigurer{Dialer: dialer},
		SpecServerURL:     p.AdvertisedName,
		SecretsDir:        filepath.Join(dir, "secrets"),
	}
	// Built once as a startup completeness check (see actions.go's doc
	// comment on capabilityRegistry): action.NewRegistry panics on a
	// duplicate capability name, so a stale or renamed Action type fails
	// fast here rather than silently at first dispatch.
	registry := deps.capabilityRegistry()

	return &engine{
		dir:      dir,
		prefs:    p,
		tokens:   tokens,
		deps:     deps,
		registry: registry,
		resolver: &fileSpecResolver{Dir: filepath.Join(dir, "specs")},
		pidFile:  &specserver.PIDFile{Path: filepath.Join(dir, "server.pid")},
	}, nil
}

func (e *engine) LoadManifest(path string) (*manifest.Manifest, error) {
	resolved, err := e.prefs.manifestPath(path)
	if err != nil {
		return nil, err
	}
	return manifest.Load(resolved)
}

func (e *engine) DryRunPreview(m *manifest.Manifest, verb executor.Verb) (string, error) {
	return dryRunPreview(m, verb)
}

func (e *engine) Run(ctx context.Context, m *manifest.Manifest, host string, verb executor.Verb) (*executor.Report, error) {
	store, err := state.NewStore(filepath.Join(e.dir, "state"), m.Name, host)
	if err != nil {
		return nil, fmt.Errorf("new state store: %w", err)
	}

	manager := e.ensureManager()
	delegate := newDelegateFunc(e.deps.Dialer, "iacengine")

	ex := &executor.Executor{
		Registry:      e.registry,
		Store:         store,
		Tokens:        e.tokens,
		ServerManager: &managerAdapter{manager: manager},
		Notifier:      executor.NullNotifier{},
		Site:          e.siteDefaults(),
		Delegated:     os.Getenv("IACENGINE_DELEGATED") == "1",
		TokenValidity: defaultTokenValidity,
		Delegate:      delegate,
		PublishSpec:   e.resolver.publish,
		Actions:       e.deps.builders(),
	}
	return ex.Run(ctx, m, host, verb)
}

func (e *engine) siteDefaults() executor.SiteDefaults {
	return executor.SiteDefaults{
		SpecServerURL: e.prefs.AdvertisedName,
	}
}

func (e *engine) ensureManager() *specserver.Manager {
	lockPath := filepath.Join(e.dir, "server.lock")
	healthURL := fmt.Sprintf("https://127.0.0.1:%d/health", defaultServerPort)
	return &specserver.Manager{
		NewServer: func() *specserver.Server { return e.newServer(cli.ServerStartConfig{Port: defaultServerPort, Bind: "127.0.0.1"}) },
		PIDFile:   e.pidFile,
		LockPath:  lockPath,
		HealthURL: healthURL,
	}
}

const defaultServerPort = 8443

func (e *engine) newServer(cfg cli.ServerStartConfig) *specserver.Server {
	var repoStore *specserver.RepoStore
	if cfg.ReposDir != "" {
		repoStore = &specserver.RepoStore{ReposDir: cfg.ReposDir, BearerToken: cfg.RepoToken}
	}
	return specserver.New(specserver.Config{
		BindAddr:       fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		CertFile:       cfg.Cert,
		KeyFile:        cfg.Key,
		AdvertisedName: e.prefs.AdvertisedName,
		Tokens:         e.tokens,
		Resolver:       e.resolver,
		RepoStore:      repoStore,
		ReloadKey:      func() ([]byte, error) { return loadOrGenerateSigningKey(e.dir) },
	})
}

func (e *engine) StartServer(ctx context.Context, cfg cli.ServerStartConfig) error {
	if cfg.Port == 0 {
		cfg.Port = defaultServerPort
	}
	if cfg.Foreground {
		return e.newServer(cfg).RunDaemon(e.pidFile)
	}

	if pid, alive := e.pidFile.Read(); alive {
		return fmt.Errorf("iacengine: server already running (pid %d)", pid)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	args := []string{"server", "start", "--foreground",
		"--port", fmt.Sprint(cfg.Port), "--bind", cfg.Bind}
	if cfg.Cert != "" {
		args = append(args, "--cert", cfg.Cert, "--key", cfg.Key)
	}
	if cfg.ReposDir != "" {
		args = append(args, "--repos", cfg.ReposDir, "--repo-token", cfg.RepoToken)
	}
	child := exec.Command(self, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn detached server: %w", err)
	}
	return child.Process.Release()
}

// StopServer duplicates specserver's unexported PID-read-then-SIGTERM
// logic locally: Manager's refcounted release path only tears the server
// down when the last executor-held handle lets go, which is a different
// lifecycle than an operator's explicit "server stop". It sends SIGTERM to
// whatever live process the PID file names, without checking which host
// or run started it.
func (e *engine) StopServer(ctx context.Context) error {
	pid, alive := e.pidFile.Read()
	if !alive {
		return fmt.Errorf("iacengine: server not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func (e *engine) ServerStatus(ctx context.Context) (cli.ServerStatus, error) {
	pid, alive := e.pidFile.Read()
	if !alive {
		return cli.ServerStatus{}, nil
	}
	return cli.ServerStatus{Running: true, PID: pid, Refcount: 1, StartedByThisHost: true}, nil
}

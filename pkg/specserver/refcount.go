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
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/homestakdev/iacengine/pkg/state"
)

// Handle is a reference-counted attachment to a (possibly shared) spec
// server. Release MUST be called exactly once per successful Ensure
// (spec.md §4.5 "Reference-counted lifecycle").
type Handle struct {
	manager *Manager
	started bool
}

// Release decrements the reference count; if it reaches zero and this
// handle's call started the server, the server is stopped. If a different
// process or executor instance started it, it is never stopped here.
func (h *Handle) Release() error {
	return h.manager.release(h.started)
}

// Manager owns the reference-counted ensure()/release() lifecycle of a
// spec server shared across concurrent engine runs (spec.md §4.5).
// Concurrent Ensure calls from this process collapse via singleflight;
// concurrent calls from separate processes serialize on a file lock
// covering PID-file creation.
type Manager struct {
	NewServer func() *Server
	PIDFile   *PIDFile
	LockPath  string
	HealthURL string

	mu       sync.Mutex
	refCount int
	srv      *Server
	group    singleflight.Group
}

// Ensure attaches to a running spec server, starting one if none is alive.
// Semantics exactly match spec.md §4.5: "if no server is running... start
// one and record that this executor instance started it; otherwise attach
// to the running instance without claiming ownership. Increment the
// reference count in either case."
func (m *Manager) Ensure(ctx context.Context) (*Handle, error) {
	v, err, _ := m.group.Do("ensure", func() (any, error) {
		return m.ensureLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) ensureLocked(ctx context.Context) (*Handle, error) {
	lock, err := state.NewLock(m.LockPath)
	if err != nil {
		return nil, fmt.Errorf("specserver: open server lock: %w", err)
	}
	defer lock.Close()
	if err := lock.Acquire(); err != nil {
		return nil, fmt.Errorf("specserver: acquire server lock: %w", err)
	}
	defer lock.Release()

	m.mu.Lock()
	defer m.mu.Unlock()

	startedByUs := false
	if _, alive := m.PIDFile.Read(); !alive {
		if err := m.spawnDetached(); err != nil {
			return nil, err
		}
		if err := m.waitHealthy(ctx); err != nil {
			return nil, err
		}
		startedByUs = true
	}

	m.refCount++
	return &Handle{manager: m, started: startedByUs}, nil
}

func (m *Manager) release(started bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refCount--
	if m.refCount > 0 || !started {
		return nil
	}
	return m.stopProcess()
}

// spawnDetached launches the server as a detached background process by
// running "iacengine server start --foreground", with the binary looked up
// on PATH. The NewServer field is not used here.
func (m *Manager) spawnDetached() error {
	cmd := exec.Command("iacengine", "server", "start", "--foreground")
	cmd.SysProcAttr = detachedAttr()
	return cmd.Start()
}

func (m *Manager) stopProcess() error {
	pid, alive := m.PIDFile.Read()
	if !alive {
		return nil
	}
	return stopPID(pid)
}

func (m *Manager) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		if ok, _ := probeHealth(ctx, m.HealthURL); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("specserver: server did not become healthy within 30s")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

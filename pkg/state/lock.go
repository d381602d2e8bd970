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
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Lock.TryAcquire when another run already
// holds the per-(manifest,host) lock (spec.md §5.1).
var ErrAlreadyRunning = errors.New("state: another run already holds this manifest/host lock")

// Lock is a file-backed advisory lock covering the lifetime of a single run
// against one (manifest-name, host) key.
type Lock struct {
	path string
	f    *os.File
}

// NewLock opens (creating if necessary) the lock file at path without
// acquiring it.
func NewLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("state: failed to open lock file %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// TryAcquire attempts a non-blocking exclusive lock, returning
// ErrAlreadyRunning if another process holds it.
func (l *Lock) TryAcquire() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("state: failed to lock %s: %w", l.path, err)
	}
	return nil
}

// Acquire blocks until the exclusive lock is obtained.
func (l *Lock) Acquire() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("state: failed to lock %s: %w", l.path, err)
	}
	return nil
}

// Release drops the lock. The underlying file descriptor stays open so the
// Lock can be reused.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("state: failed to unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock and closes the underlying file.
func (l *Lock) Close() error {
	_ = l.Release()
	return l.f.Close()
}

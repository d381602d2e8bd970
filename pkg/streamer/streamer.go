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

// Package streamer executes a delegated sub-run over an interactive
// channel, streaming output in real time and extracting a structured
// result trailer (spec.md §4.6), grounded on pkg/catch/ssh.go and
// pkg/catch/tty.go's session-handling style (there server-side; here the
// client role for the same pty-backed interactive-channel idiom).
package streamer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/tailscale/golang-x-crypto/ssh"
	"golang.org/x/term"

	"github.com/homestakdev/iacengine/pkg/env"
)

const defaultCaptureBytes = 4 << 20 // 4 MiB bounded capture buffer

// GracePeriod is how long the remote side has to exit after a soft
// timeout's cancellation signal before the channel is forcibly closed
// (spec.md §4.6 step 4: "a fixed grace period (on the order of a few
// seconds)").
const GracePeriod = 5 * time.Second

// Dialer opens an authenticated SSH connection to a target.
type Dialer interface {
	Dial(ctx context.Context, address, credentialsRef string) (*ssh.Client, error)
}

// Result is what Run produces once the remote command exits (or is
// forcibly terminated).
type Result struct {
	ExitCode   int
	TimedOut   bool
	Trailer    Trailer
	TrailerOK  bool
	Captured   []byte
}

// Streamer executes a command on a remote target over an SSH session with
// an allocated pseudo-terminal, streaming output live while also tee-ing
// into a bounded capture buffer.
type Streamer struct {
	Dialer Dialer
	// Stdout/Stderr are the operator-facing live destinations; both the
	// remote stdout and stderr are multiplexed onto Stdout, matching an
	// interactive pty session where the two streams are not distinguishable
	// at the transport layer.
	Stdout io.Writer

	// CaptureBytes overrides the bounded capture buffer size; zero means
	// defaultCaptureBytes.
	CaptureBytes int
}

// Run opens an interactive channel to address, propagates env (e.g. the
// repo-server URL/bearer/ref, per spec.md §4.6 step 1), runs cmd, and
// streams output. softTimeout of zero disables the timeout.
func (s *Streamer) Run(ctx context.Context, address, credentialsRef, cmd string, propagated map[string]string, softTimeout time.Duration) (Result, error) {
	client, err := s.Dialer.Dial(ctx, address, credentialsRef)
	if err != nil {
		return Result{}, fmt.Errorf("streamer: dial %s: %w", address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("streamer: new session on %s: %w", address, err)
	}
	defer session.Close()

	rows, cols := terminalSize()
	if err := session.RequestPty("xterm-256color", rows, cols, ssh.TerminalModes{}); err != nil {
		return Result{}, fmt.Errorf("streamer: request pty on %s: %w", address, err)
	}

	for _, kv := range env.FromContext(propagated) {
		// best-effort: SetEnv commonly requires server-side AcceptEnv
		// allow-listing; failures here do not abort the run.
		_ = session.Setenv(splitKV(kv))
	}

	capBytes := s.CaptureBytes
	if capBytes <= 0 {
		capBytes = defaultCaptureBytes
	}
	capture := newRingCapture(capBytes)

	live := s.Stdout
	if live == nil {
		live = io.Discard
	}
	session.Stdout = io.MultiWriter(live, capture)
	session.Stderr = io.MultiWriter(live, capture)

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return Result{}, fmt.Errorf("streamer: start %q on %s: %w", cmd, address, err)
	}
	go func() { done <- session.Wait() }()

	timedOut, waitErr := s.await(ctx, session, done, softTimeout)

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else if !timedOut {
			exitCode = 1
		}
	}

	captured := capture.Bytes()
	trailer, ok := ParseTrailer(captured)
	if !ok {
		trailer = SynthesizeFromExitCode(exitCode)
	}
	return Result{ExitCode: exitCode, TimedOut: timedOut, Trailer: trailer, TrailerOK: ok, Captured: captured}, nil
}

// await waits for done, the context, or softTimeout, implementing spec.md
// §4.6 step 4's soft-timeout-then-grace-period-then-force-close sequence.
func (s *Streamer) await(ctx context.Context, session *ssh.Session, done <-chan error, softTimeout time.Duration) (timedOut bool, err error) {
	var timeoutCh <-chan time.Time
	if softTimeout > 0 {
		timer := time.NewTimer(softTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		return false, err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGINT)
		return s.waitGrace(done)
	case <-timeoutCh:
		_ = session.Signal(ssh.SIGINT)
		return s.waitGrace(done)
	}
}

func (s *Streamer) waitGrace(done <-chan error) (bool, error) {
	select {
	case err := <-done:
		return false, err
	case <-time.After(GracePeriod):
		return true, fmt.Errorf("streamer: remote did not exit within grace period")
	}
}

// defaultRows/defaultCols size the remote pty when the engine's own stdout
// isn't an attached terminal (structured-output mode, CI, delegation from
// another iacengine process), matching a typical 80-column terminal with
// headroom for wrapped long lines.
const (
	defaultRows = 40
	defaultCols = 160
)

// terminalSize reports the operator's actual terminal dimensions when
// stdout is attached to one, so the remote pty matches what they're
// looking at instead of a fixed guess.
func terminalSize() (rows, cols int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultRows, defaultCols
	}
	w, h, err := term.GetSize(fd)
	if err != nil || w <= 0 || h <= 0 {
		return defaultRows, defaultCols
	}
	return h, w
}

func splitKV(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// LocalStreamer runs cmd as a local child process with a pseudo-terminal
// allocated, for the root engine's own node (management host == target),
// grounded on pkg/catch/tty.go's pty.Open() use.
type LocalStreamer struct {
	Stdout       io.Writer
	CaptureBytes int
}

func (s *LocalStreamer) Run(ctx context.Context, cmd string, args []string, propagated map[string]string) (Result, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Env = append(os.Environ(), env.FromContext(propagated)...)

	ptmx, err := pty.Start(c)
	if err != nil {
		return Result{}, fmt.Errorf("streamer: local pty start: %w", err)
	}
	defer ptmx.Close()

	capBytes := s.CaptureBytes
	if capBytes <= 0 {
		capBytes = defaultCaptureBytes
	}
	capture := newRingCapture(capBytes)

	live := s.Stdout
	if live == nil {
		live = io.Discard
	}
	go io.Copy(io.MultiWriter(live, capture), ptmx)

	waitErr := c.Wait()
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	captured := capture.Bytes()
	trailer, ok := ParseTrailer(captured)
	if !ok {
		trailer = SynthesizeFromExitCode(exitCode)
	}
	return Result{ExitCode: exitCode, Trailer: trailer, TrailerOK: ok, Captured: captured}, nil
}

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

package streamer

import "sync"

// ringCapture is a bounded in-memory capture buffer. On overflow, the
// oldest bytes are dropped from the capture; the live stream it is tee'd
// from is never affected (spec.md §4.6: "the in-memory capture buffer is
// bounded and, on overflow, oldest bytes are dropped from the capture").
type ringCapture struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func newRingCapture(capacity int) *ringCapture {
	return &ringCapture{buf: make([]byte, 0, capacity), cap: capacity}
}

// Write implements io.Writer so a ringCapture can sit in an io.MultiWriter
// alongside the live-stream destination.
func (r *ringCapture) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.cap; over > 0 {
		r.buf = r.buf[over:]
	}
	return len(p), nil
}

// Bytes returns a copy of the currently captured bytes.
func (r *ringCapture) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

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
	"fmt"
	"net"
	"os"
	"time"

	"github.com/tailscale/golang-x-crypto/ssh"
)

// SSHDialer is the production Dialer: credentialsRef names a private key
// file on disk, grounded on pkg/catch/ssh.go's session handling (there
// server-side; here the client role for the same SSH idiom, matching
// pkg/streamer's doc comment).
type SSHDialer struct {
	User    string
	Timeout time.Duration

	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey if unset; set it
	// to a known_hosts-backed callback in production deployments.
	HostKeyCallback ssh.HostKeyCallback
}

func (d *SSHDialer) Dial(ctx context.Context, address, credentialsRef string) (*ssh.Client, error) {
	signer, err := loadSigner(credentialsRef)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: load key %s: %w", credentialsRef, err)
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(address, "22")
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

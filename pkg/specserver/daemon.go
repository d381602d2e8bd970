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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// PIDFile is a well-known path the daemon writes atomically at startup and
// removes at clean shutdown (spec.md §4.5, §6).
type PIDFile struct {
	Path string
}

// Write atomically creates the PID file, failing if one already exists and
// names a live process.
func (p *PIDFile) Write() error {
	if pid, alive := p.Read(); alive {
		return fmt.Errorf("specserver: server already running (pid %d)", pid)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("specserver: write pid file: %w", err)
	}
	return os.Rename(tmp, p.Path)
}

// Read returns the recorded PID and whether that process is still alive.
func (p *PIDFile) Read() (pid int, alive bool) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RunDaemon runs the server in the foreground of the current process
// (intended to be the detached child after daemonization), writing the PID
// file before accepting connections and handling SIGTERM/SIGINT (graceful
// drain) and SIGHUP (spec resolver reload) per spec.md §4.5.
func (s *Server) RunDaemon(pidFile *PIDFile) error {
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer pidFile.Remove()
	defer s.RemoveTempCert()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- s.StartForeground(ctx) }()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := s.Reload(ctx); err != nil {
					log.Printf("specserver: reload failed: %v", err)
				}
			default:
				cancel()
				return <-done
			}
		case err := <-done:
			return err
		}
	}
}

// loadOrBootstrapCert returns an explicit cert+key pair if configured,
// otherwise generates a self-signed certificate for the advertised name,
// storing it in a temporary location removed at shutdown (spec.md §4.5
// "TLS").
func (s *Server) loadOrBootstrapCert() (tls.Certificate, error) {
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		return tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	name := s.cfg.AdvertisedName
	if name == "" {
		name = "iacengine-spec-server"
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	dir, err := os.MkdirTemp("", "iacengine-cert-*")
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert temp dir: %w", err)
	}
	s.tempCert = dir

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := writePEM(certPath, "CERTIFICATE", der); err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal private key: %w", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	log.Printf("specserver: generated self-signed certificate for %s, fingerprint sha256:%x", name, sha256.Sum256(der))
	return cert, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// RemoveTempCert deletes the temporary self-signed certificate directory,
// if one was generated (spec.md §4.5: "deleted at shutdown").
func (s *Server) RemoveTempCert() error {
	if s.tempCert == "" {
		return nil
	}
	return os.RemoveAll(s.tempCert)
}

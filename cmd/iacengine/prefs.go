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
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// prefs is the engine's on-disk configuration, following
// cmd/yeet/yeet.go's prefs type: a small JSON file under the user's home
// directory, with every field overridable by an environment variable at
// load time. iacengine's prefs live at ~/.homestak/prefs.json rather than
// yeet's ~/.yeet/prefs.json.
type prefs struct {
	ManifestsDir      string `json:"manifests_dir"`
	ArtifactsDir      string `json:"artifacts_dir"`
	SSHUser           string `json:"ssh_user"`
	InfraBaseURL      string `json:"infra_base_url"`
	InfraTokenURL     string `json:"infra_token_url"`
	InfraClientID     string `json:"infra_client_id"`
	InfraClientSecret string `json:"infra_client_secret"`
	ArtifactBaseURL   string `json:"artifact_base_url"`
	AdvertisedName    string `json:"advertised_name"`
}

const prefsFileName = "prefs.json"

func adminDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".homestak")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create admin directory %s: %w", dir, err)
	}
	return dir, nil
}

// loadPrefs reads dir/prefs.json, applying built-in defaults for anything
// the file doesn't set and then environment overrides, mirroring
// cmd/yeet/yeet.go's init()/CATCH_HOST pattern.
func loadPrefs(dir string) (*prefs, error) {
	p := &prefs{
		ManifestsDir:    filepath.Join(dir, "manifests"),
		ArtifactsDir:    filepath.Join(dir, "artifacts"),
		SSHUser:         "root",
		ArtifactBaseURL: "https://repo.internal/images",
		AdvertisedName:  "iacengine",
	}

	path := filepath.Join(dir, prefsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(p)
	return p, nil
}

func applyEnvOverrides(p *prefs) {
	overrides := map[string]*string{
		"IACENGINE_MANIFESTS_DIR":       &p.ManifestsDir,
		"IACENGINE_ARTIFACTS_DIR":       &p.ArtifactsDir,
		"IACENGINE_SSH_USER":            &p.SSHUser,
		"IACENGINE_INFRA_BASE_URL":      &p.InfraBaseURL,
		"IACENGINE_INFRA_TOKEN_URL":     &p.InfraTokenURL,
		"IACENGINE_INFRA_CLIENT_ID":     &p.InfraClientID,
		"IACENGINE_INFRA_CLIENT_SECRET": &p.InfraClientSecret,
		"IACENGINE_ARTIFACT_BASE_URL":   &p.ArtifactBaseURL,
		"IACENGINE_ADVERTISED_NAME":     &p.AdvertisedName,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

const signingKeyFileName = "signing.key"

// loadOrGenerateSigningKey returns the HMAC key backing token.Service,
// generating and persisting a fresh 256-bit key on first run. Adapted from
// cmd/catch/catch.go's load-or-generate keypair idiom, simplified to a
// plain random key since token.Service signs with HMAC rather than ed25519.
func loadOrGenerateSigningKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, signingKeyFileName)
	encoded, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(string(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode signing key %s: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	encodedKey := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encodedKey), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key %s: %w", path, err)
	}
	return key, nil
}

// manifestPath resolves the CLI's manifest-id argument to a YAML file under
// prefs.ManifestsDir: manifestID itself if it is already a path to an
// existing file, otherwise <ManifestsDir>/<manifestID>.yaml with a .yml
// fallback.
func (p *prefs) manifestPath(manifestID string) (string, error) {
	if _, err := os.Stat(manifestID); err == nil {
		return manifestID, nil
	}

	for _, ext := range []string{".yaml", ".yml"} {
		candidate := filepath.Join(p.ManifestsDir, manifestID+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no manifest named %q found under %s", manifestID, p.ManifestsDir)
}

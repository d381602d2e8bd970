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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Infra implements Infra against a hypervisor control-plane REST API
// authenticated with OAuth2 client-credentials (spec.md §6 resolved-variable
// bundle item 2: "Host-level overrides... credentials handle"). CredentialsRef
// is not used directly here: the token source is configured once per host
// at construction, mirroring how a credentials handle is resolved ahead of
// the Action call.
type OAuth2Infra struct {
	BaseURL string
	Config  clientcredentials.Config
}

func (o *OAuth2Infra) client(ctx context.Context) *http.Client {
	return o.Config.Client(ctx)
}

type resourceDoc struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status"`
}

func (o *OAuth2Infra) Describe(ctx context.Context, host, name string) (ProvisionedResource, bool, error) {
	u := fmt.Sprintf("%s/hosts/%s/resources/%s", o.BaseURL, url.PathEscape(host), url.PathEscape(name))
	resp, err := o.client(ctx).Get(u)
	if err != nil {
		return ProvisionedResource{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ProvisionedResource{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return ProvisionedResource{}, false, fmt.Errorf("describe %s: unexpected status %s", name, resp.Status)
	}
	var doc resourceDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return ProvisionedResource{}, false, err
	}
	return ProvisionedResource{ID: doc.ID, Address: doc.Address}, true, nil
}

func (o *OAuth2Infra) Provision(ctx context.Context, host string, res DeclaredResource) (ProvisionedResource, error) {
	body := strings.NewReader(fmt.Sprintf(
		`{"name":%q,"preset":%q,"image":%q,"vmid":%d,"disk_gb":%d}`,
		res.Name, res.Preset, res.Image, res.VMID, res.DiskGB))
	u := fmt.Sprintf("%s/hosts/%s/resources", o.BaseURL, url.PathEscape(host))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return ProvisionedResource{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client(ctx).Do(req)
	if err != nil {
		return ProvisionedResource{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return ProvisionedResource{}, fmt.Errorf("provision %s: unexpected status %s", res.Name, resp.Status)
	}
	var doc resourceDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return ProvisionedResource{}, err
	}
	return ProvisionedResource{ID: doc.ID, Address: doc.Address}, nil
}

func (o *OAuth2Infra) Start(ctx context.Context, host, id string) error {
	u := fmt.Sprintf("%s/hosts/%s/resources/%s/start", o.BaseURL, url.PathEscape(host), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := o.client(ctx).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("start %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

func (o *OAuth2Infra) Destroy(ctx context.Context, host, idOrPattern string) error {
	u := fmt.Sprintf("%s/hosts/%s/resources/%s", o.BaseURL, url.PathEscape(host), url.PathEscape(idOrPattern))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := o.client(ctx).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("destroy %s: unexpected status %s", idOrPattern, resp.Status)
	}
	return nil
}

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

import "context"

// InfraAddressPoller satisfies AddressPoller by re-describing the resource
// through Infra: the same in-guest agent that reports readiness to the
// hypervisor control plane also publishes the address Describe returns.
type InfraAddressPoller struct {
	Infra Infra
}

func (p *InfraAddressPoller) PollAddress(ctx context.Context, host, id string) (string, bool, error) {
	res, found, err := p.Infra.Describe(ctx, host, id)
	if err != nil || !found || res.Address == "" {
		return "", false, err
	}
	return res.Address, true, nil
}

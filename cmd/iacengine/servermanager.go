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

	"github.com/homestakdev/iacengine/pkg/executor"
	"github.com/homestakdev/iacengine/pkg/specserver"
)

// managerAdapter narrows *specserver.Manager to executor.ServerManager.
// specserver.Manager.Ensure returns a concrete *specserver.Handle, which
// already satisfies executor.ServerHandle structurally (it has a Release()
// error method); the adapter exists only to match the interface-typed
// return value executor.ServerManager declares.
type managerAdapter struct {
	manager *specserver.Manager
}

func (a *managerAdapter) Ensure(ctx context.Context) (executor.ServerHandle, error) {
	handle, err := a.manager.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

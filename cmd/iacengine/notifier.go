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
	"github.com/homestakdev/iacengine/pkg/specserver"
	"github.com/homestakdev/iacengine/pkg/state"
)

// eventNotifier satisfies executor.Notifier by publishing every node
// transition onto the spec server's EventBus, so anything watching /events
// sees lifecycle progress live (spec.md §4.5 "Server interaction").
type eventNotifier struct {
	bus *specserver.EventBus
}

func (n *eventNotifier) NotifyNodeStatus(manifestName, nodeName string, status state.Status) {
	n.bus.Publish(specserver.Event{
		Manifest: manifestName,
		Node:     nodeName,
		Status:   string(status),
	})
}

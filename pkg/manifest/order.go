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

package manifest

// CreateOrder returns nodes in an order where every parent precedes its
// children, breaking ties by document order (spec.md §4.2). The reference
// executor walks this sequentially; nothing here precludes a caller from
// discovering independent siblings for parallel execution.
func (m *Manifest) CreateOrder() []Node {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(m.Nodes))
	order := make([]Node, 0, len(m.Nodes))

	var visit func(name string)
	visit = func(name string) {
		if state[name] == done {
			return
		}
		n, ok := m.NodeByName(name)
		if !ok {
			return
		}
		state[name] = visiting
		if n.Parent != "" {
			visit(n.Parent)
		}
		state[name] = done
		order = append(order, n)
	}

	// Document order is the tie-break, so we must visit in document order
	// and only append a node once its ancestors are already present.
	for _, n := range m.Nodes {
		visit(n.Name)
	}
	return order
}

// DestroyOrder is the exact reverse of CreateOrder (spec.md §4.2).
func (m *Manifest) DestroyOrder() []Node {
	create := m.CreateOrder()
	out := make([]Node, len(create))
	for i, n := range create {
		out[len(create)-1-i] = n
	}
	return out
}

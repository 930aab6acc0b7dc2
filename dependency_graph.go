// dependency_graph.go: Plugin dependency tracking and ordering
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"sync"
)

// DependencyGraph records which registered plugins depend on which.
//
// Only edges towards registered plugins are kept: an absent optional
// dependency does not create a node. The graph is used to compute the order
// in which plugins are enabled and, reversed, the order in which they are
// torn down.
//
// Example usage:
//
//	graph := NewDependencyGraph()
//	graph.AddPlugin("logging", nil)
//	graph.AddPlugin("auth", []string{"logging"})
//	order, err := graph.CalculateLoadOrder() // [logging auth]
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[string]*DependencyNode
}

// DependencyNode represents a single plugin in the dependency graph.
type DependencyNode struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// NewDependencyGraph creates a new dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*DependencyNode),
	}
}

func (dg *DependencyGraph) node(name string) *DependencyNode {
	n, exists := dg.nodes[name]
	if !exists {
		n = &DependencyNode{Name: name}
		dg.nodes[name] = n
	}
	return n
}

// AddPlugin adds or replaces a plugin and its edges.
func (dg *DependencyGraph) AddPlugin(name string, dependencies []string) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	n := dg.node(name)
	for _, old := range n.Dependencies {
		if dep, ok := dg.nodes[old]; ok {
			dep.Dependents = removeString(dep.Dependents, name)
		}
	}

	n.Dependencies = append([]string(nil), dependencies...)
	for _, dep := range dependencies {
		d := dg.node(dep)
		if !containsString(d.Dependents, name) {
			d.Dependents = append(d.Dependents, name)
		}
	}
}

// RemovePlugin removes a plugin and every edge touching it.
func (dg *DependencyGraph) RemovePlugin(name string) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	n, exists := dg.nodes[name]
	if !exists {
		return
	}
	for _, dep := range n.Dependencies {
		if d, ok := dg.nodes[dep]; ok {
			d.Dependents = removeString(d.Dependents, name)
		}
	}
	for _, dependent := range n.Dependents {
		if d, ok := dg.nodes[dependent]; ok {
			d.Dependencies = removeString(d.Dependencies, name)
		}
	}
	delete(dg.nodes, name)
}

// Contains reports whether name is a node of the graph.
func (dg *DependencyGraph) Contains(name string) bool {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	_, exists := dg.nodes[name]
	return exists
}

// GetDependencies returns the dependencies of a plugin.
func (dg *DependencyGraph) GetDependencies(name string) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	if node, exists := dg.nodes[name]; exists {
		return append([]string{}, node.Dependencies...)
	}
	return []string{}
}

// GetDependents returns the plugins that depend on name.
func (dg *DependencyGraph) GetDependents(name string) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	if node, exists := dg.nodes[name]; exists {
		return append([]string{}, node.Dependents...)
	}
	return []string{}
}

// CalculateLoadOrder returns every node ordered so that dependencies come
// before their dependents. Ties are broken alphabetically so the order is
// stable. A cycle yields a dependency cycle error.
func (dg *DependencyGraph) CalculateLoadOrder() ([]string, error) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	// Kahn's algorithm: in-degree is the number of unresolved dependencies.
	inDegree := make(map[string]int, len(dg.nodes))
	for name, node := range dg.nodes {
		inDegree[name] = len(node.Dependencies)
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(dg.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		var ready []string
		for _, dependent := range dg.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(dg.nodes) {
		var remaining []string
		for name, degree := range inDegree {
			if degree > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, NewDependencyCycleError(remaining)
	}
	return order, nil
}

// ValidateDependencies checks that every edge points at a node and that the
// graph is acyclic.
func (dg *DependencyGraph) ValidateDependencies() error {
	dg.mu.RLock()
	for name, node := range dg.nodes {
		for _, dep := range node.Dependencies {
			if _, exists := dg.nodes[dep]; !exists {
				dg.mu.RUnlock()
				return NewDependencyUnknownError(name, dep)
			}
		}
	}
	dg.mu.RUnlock()

	_, err := dg.CalculateLoadOrder()
	return err
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			out := make([]string, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

// Package graph resolves a root project into an ordered graph of project nodes.
package graph

import (
	"slices"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/buildwatch/pkg/model"
	"github.com/ritzau/buildwatch/pkg/project"
)

// ProjectGraph is an immutable set of evaluated nodes with their references.
// Edges in the underlying gonum graph point from a dependency to its dependent.
type ProjectGraph struct {
	graph *simple.DirectedGraph
	nodes []*project.Node  // indexed by gonum node ID
	ids   map[string]int64 // node ID to gonum ID
	order []*project.Node  // dependencies before dependents
	roots []*project.Node
	entry *project.Node
}

// Node returns a node by its ID (see project.Node.ID)
func (g *ProjectGraph) Node(id string) (*project.Node, bool) {
	gid, ok := g.ids[id]
	if !ok {
		return nil, false
	}
	return g.nodes[gid], true
}

// Entry returns the node the graph was loaded for
func (g *ProjectGraph) Entry() *project.Node {
	return g.entry
}

// Len returns the number of nodes
func (g *ProjectGraph) Len() int {
	return len(g.nodes)
}

// NodesTopologicallySorted lists every node, dependencies before dependents
func (g *ProjectGraph) NodesTopologicallySorted() []*project.Node {
	return slices.Clone(g.order)
}

// Roots lists nodes that no other node references, in topological order
func (g *ProjectGraph) Roots() []*project.Node {
	return slices.Clone(g.roots)
}

// Dependencies returns the nodes the given node references directly
func (g *ProjectGraph) Dependencies(n *project.Node) []*project.Node {
	gid, ok := g.ids[n.ID()]
	if !ok {
		return nil
	}
	var deps []*project.Node
	it := g.graph.To(gid)
	for it.Next() {
		deps = append(deps, g.nodes[it.Node().ID()])
	}
	g.sortByOrder(deps)
	return deps
}

// ProjectPaths returns the distinct description paths in topological order
func (g *ProjectGraph) ProjectPaths() []string {
	var paths []string
	for _, n := range g.order {
		if !slices.Contains(paths, n.Path()) {
			paths = append(paths, n.Path())
		}
	}
	return paths
}

func (g *ProjectGraph) sortByOrder(nodes []*project.Node) {
	index := make(map[*project.Node]int, len(g.order))
	for i, n := range g.order {
		index[n] = i
	}
	slices.SortFunc(nodes, func(a, b *project.Node) int {
		return index[a] - index[b]
	})
}

// Model returns a serializable view of the graph
func (g *ProjectGraph) Model() *model.Graph {
	m := model.NewGraph()
	for _, n := range g.order {
		m.AddNode(&model.Node{
			ID:        n.ID(),
			Path:      n.Path(),
			Framework: n.TargetFramework(),
			Metadata: map[string]string{
				"name":      n.Name(),
				"synthetic": boolString(n.IsSynthetic()),
			},
		})
		m.Order = append(m.Order, n.ID())
	}
	for _, n := range g.order {
		for _, dep := range g.Dependencies(n) {
			m.AddEdge(&model.Edge{Source: n.ID(), Target: dep.ID()})
		}
	}
	return m
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

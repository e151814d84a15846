package model

// Graph is a serializable view of the project graph.
// It is what the status server returns; the authoritative graph lives in pkg/graph.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []*Edge          `json:"edges"`
	Order []string         `json:"order"` // Node IDs, dependencies before dependents
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make([]*Edge, 0),
	}
}

// Node represents one project in the graph view.
type Node struct {
	ID        string            `json:"id"`                  // Project path plus framework for inner nodes
	Path      string            `json:"path"`                // Project description path
	Framework string            `json:"framework,omitempty"` // Target framework, empty for outer nodes
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Edge represents a reference from one project to another.
type Edge struct {
	Source string `json:"source"` // Referencing project
	Target string `json:"target"` // Referenced project
}

// AddNode adds a node to the graph. If a node with the same ID exists, it updates it.
func (g *Graph) AddNode(node *Node) {
	if node.Metadata == nil {
		node.Metadata = make(map[string]string)
	}
	g.Nodes[node.ID] = node
}

// AddEdge adds an edge to the graph.
func (g *Graph) AddEdge(edge *Edge) {
	g.Edges = append(g.Edges, edge)
}

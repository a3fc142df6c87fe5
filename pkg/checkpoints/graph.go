package checkpoints

import "strconv"

const (
	nodeSpacingX = 150
	nodeSpacingY = 100
)

type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

type Node struct {
	ID         string     `json:"id" yaml:"id"`
	Label      string     `json:"label" yaml:"label"`
	Checkpoint Checkpoint `json:"checkpoint" yaml:"checkpoint"`
	Position   Position   `json:"position" yaml:"position"`
}

type Edge struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Graph is the node/edge view of one history snapshot.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Build turns an ordered history into a graph: one node per checkpoint, laid
// out by position, and one edge from each checkpoint to its successor in the
// list. List order is the only source of adjacency; thread ids are not used.
func Build(history []Checkpoint) Graph {
	g := Graph{
		Nodes: make([]Node, 0, len(history)),
		Edges: make([]Edge, 0, max(len(history)-1, 0)),
	}
	for i, cp := range history {
		g.Nodes = append(g.Nodes, Node{
			ID:         cp.ID,
			Label:      "Checkpoint " + strconv.Itoa(i+1),
			Checkpoint: cp,
			Position:   Position{X: i * nodeSpacingX, Y: i * nodeSpacingY},
		})
		if i == 0 {
			continue
		}
		g.Edges = append(g.Edges, Edge{
			ID:     "edge-" + strconv.Itoa(i),
			Source: history[i-1].ID,
			Target: cp.ID,
		})
	}
	return g
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodeAt returns the node at position i.
func (g Graph) NodeAt(i int) (Node, bool) {
	if i < 0 || i >= len(g.Nodes) {
		return Node{}, false
	}
	return g.Nodes[i], true
}

func (g Graph) Len() int {
	return len(g.Nodes)
}

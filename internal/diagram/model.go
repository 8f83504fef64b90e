// Package diagram renders workflow graphs as Mermaid, ASCII or Graphviz
// images, optionally colored by the state of one execution.
package diagram

// NodeKind classifies a node by the kind of step it draws.
type NodeKind string

const (
	NodeKindAgent     NodeKind = "agent"
	NodeKindTransform NodeKind = "transform"
	NodeKindWait      NodeKind = "wait"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node ids framing every graph.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Graph is the intermediate representation shared by all renderers.
type Graph struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one step, or the virtual start and end.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a step.
type StatusOverlay struct {
	Status     string // schema.StepStatus
	AgentID    string
	DurationMs int64
	Error      string
}

// Edge is a dependency: From must finish before To starts. Label marks
// edges into guarded steps.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

package diagram

import (
	"fmt"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/pkg/schema"
)

// Build lays out wf using its planned levels. When exec is not nil its step
// states are overlaid on the matching nodes.
func Build(wf *engine.Workflow, exec *schema.Execution) (*Graph, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: nil workflow")
	}
	if exec != nil && exec.WorkflowID != wf.ID {
		return nil, fmt.Errorf("diagram: execution %s belongs to workflow %s, not %s",
			exec.ID, exec.WorkflowID, wf.ID)
	}

	steps := wf.Steps()
	g := &Graph{Title: wf.Name}
	g.Nodes = append(g.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	dependents := make(map[string]int, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			dependents[dep]++
		}
	}

	// Nodes follow level order so renderers can walk them top to bottom.
	for _, level := range wf.Levels() {
		for _, id := range level {
			s, _ := wf.Step(id)
			node := &Node{ID: s.ID, Label: nodeLabel(s), Kind: kindOf(s.Kind)}
			if exec != nil {
				node.Status = overlay(exec.Steps[s.ID])
			}
			g.Nodes = append(g.Nodes, node)
		}
	}
	g.Nodes = append(g.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	for _, s := range steps {
		label := ""
		if s.When != nil {
			label = "when"
		}
		if len(s.DependsOn) == 0 {
			g.Edges = append(g.Edges, Edge{From: StartID, To: s.ID, Label: label})
		}
		for _, dep := range s.DependsOn {
			g.Edges = append(g.Edges, Edge{From: dep, To: s.ID, Label: label})
		}
	}
	for _, s := range steps {
		if dependents[s.ID] == 0 {
			g.Edges = append(g.Edges, Edge{From: s.ID, To: EndID})
		}
	}

	g.Levels = append(g.Levels, []string{StartID})
	g.Levels = append(g.Levels, wf.Levels()...)
	g.Levels = append(g.Levels, []string{EndID})
	return g, nil
}

func kindOf(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepKindAgent:
		return NodeKindAgent
	case schema.StepKindWait:
		return NodeKindWait
	default:
		return NodeKindTransform
	}
}

// nodeLabel puts the agent selector on a second line.
func nodeLabel(s engine.Step) string {
	if s.Agent == nil || s.Run != nil {
		return s.Name
	}
	switch {
	case s.Agent.AgentID != "":
		return fmt.Sprintf("%s\n(agent %s)", s.Name, s.Agent.AgentID)
	case s.Agent.Capability != "":
		return fmt.Sprintf("%s\n(%s)", s.Name, s.Agent.Capability)
	case s.Agent.Agent != nil:
		return fmt.Sprintf("%s\n(%s)", s.Name, s.Agent.Agent.Name())
	}
	return s.Name
}

func overlay(st *schema.StepState) *StatusOverlay {
	if st == nil {
		return nil
	}
	o := &StatusOverlay{Status: string(st.Status), AgentID: st.AgentID}
	if st.StartedAt != nil && st.FinishedAt != nil {
		o.DurationMs = st.FinishedAt.Sub(*st.StartedAt).Milliseconds()
	}
	if st.Error != nil {
		o.Error = st.Error.Message
	}
	return o
}

package engine

import (
	"sort"

	"github.com/rendis/conductor/pkg/schema"
)

// DAG is the dependency graph of a workflow's steps.
type DAG struct {
	Index   map[string]int      // step ID → declaration index
	Edges   map[string][]string // step ID → dependencies
	Reverse map[string][]string // step ID → dependents
	Sorted  []string            // topological order, ties broken by declaration order
	Roots   []string
	Levels  [][]string // steps whose dependencies are all in earlier levels
}

// ParseDAG builds the graph, rejecting duplicate ids, unknown or repeated
// dependencies and cycles. It uses Kahn's algorithm.
func ParseDAG(steps []Step) (*DAG, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Index:   make(map[string]int, len(steps)),
		Edges:   make(map[string][]string, len(steps)),
		Reverse: make(map[string][]string, len(steps)),
	}
	for i := range steps {
		id := steps[i].ID
		if _, exists := dag.Index[id]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", id)
		}
		dag.Index[id] = i
	}

	for _, step := range steps {
		id := step.ID
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if _, exists := dag.Index[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	inDegree := make(map[string]int, len(steps))
	var queue []string
	for _, step := range steps {
		inDegree[step.ID] = len(dag.Edges[step.ID])
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), dag.Reverse[node]...)
		dag.byDeclaration(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(sorted) != len(steps) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		dag.byDeclaration(cyclic)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").
			WithDetails(map[string]any{"steps": cyclic})
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// Ready returns, in declaration order, the steps in pending state whose
// dependencies have all settled.
func (d *DAG) Ready(status func(id string) schema.StepStatus) []string {
	var ready []string
	for _, id := range d.Sorted {
		if status(id) != schema.StepPending {
			continue
		}
		ok := true
		for _, dep := range d.Edges[id] {
			if s := status(dep); s != schema.StepCompleted && s != schema.StepSkipped {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	d.byDeclaration(ready)
	return ready
}

func (d *DAG) byDeclaration(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return d.Index[ids[i]] < d.Index[ids[j]] })
}

func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Sorted))
	maxLevel := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, l := range levels {
		dag.byDeclaration(l)
	}
	return levels
}

package compiler

import (
	"sort"

	"github.com/blockci/enginecore/internal/domain"
)

// No graph library in the retrieved pack covers DAG/toposort (petgraph has
// no Go counterpart among the example repos), so this is hand-rolled
// against the standard library, translating
// oxide-scheduler/src/dag.rs's PipelineDag/DagBuilder into an adjacency-list
// + Kahn's-algorithm form.

// DagNode is one stage in the pipeline DAG.
type DagNode struct {
	Name       string
	Definition *domain.StageDefinition
}

// PipelineDag holds stage dependency edges and supports the queries the
// scheduler's ready-set computation needs: roots, predecessors, successors,
// and a topological order.
type PipelineDag struct {
	nodes       map[string]*DagNode
	order       []string // insertion order, for deterministic iteration
	predecessors map[string][]string
	successors   map[string][]string
}

// Roots returns stages with no dependencies, in declaration order.
func (d *PipelineDag) Roots() []*DagNode {
	var out []*DagNode
	for _, name := range d.order {
		if len(d.predecessors[name]) == 0 {
			out = append(out, d.nodes[name])
		}
	}
	return out
}

// Successors returns the stages that depend directly on the named stage.
func (d *PipelineDag) Successors(name string) []*DagNode {
	var out []*DagNode
	for _, s := range d.successors[name] {
		out = append(out, d.nodes[s])
	}
	return out
}

// Predecessors returns the stages the named stage directly depends on.
func (d *PipelineDag) Predecessors(name string) []*DagNode {
	var out []*DagNode
	for _, p := range d.predecessors[name] {
		out = append(out, d.nodes[p])
	}
	return out
}

// Stages returns every node in declaration order.
func (d *PipelineDag) Stages() []*DagNode {
	out := make([]*DagNode, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.nodes[name])
	}
	return out
}

// IsReady reports whether every predecessor of name is in completed.
func (d *PipelineDag) IsReady(name string, completed map[string]bool) bool {
	for _, p := range d.predecessors[name] {
		if !completed[p] {
			return false
		}
	}
	return true
}

// TopologicalOrder returns stages ordered so that every stage appears after
// all of its predecessors, via Kahn's algorithm. Ties are broken by
// declaration order, so the same pipeline document always yields the same
// order — the freeze step depends on this for a stable content hash.
func (d *PipelineDag) TopologicalOrder() ([]*DagNode, bool) {
	indegree := make(map[string]int, len(d.nodes))
	for name := range d.nodes {
		indegree[name] = len(d.predecessors[name])
	}

	pos := make(map[string]int, len(d.order))
	var ready []string
	for i, name := range d.order {
		pos[name] = i
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	var out []*DagNode
	for len(ready) > 0 {
		// deterministic pick among simultaneously-ready: declaration order
		sort.SliceStable(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		out = append(out, d.nodes[name])

		for _, succ := range d.successors[name] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(out) != len(d.nodes) {
		return nil, false // cycle
	}
	return out, true
}

// BuildDag constructs a PipelineDag from stage declarations, returning a
// CompileIssue list (never an early error) when a stage references an
// unknown dependency or a cycle exists, matching spec.md §4.1 step 6's
// aggregate-errors discipline.
func BuildDag(stages []domain.StageDefinition, issues *domain.CompileError) *PipelineDag {
	dag := &PipelineDag{
		nodes:        make(map[string]*DagNode, len(stages)),
		predecessors: make(map[string][]string, len(stages)),
		successors:   make(map[string][]string, len(stages)),
	}

	for i := range stages {
		s := &stages[i]
		dag.nodes[s.Name] = &DagNode{Name: s.Name, Definition: s}
		dag.order = append(dag.order, s.Name)
	}

	for i := range stages {
		s := &stages[i]
		for _, dep := range s.DependsOn {
			if _, ok := dag.nodes[dep]; !ok {
				issues.Add(domain.ErrSchemaViolation, "stages["+s.Name+"]",
					"depends_on references unknown stage \""+dep+"\"")
				continue
			}
			dag.predecessors[s.Name] = append(dag.predecessors[s.Name], dep)
			dag.successors[dep] = append(dag.successors[dep], s.Name)
		}
	}

	if issues.HasErrors() {
		return dag
	}

	if _, ok := dag.TopologicalOrder(); !ok {
		issues.Add(domain.ErrCycle, "stages", "cycle detected in stage dependencies")
	}

	return dag
}

package workflow

import (
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow/dsl"
)

// Scheduler computes the execution order of a validated definition and
// answers readiness questions while a run executes. It holds no mutable
// state, so one scheduler serves any number of runs of its definition.
type Scheduler struct {
	def      *Definition
	order    []string
	deps     map[string][]string
	next     map[string][]string
	incoming map[string][]Edge
}

// NewScheduler builds the adjacency maps and the topological order.
// A cyclic definition is rejected here even if validation was skipped.
func NewScheduler(def *Definition) (*Scheduler, error) {
	s := &Scheduler{
		def:      def,
		deps:     make(map[string][]string),
		next:     make(map[string][]string),
		incoming: make(map[string][]Edge),
	}
	for _, edge := range def.Edges {
		s.deps[edge.Target] = append(s.deps[edge.Target], edge.Source)
		s.next[edge.Source] = append(s.next[edge.Source], edge.Target)
		s.incoming[edge.Target] = append(s.incoming[edge.Target], edge)
	}

	order, err := s.topoSort()
	if err != nil {
		return nil, err
	}
	s.order = order
	return s, nil
}

// topoSort runs a dependency-first depth-first traversal: a node is
// appended only after all of its upstream dependencies. Iteration in
// definition order keeps the result deterministic.
func (s *Scheduler) topoSort() ([]string, error) {
	const (
		white = iota
		gray
		black
	)

	colors := make(map[string]int, len(s.def.Nodes))
	order := make([]string, 0, len(s.def.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		for _, dep := range s.deps[id] {
			switch colors[dep] {
			case gray:
				return types.NewErrorf(types.ErrCycleDetected, "cycle detected involving node %s", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	for i := range s.def.Nodes {
		id := s.def.Nodes[i].ID
		if colors[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Order returns the topological execution order.
func (s *Scheduler) Order() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Dependencies returns the direct upstream node ids of a node.
func (s *Scheduler) Dependencies(nodeID string) []string {
	return s.deps[nodeID]
}

// Successors returns the direct downstream node ids of a node.
func (s *Scheduler) Successors(nodeID string) []string {
	return s.next[nodeID]
}

// Entries returns the nodes with no incoming edges, in definition order.
func (s *Scheduler) Entries() []string {
	var entries []string
	for i := range s.def.Nodes {
		id := s.def.Nodes[i].ID
		if len(s.deps[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

// Exits returns the nodes with no outgoing edges, in definition order.
func (s *Scheduler) Exits() []string {
	var exits []string
	for i := range s.def.Nodes {
		id := s.def.Nodes[i].ID
		if len(s.next[id]) == 0 {
			exits = append(exits, id)
		}
	}
	return exits
}

// Eligible returns the nodes ready to start: not yet dispatched, with
// every dependency Completed. In continue mode a failed or skipped
// dependency also satisfies readiness, as long as it is terminal.
func (s *Scheduler) Eligible(run *Run, mode ErrorMode) []string {
	var ready []string
	for _, id := range s.order {
		if rec, ok := run.Records[id]; ok && rec.Status != NodeStatusPending {
			continue
		}
		if s.depsSatisfied(run, id, mode) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (s *Scheduler) depsSatisfied(run *Run, nodeID string, mode ErrorMode) bool {
	for _, dep := range s.deps[nodeID] {
		rec, ok := run.Records[dep]
		if !ok {
			return false
		}
		if mode == ErrorModeContinue {
			if !rec.Status.Terminal() {
				return false
			}
			continue
		}
		if rec.Status != NodeStatusCompleted {
			return false
		}
	}
	return true
}

// Unfinished returns the nodes without a terminal record, in execution
// order.
func (s *Scheduler) Unfinished(run *Run) []string {
	var remaining []string
	for _, id := range s.order {
		if rec, ok := run.Records[id]; ok && rec.Terminal() {
			continue
		}
		remaining = append(remaining, id)
	}
	return remaining
}

// InputFor aggregates a node's input. Entry nodes receive the run input
// unchanged; every other node receives the outputs of its completed
// predecessors, keyed by predecessor id. An edge condition is evaluated
// against the source output and excludes it when false or unevaluable.
// The second return is false when every completed predecessor was gated
// off, which skips the node instead of running it on empty data.
func (s *Scheduler) InputFor(run *Run, nodeID string) (map[string]any, bool) {
	edges := s.incoming[nodeID]
	if len(edges) == 0 {
		return run.Input, true
	}

	input := make(map[string]any)
	completed := 0
	contributed := 0
	for _, edge := range edges {
		rec, ok := run.Records[edge.Source]
		if !ok || rec.Status != NodeStatusCompleted {
			continue
		}
		completed++

		if edge.Condition != "" {
			pass, err := dsl.Evaluate(edge.Condition, dsl.Scope(rec.Output, run.Context.Variables()))
			if err != nil || !pass {
				continue
			}
		}
		input[edge.Source] = rec.Output
		contributed++
	}

	if completed > 0 && contributed == 0 {
		return nil, false
	}
	return input, true
}

// Package graph provides a resumable static-graph execution engine.
//
// A workflow is described once as an immutable Definition: a set of named
// nodes, the edges binding producer outputs to consumer inputs, and optional
// fan-out regions for map-reduce style parallelism. The Engine walks the
// definition in topological order, persists progress through a
// store.Store, and resumes an interrupted run from its last durable
// checkpoint when Execute is called again with the same run id.
package graph

import (
	"fmt"
	"sort"
)

// Values carries named data between nodes. Values cross the persistence
// boundary as JSON, so entries must be JSON-serializable; numeric values
// loaded from a resumed run decode as float64.
type Values map[string]any

// Port identifies one declared output of one node.
type Port struct {
	Node   string
	Output string
}

// Edge binds a producer output to a consumer input.
//
// Edges are pure data-flow declarations; there are no conditional edges.
// The topology is fixed before execution starts and never mutated.
type Edge struct {
	// From is the producer node ID.
	From string

	// Output is the producer's declared output name.
	Output string

	// To is the consumer node ID.
	To string

	// Input is the consumer's declared input name.
	Input string
}

// Node is a computation unit registered in a Definition.
//
// A node declares the input names it consumes and the output names it
// produces. Inputs not bound by an edge resolve from the graph's external
// inputs by name. Registration is explicit; there is no global registry.
type Node struct {
	// ID uniquely identifies the node within its graph.
	ID string

	// Inputs are the named values the node consumes.
	Inputs []string

	// Outputs are the named values the node must produce on success.
	Outputs []string

	// Run is the node body. It receives resolved inputs, the latest
	// checkpoint payload (if any), and the per-invocation service context.
	Run NodeFunc

	// BestEffort marks the node as non-blocking: a failure is recorded but
	// does not halt the run. Downstream nodes that consume its outputs are
	// left pending; everything else proceeds.
	BestEffort bool
}

// FanOut declares a parallel map-reduce region inside a graph.
//
// At run time the Source node's Output must be a collection. The Branch
// node runs once per element (input Input bound to the element), bounded
// by MaxParallel concurrent invocations. The Join node runs once every
// branch has completed, with JoinInput bound to the ordered slice of each
// branch's Collect output.
type FanOut struct {
	Source  string
	Output  string
	Branch  string
	Input   string
	Collect string
	Join    string
	// JoinInput receives the ordered []any of collected branch outputs.
	JoinInput string

	// MaxParallel caps concurrent branch invocations. Zero means
	// unbounded (the default when unspecified); negative values are
	// rejected at Build time.
	MaxParallel int
}

// Spec is the input to Build: the complete, declaration-ordered description
// of a graph.
type Spec struct {
	// Name labels the graph in events and errors.
	Name string

	// Nodes in declaration order. Ties between independent nodes in the
	// topological order are broken by this order.
	Nodes []Node

	// Edges bind producer outputs to consumer inputs.
	Edges []Edge

	// FanOuts declares parallel regions.
	FanOuts []FanOut

	// Inputs are the external graph input names supplied to Execute.
	Inputs []string

	// Outputs maps result names to the ports that produce them.
	Outputs map[string]Port
}

// Definition is a validated, immutable graph. Build is the only
// constructor; once built the topology is trusted and never re-checked.
type Definition struct {
	name    string
	nodes   []Node
	byID    map[string]int
	edges   []Edge
	fanouts []FanOut
	inputs  map[string]bool
	outputs map[string]Port
	order   []string

	// inbound maps consumer node -> input name -> producing edge.
	inbound map[string]map[string]Edge
	// branchOf / joinOf index fan-out membership by node id.
	branchOf map[string]int
	joinOf   map[string]int
}

// Build validates a Spec and returns the immutable Definition.
//
// Validation covers: unique non-empty node ids, runnable bodies, edges that
// reference declared nodes and ports, at most one producer per input,
// acyclicity, satisfiability of every input from edges or graph inputs, and
// fan-out region wiring. Any violation returns a *ValidationError naming
// the offending node or edge. This is the only place topology errors can
// surface.
func Build(spec Spec) (*Definition, error) {
	d := &Definition{
		name:     spec.Name,
		nodes:    make([]Node, len(spec.Nodes)),
		byID:     make(map[string]int, len(spec.Nodes)),
		edges:    append([]Edge(nil), spec.Edges...),
		fanouts:  append([]FanOut(nil), spec.FanOuts...),
		inputs:   make(map[string]bool, len(spec.Inputs)),
		outputs:  make(map[string]Port, len(spec.Outputs)),
		inbound:  make(map[string]map[string]Edge),
		branchOf: make(map[string]int),
		joinOf:   make(map[string]int),
	}
	copy(d.nodes, spec.Nodes)

	for i, n := range d.nodes {
		if n.ID == "" {
			return nil, &ValidationError{Graph: spec.Name, Message: "node ID cannot be empty"}
		}
		if _, dup := d.byID[n.ID]; dup {
			return nil, &ValidationError{Graph: spec.Name, NodeID: n.ID, Message: "duplicate node ID"}
		}
		if n.Run == nil {
			return nil, &ValidationError{Graph: spec.Name, NodeID: n.ID, Message: "node has no Run body"}
		}
		if err := uniqueNames(n.Inputs); err != nil {
			return nil, &ValidationError{Graph: spec.Name, NodeID: n.ID, Message: "inputs: " + err.Error()}
		}
		if err := uniqueNames(n.Outputs); err != nil {
			return nil, &ValidationError{Graph: spec.Name, NodeID: n.ID, Message: "outputs: " + err.Error()}
		}
		d.byID[n.ID] = i
	}

	for _, in := range spec.Inputs {
		if in == "" {
			return nil, &ValidationError{Graph: spec.Name, Message: "graph input name cannot be empty"}
		}
		d.inputs[in] = true
	}

	for _, e := range d.edges {
		from, ok := d.node(e.From)
		if !ok {
			return nil, &ValidationError{Graph: spec.Name, Edge: &e, Message: "edge references unknown producer"}
		}
		to, ok := d.node(e.To)
		if !ok {
			return nil, &ValidationError{Graph: spec.Name, Edge: &e, Message: "edge references unknown consumer"}
		}
		if !contains(from.Outputs, e.Output) {
			return nil, &ValidationError{Graph: spec.Name, Edge: &e, Message: "producer does not declare output " + e.Output}
		}
		if !contains(to.Inputs, e.Input) {
			return nil, &ValidationError{Graph: spec.Name, Edge: &e, Message: "consumer does not declare input " + e.Input}
		}
		byInput := d.inbound[e.To]
		if byInput == nil {
			byInput = make(map[string]Edge)
			d.inbound[e.To] = byInput
		}
		if _, dup := byInput[e.Input]; dup {
			return nil, &ValidationError{Graph: spec.Name, Edge: &e, Message: "input bound by more than one producer"}
		}
		byInput[e.Input] = e
	}

	if err := d.validateFanOuts(spec.Name); err != nil {
		return nil, err
	}
	if err := d.validateInputs(spec.Name); err != nil {
		return nil, err
	}

	order, err := d.topoSort(spec.Name)
	if err != nil {
		return nil, err
	}
	d.order = order

	for name, port := range spec.Outputs {
		n, ok := d.node(port.Node)
		if !ok {
			return nil, &ValidationError{Graph: spec.Name, NodeID: port.Node, Message: "graph output " + name + " references unknown node"}
		}
		if !contains(n.Outputs, port.Output) {
			return nil, &ValidationError{Graph: spec.Name, NodeID: port.Node, Message: "graph output " + name + " references undeclared output " + port.Output}
		}
		d.outputs[name] = port
	}

	return d, nil
}

// validateFanOuts checks region wiring and indexes branch/join membership.
func (d *Definition) validateFanOuts(graphName string) error {
	for i, f := range d.fanouts {
		if f.MaxParallel < 0 {
			return &ValidationError{Graph: graphName, NodeID: f.Branch, Message: "fan-out concurrency cap cannot be negative"}
		}
		src, ok := d.node(f.Source)
		if !ok {
			return &ValidationError{Graph: graphName, NodeID: f.Source, Message: "fan-out references unknown source node"}
		}
		if !contains(src.Outputs, f.Output) {
			return &ValidationError{Graph: graphName, NodeID: f.Source, Message: "fan-out source does not declare output " + f.Output}
		}
		branch, ok := d.node(f.Branch)
		if !ok {
			return &ValidationError{Graph: graphName, NodeID: f.Branch, Message: "fan-out references unknown branch node"}
		}
		if !contains(branch.Inputs, f.Input) {
			return &ValidationError{Graph: graphName, NodeID: f.Branch, Message: "branch does not declare input " + f.Input}
		}
		if !contains(branch.Outputs, f.Collect) {
			return &ValidationError{Graph: graphName, NodeID: f.Branch, Message: "branch does not declare output " + f.Collect}
		}
		join, ok := d.node(f.Join)
		if !ok {
			return &ValidationError{Graph: graphName, NodeID: f.Join, Message: "fan-out references unknown join node"}
		}
		if !contains(join.Inputs, f.JoinInput) {
			return &ValidationError{Graph: graphName, NodeID: f.Join, Message: "join does not declare input " + f.JoinInput}
		}
		if _, dup := d.branchOf[f.Branch]; dup {
			return &ValidationError{Graph: graphName, NodeID: f.Branch, Message: "node is the branch of more than one fan-out"}
		}
		if _, dup := d.joinOf[f.Join]; dup {
			return &ValidationError{Graph: graphName, NodeID: f.Join, Message: "node is the join of more than one fan-out"}
		}
		// The element and the collected slice are provided by the region
		// itself; an edge binding the same input would be ambiguous.
		if _, bound := d.inbound[f.Branch][f.Input]; bound {
			return &ValidationError{Graph: graphName, NodeID: f.Branch, Message: "branch input " + f.Input + " is already edge-bound"}
		}
		if _, bound := d.inbound[f.Join][f.JoinInput]; bound {
			return &ValidationError{Graph: graphName, NodeID: f.Join, Message: "join input " + f.JoinInput + " is already edge-bound"}
		}
		d.branchOf[f.Branch] = i
		d.joinOf[f.Join] = i
	}
	return nil
}

// validateInputs checks that every declared node input is satisfiable from
// an edge, a fan-out binding, or an external graph input.
func (d *Definition) validateInputs(graphName string) error {
	for _, n := range d.nodes {
		for _, in := range n.Inputs {
			if _, bound := d.inbound[n.ID][in]; bound {
				continue
			}
			if fi, ok := d.branchOf[n.ID]; ok && d.fanouts[fi].Input == in {
				continue
			}
			if fi, ok := d.joinOf[n.ID]; ok && d.fanouts[fi].JoinInput == in {
				continue
			}
			if d.inputs[in] {
				continue
			}
			return &ValidationError{
				Graph:   graphName,
				NodeID:  n.ID,
				Message: fmt.Sprintf("input %q has no producer and is not a graph input", in),
			}
		}
	}
	return nil
}

// dependencies returns the set of node ids that must complete before id may
// start: edge producers plus implicit fan-out ordering (source before
// branch, branch before join).
func (d *Definition) dependencies(id string) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(dep string) {
		if dep != id && !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	for _, e := range d.inbound[id] {
		add(e.From)
	}
	if fi, ok := d.branchOf[id]; ok {
		add(d.fanouts[fi].Source)
	}
	if fi, ok := d.joinOf[id]; ok {
		add(d.fanouts[fi].Branch)
	}
	return deps
}

// topoSort runs Kahn's algorithm with a declaration-ordered ready list so
// independent nodes always appear in declaration order. A cycle surfaces as
// a ValidationError naming the nodes left unordered.
func (d *Definition) topoSort(graphName string) ([]string, error) {
	indegree := make(map[string]int, len(d.nodes))
	dependents := make(map[string][]string, len(d.nodes))
	for _, n := range d.nodes {
		deps := d.dependencies(n.ID)
		indegree[n.ID] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var ready []string
	for _, n := range d.nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(d.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		released := dependents[id]
		// Keep declaration order among newly-ready nodes.
		var newlyReady []string
		for _, dep := range released {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool {
			return d.byID[newlyReady[i]] < d.byID[newlyReady[j]]
		})
		ready = append(ready, newlyReady...)
		sort.Slice(ready, func(i, j int) bool {
			return d.byID[ready[i]] < d.byID[ready[j]]
		})
	}

	if len(order) != len(d.nodes) {
		var stuck []string
		for _, n := range d.nodes {
			if indegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, &ValidationError{
			Graph:   graphName,
			Message: fmt.Sprintf("graph contains a cycle through %v", stuck),
		}
	}
	return order, nil
}

// Name returns the graph's label.
func (d *Definition) Name() string { return d.name }

// TopologicalOrder returns the precomputed total order consistent with all
// edges. Ties between independent nodes follow declaration order, so the
// walk is deterministic across executions and replays.
func (d *Definition) TopologicalOrder() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// FanOutRegions returns the declared parallel regions.
func (d *Definition) FanOutRegions() []FanOut {
	out := make([]FanOut, len(d.fanouts))
	copy(out, d.fanouts)
	return out
}

// NodeIDs returns all node ids in declaration order.
func (d *Definition) NodeIDs() []string {
	out := make([]string, len(d.nodes))
	for i, n := range d.nodes {
		out[i] = n.ID
	}
	return out
}

func (d *Definition) node(id string) (*Node, bool) {
	i, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return &d.nodes[i], true
}

func uniqueNames(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("name cannot be empty")
		}
		if seen[n] {
			return fmt.Errorf("duplicate name %q", n)
		}
		seen[n] = true
	}
	return nil
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

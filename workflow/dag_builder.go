package workflow

import (
	"fmt"

	"go.uber.org/zap"
)

// ExecutionLevel is a batch of nodes whose dependencies all lie in earlier levels.
type ExecutionLevel struct {
	Index int      `json:"index"`
	Nodes []string `json:"nodes"`
}

// BuildLevels validates the definition and partitions its nodes into execution levels
// using Kahn's algorithm. Nodes inside a level keep declaration order.
func BuildLevels(def *Definition) ([]ExecutionLevel, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, &ValidationError{Reason: "workflow has no nodes"}
	}

	index := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("node at position %d has no id", i)}
		}
		if n.Type == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("node %s has no type", n.ID)}
		}
		if _, dup := index[n.ID]; dup {
			return nil, &DuplicateNodeError{NodeID: n.ID}
		}
		index[n.ID] = i
	}

	inDegree := make([]int, len(def.Nodes))
	succ := make([][]int, len(def.Nodes))
	seen := make(map[Dependency]struct{}, len(def.Edges))
	for _, e := range def.Edges {
		from, ok := index[e.From]
		if !ok {
			return nil, &UnknownNodeReferenceError{Edge: e, NodeID: e.From}
		}
		to, ok := index[e.To]
		if !ok {
			return nil, &UnknownNodeReferenceError{Edge: e, NodeID: e.To}
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		succ[from] = append(succ[from], to)
		inDegree[to]++
	}

	var frontier []int
	for i := range def.Nodes {
		if inDegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	levels := make([]ExecutionLevel, 0)
	extracted := 0
	for len(frontier) > 0 {
		level := ExecutionLevel{Index: len(levels), Nodes: make([]string, 0, len(frontier))}
		next := make([]bool, len(def.Nodes))
		for _, i := range frontier {
			level.Nodes = append(level.Nodes, def.Nodes[i].ID)
			extracted++
			for _, j := range succ[i] {
				inDegree[j]--
				if inDegree[j] == 0 {
					next[j] = true
				}
			}
		}
		levels = append(levels, level)

		// Scan in declaration order so the next level is already sorted.
		frontier = frontier[:0]
		for i, ok := range next {
			if ok {
				frontier = append(frontier, i)
			}
		}
	}

	if extracted < len(def.Nodes) {
		return nil, &CycleDetectedError{Nodes: findCycle(def, inDegree)}
	}
	return levels, nil
}

// findCycle walks predecessor edges among nodes Kahn could not extract.
// Every such node has a remaining predecessor, so the walk must revisit a node.
func findCycle(def *Definition, inDegree []int) []string {
	remaining := make(map[string]bool)
	for i, n := range def.Nodes {
		if inDegree[i] > 0 {
			remaining[n.ID] = true
		}
	}
	preds := make(map[string][]string)
	for _, e := range def.Edges {
		if remaining[e.From] && remaining[e.To] {
			preds[e.To] = append(preds[e.To], e.From)
		}
	}

	var start string
	for _, n := range def.Nodes {
		if remaining[n.ID] {
			start = n.ID
			break
		}
	}

	pos := make(map[string]int)
	var path []string
	cur := start
	for {
		if at, ok := pos[cur]; ok {
			cycle := path[at:]
			// path follows edges backwards; flip it to read in edge direction
			out := make([]string, len(cycle))
			for i := range cycle {
				out[i] = cycle[len(cycle)-1-i]
			}
			return out
		}
		pos[cur] = len(path)
		path = append(path, cur)
		p := preds[cur]
		if len(p) == 0 {
			return path
		}
		cur = p[0]
	}
}

// DAGBuilder provides a fluent API for constructing workflow definitions
type DAGBuilder struct {
	def    *Definition
	logger *zap.Logger
}

// NewDAGBuilder creates a new DAG builder for the given workflow ID
func NewDAGBuilder(id string) *DAGBuilder {
	return &DAGBuilder{
		def:    &Definition{ID: id, Name: id},
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger
func (b *DAGBuilder) WithLogger(logger *zap.Logger) *DAGBuilder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "dag_builder"))
	}
	return b
}

// WithName sets the display name
func (b *DAGBuilder) WithName(name string) *DAGBuilder {
	b.def.Name = name
	return b
}

// WithDescription sets the workflow description
func (b *DAGBuilder) WithDescription(desc string) *DAGBuilder {
	b.def.Description = desc
	return b
}

// WithFailurePolicy selects halt or continue on permanent task failure
func (b *DAGBuilder) WithFailurePolicy(p FailurePolicy) *DAGBuilder {
	b.def.FailurePolicy = p
	return b
}

// WithConcurrency sets the per-workflow concurrency ceiling
func (b *DAGBuilder) WithConcurrency(n int) *DAGBuilder {
	b.def.Concurrency = n
	return b
}

// WithDefaultRetry sets the workflow-level retry policy
func (b *DAGBuilder) WithDefaultRetry(p RetryPolicy) *DAGBuilder {
	b.def.Defaults.Retry = &p
	return b
}

// WithDefaultTimeoutMs sets the workflow-level task timeout
func (b *DAGBuilder) WithDefaultTimeoutMs(ms int64) *DAGBuilder {
	b.def.Defaults.TimeoutMs = ms
	return b
}

// AddNode appends a node and returns a NodeBuilder for configuration
func (b *DAGBuilder) AddNode(id, taskType string) *NodeBuilder {
	b.def.Nodes = append(b.def.Nodes, TaskNode{ID: id, Type: taskType})
	return &NodeBuilder{index: len(b.def.Nodes) - 1, parent: b}
}

// AddEdge adds a dependency: to waits for from
func (b *DAGBuilder) AddEdge(from, to string) *DAGBuilder {
	b.def.Edges = append(b.def.Edges, Dependency{From: from, To: to})
	return b
}

// Build validates the graph and returns the definition
func (b *DAGBuilder) Build() (*Definition, error) {
	levels, err := BuildLevels(b.def)
	if err != nil {
		return nil, fmt.Errorf("DAG validation failed: %w", err)
	}

	b.logger.Debug("workflow definition built",
		zap.String("workflow_id", b.def.ID),
		zap.Int("nodes", len(b.def.Nodes)),
		zap.Int("levels", len(levels)),
	)
	return b.def.Clone(), nil
}

// MustBuild is Build that panics; intended for templates and tests.
func (b *DAGBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// NodeBuilder configures a single node
type NodeBuilder struct {
	index  int
	parent *DAGBuilder
}

func (nb *NodeBuilder) node() *TaskNode {
	return &nb.parent.def.Nodes[nb.index]
}

// WithParam sets one input parameter
func (nb *NodeBuilder) WithParam(key string, value any) *NodeBuilder {
	n := nb.node()
	if n.Params == nil {
		n.Params = make(map[string]any)
	}
	n.Params[key] = value
	return nb
}

// WithParams merges input parameters
func (nb *NodeBuilder) WithParams(params map[string]any) *NodeBuilder {
	for k, v := range params {
		nb.WithParam(k, v)
	}
	return nb
}

// WithTimeoutMs sets the node timeout
func (nb *NodeBuilder) WithTimeoutMs(ms int64) *NodeBuilder {
	nb.node().TimeoutMs = ms
	return nb
}

// WithRetry overrides the retry policy for this node
func (nb *NodeBuilder) WithRetry(p RetryPolicy) *NodeBuilder {
	nb.node().Retry = &p
	return nb
}

// WithDescription sets the node description
func (nb *NodeBuilder) WithDescription(desc string) *NodeBuilder {
	nb.node().Description = desc
	return nb
}

// DependsOn adds edges from each upstream node to this one
func (nb *NodeBuilder) DependsOn(upstream ...string) *NodeBuilder {
	for _, u := range upstream {
		nb.parent.AddEdge(u, nb.node().ID)
	}
	return nb
}

// Done returns to the parent builder
func (nb *NodeBuilder) Done() *DAGBuilder {
	return nb.parent
}

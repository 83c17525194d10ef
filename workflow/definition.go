package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FailurePolicy decides what happens to the rest of a run when a task ends failed_final.
type FailurePolicy string

const (
	// FailurePolicyHalt stops releasing levels after the first permanent failure.
	FailurePolicyHalt FailurePolicy = "halt"
	// FailurePolicyContinue skips only the dependents of a failed task.
	FailurePolicyContinue FailurePolicy = "continue"
)

// Valid reports whether the policy is a known value.
func (p FailurePolicy) Valid() bool {
	return p == FailurePolicyHalt || p == FailurePolicyContinue
}

// Priority labels a submission for admission ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sortable weight; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// TaskNode is one unit of work in a workflow definition.
type TaskNode struct {
	// ID is unique within the definition.
	ID string `json:"id" yaml:"id"`
	// Type is the capability tag an agent must serve.
	Type string `json:"type" yaml:"type"`
	// Params may reference upstream outputs as "${node.key}" or workflow input as "$input.key".
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// TimeoutMs overrides the workflow default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// Retry overrides the workflow default retry policy.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// Description is informational.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Dependency is a directed edge: To cannot start until From has succeeded.
type Dependency struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (d Dependency) String() string {
	return d.From + "->" + d.To
}

// Defaults holds workflow-level fallbacks for nodes.
type Defaults struct {
	TimeoutMs int64        `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Definition is an immutable, versioned workflow definition.
type Definition struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version       int               `json:"version" yaml:"version,omitempty"`
	Nodes         []TaskNode        `json:"nodes" yaml:"nodes"`
	Edges         []Dependency      `json:"edges,omitempty" yaml:"edges,omitempty"`
	Defaults      Defaults          `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	FailurePolicy FailurePolicy     `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	Concurrency   int               `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at,omitempty" yaml:"-"`
}

// Node returns the node with the given ID.
func (d *Definition) Node(id string) (TaskNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return TaskNode{}, false
}

// NodeIndex maps node IDs to their declaration order.
func (d *Definition) NodeIndex() map[string]int {
	idx := make(map[string]int, len(d.Nodes))
	for i, n := range d.Nodes {
		idx[n.ID] = i
	}
	return idx
}

// Predecessors maps each node ID to the IDs it depends on, in declaration order.
func (d *Definition) Predecessors() map[string][]string {
	idx := d.NodeIndex()
	preds := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		preds[e.To] = append(preds[e.To], e.From)
	}
	for id := range preds {
		p := preds[id]
		sort.SliceStable(p, func(i, j int) bool { return idx[p[i]] < idx[p[j]] })
	}
	return preds
}

// RetryFor returns the effective retry policy of a node.
func (d *Definition) RetryFor(n TaskNode) RetryPolicy {
	if n.Retry != nil {
		return n.Retry.normalized()
	}
	if d.Defaults.Retry != nil {
		return d.Defaults.Retry.normalized()
	}
	return DefaultRetryPolicy()
}

// TimeoutFor returns the effective timeout of a node; zero means none.
func (d *Definition) TimeoutFor(n TaskNode) time.Duration {
	if n.TimeoutMs > 0 {
		return time.Duration(n.TimeoutMs) * time.Millisecond
	}
	return time.Duration(d.Defaults.TimeoutMs) * time.Millisecond
}

// Policy returns the failure policy, defaulting to halt.
func (d *Definition) Policy() FailurePolicy {
	if d.FailurePolicy.Valid() {
		return d.FailurePolicy
	}
	return FailurePolicyHalt
}

// CacheKey identifies the structure of the definition for level caching.
// Stored definitions use ID@Version; unsaved ones fall back to a content fingerprint.
func (d *Definition) CacheKey() string {
	if d.Version > 0 && d.ID != "" {
		return fmt.Sprintf("%s@%d", d.ID, d.Version)
	}
	return "sha256:" + d.Fingerprint()
}

// Fingerprint hashes node IDs and edges, the only inputs to level computation.
func (d *Definition) Fingerprint() string {
	shape := struct {
		Nodes []string     `json:"n"`
		Edges []Dependency `json:"e"`
	}{Edges: d.Edges}
	for _, n := range d.Nodes {
		shape.Nodes = append(shape.Nodes, n.ID)
	}
	data, _ := json.Marshal(shape)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep-enough copy for storing as an immutable snapshot.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		cp := *d
		return &cp
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *d
		return &cp
	}
	out.CreatedAt = d.CreatedAt
	return &out
}

package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"
)

// randomDAG builds n nodes and turns raw ints into forward edges (lower index to higher),
// which can never form a cycle.
func randomDAG(n int, raw []int) *Definition {
	def := &Definition{ID: "prop"}
	for i := 0; i < n; i++ {
		def.Nodes = append(def.Nodes, TaskNode{ID: fmt.Sprintf("n%d", i), Type: "t"})
	}
	if n < 2 {
		return def
	}
	for i := 0; i+1 < len(raw); i += 2 {
		a, b := raw[i]%n, raw[i+1]%n
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		def.Edges = append(def.Edges, Dependency{From: def.Nodes[a].ID, To: def.Nodes[b].ID})
	}
	return def
}

// checkLevels verifies the level invariant and returns a description of the first violation.
func checkLevels(def *Definition, levels []ExecutionLevel) string {
	levelOf := make(map[string]int)
	index := def.NodeIndex()
	for _, l := range levels {
		if len(l.Nodes) == 0 {
			return fmt.Sprintf("level %d is empty", l.Index)
		}
		for i, id := range l.Nodes {
			if _, dup := levelOf[id]; dup {
				return "node " + id + " appears twice"
			}
			levelOf[id] = l.Index
			if i > 0 && index[l.Nodes[i-1]] > index[id] {
				return fmt.Sprintf("level %d not in declaration order", l.Index)
			}
		}
	}
	if len(levelOf) != len(def.Nodes) {
		return "not every node was placed"
	}
	for _, e := range def.Edges {
		if levelOf[e.From] >= levelOf[e.To] {
			return "edge " + e.String() + " does not go to a later level"
		}
	}
	preds := def.Predecessors()
	for id, lvl := range levelOf {
		if lvl == 0 {
			if len(preds[id]) > 0 {
				return "node " + id + " at level 0 has predecessors"
			}
			continue
		}
		tight := false
		for _, p := range preds[id] {
			if levelOf[p] == lvl-1 {
				tight = true
			}
		}
		if !tight {
			return "node " + id + " could have run in an earlier level"
		}
	}
	return ""
}

func isCycle(def *Definition, nodes []string) bool {
	if len(nodes) == 0 {
		return false
	}
	edges := make(map[Dependency]bool, len(def.Edges))
	for _, e := range def.Edges {
		edges[e] = true
	}
	for i := range nodes {
		next := nodes[(i+1)%len(nodes)]
		if !edges[Dependency{From: nodes[i], To: next}] {
			return false
		}
	}
	return true
}

func TestProperty_LevelInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("every edge crosses to a later level and levels are minimal", prop.ForAll(
		func(n int, raw []int) bool {
			def := randomDAG(n, raw)
			levels, err := BuildLevels(def)
			if err != nil {
				t.Logf("unexpected error: %v", err)
				return false
			}
			if msg := checkLevels(def, levels); msg != "" {
				t.Log(msg)
				return false
			}
			return true
		},
		gen.IntRange(1, 15),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

func TestProperty_CycleDetection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("a back edge along a path is always reported as a real cycle", prop.ForAll(
		func(n int, raw []int, from, to int) bool {
			def := randomDAG(n, raw)
			// a chain n0 -> ... -> n(k) guarantees a path, the back edge closes it
			lo, hi := from%n, to%n
			if lo > hi {
				lo, hi = hi, lo
			}
			for i := lo; i < hi; i++ {
				def.Edges = append(def.Edges, Dependency{From: def.Nodes[i].ID, To: def.Nodes[i+1].ID})
			}
			def.Edges = append(def.Edges, Dependency{From: def.Nodes[hi].ID, To: def.Nodes[lo].ID})

			_, err := BuildLevels(def)
			var ce *CycleDetectedError
			if !errors.As(err, &ce) {
				t.Logf("expected cycle error, got %v", err)
				return false
			}
			if !isCycle(def, ce.Nodes) {
				t.Logf("reported nodes %v are not a cycle", ce.Nodes)
				return false
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestRapid_LevelInvariantWithShuffledDeclaration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		raw := rapid.SliceOfN(rapid.IntRange(0, 500), 0, 60).Draw(t, "edges")
		def := randomDAG(n, raw)

		// declaration order must not matter for validity, only for ordering within a level
		perm := rapid.Permutation(def.Nodes).Draw(t, "order")
		def.Nodes = perm

		levels, err := BuildLevels(def)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg := checkLevels(def, levels); msg != "" {
			t.Fatal(msg)
		}

		again, err := BuildLevels(def)
		if err != nil {
			t.Fatalf("second build: %v", err)
		}
		if fmt.Sprint(levelNodes(levels)) != fmt.Sprint(levelNodes(again)) {
			t.Fatal("level computation is not deterministic")
		}
	})
}

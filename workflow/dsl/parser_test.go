package dsl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/taskflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const priceYAML = `
version: "1"
id: price-check
name: Price Check
failure_policy: continue
concurrency: 2
variables:
  selector:
    type: string
    default: ".price"
  pages:
    type: number
    default: 3
defaults:
  timeout_ms: 5000
  retry:
    max_attempts: 2
    base_delay_ms: 100
nodes:
  - id: open-a
    type: navigate
    params:
      url: $input.siteA
  - id: open-b
    type: navigate
    params:
      url: $input.siteB
  - id: read-a
    type: extract
    depends_on: [open-a]
    params:
      selector: "{{selector}}"
      limit: "{{pages}}"
      label: "price via {{selector}}"
  - id: read-b
    type: extract
    depends_on: [open-b]
    next: [compare]
    params:
      selector: "{{selector}}"
  - id: compare
    type: analyze
    timeout_ms: 1000
    retry:
      max_attempts: 1
edges:
  - from: read-a
    to: compare
`

func TestParser_Parse(t *testing.T) {
	def, err := NewParser().Parse([]byte(priceYAML))
	require.NoError(t, err)

	assert.Equal(t, "price-check", def.ID)
	assert.Equal(t, workflow.FailurePolicyContinue, def.Policy())
	assert.Equal(t, 2, def.Concurrency)
	assert.Len(t, def.Nodes, 5)
	assert.ElementsMatch(t, []workflow.Dependency{
		{From: "open-a", To: "read-a"},
		{From: "open-b", To: "read-b"},
		{From: "read-b", To: "compare"},
		{From: "read-a", To: "compare"},
	}, def.Edges)

	readA, ok := def.Node("read-a")
	require.True(t, ok)
	assert.Equal(t, ".price", readA.Params["selector"])
	assert.Equal(t, 3, readA.Params["limit"], "whole-string placeholder keeps its type")
	assert.Equal(t, "price via .price", readA.Params["label"])

	compare, _ := def.Node("compare")
	assert.Equal(t, 1, def.RetryFor(compare).MaxAttempts)
	assert.Equal(t, 2, def.RetryFor(readA).MaxAttempts)
	assert.EqualValues(t, 1000, def.TimeoutFor(compare).Milliseconds())
	assert.EqualValues(t, 5000, def.TimeoutFor(readA).Milliseconds())

	levels, err := workflow.BuildLevels(def)
	require.NoError(t, err)
	assert.Len(t, levels, 3)
}

func TestParser_JSON(t *testing.T) {
	doc := `{"id":"j","nodes":[{"id":"a","type":"t"},{"id":"b","type":"t","depends_on":["a"]}]}`
	def, err := NewParser().Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []workflow.Dependency{{From: "a", To: "b"}}, def.Edges)
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", ``, "empty document"},
		{"bad yaml", "id: [", "parse"},
		{"unknown field", "id: x\nnodes: [{id: a, type: t}]\nbogus: 1", "bogus"},
		{"version", "version: \"9\"\nid: x\nnodes: [{id: a, type: t}]", "unsupported version"},
		{"no nodes", "id: x", "at least one node"},
		{"no type", "id: x\nnodes: [{id: a}]", "type is required"},
		{"duplicate", "id: x\nnodes: [{id: a, type: t}, {id: a, type: t}]", "duplicate node ID"},
		{"unknown dep", "id: x\nnodes: [{id: a, type: t, depends_on: [z]}]", "unknown node \"z\""},
		{"bad policy", "id: x\nfailure_policy: maybe\nnodes: [{id: a, type: t}]", "failure_policy"},
		{"bad strategy", "id: x\nnodes: [{id: a, type: t, retry: {strategy: linear}}]", "unknown strategy"},
		{"required var", "id: x\nvariables: {key: {required: true}}\nnodes: [{id: a, type: t}]", "variable \"key\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, workflow.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParser_Cycle(t *testing.T) {
	doc := `
id: loop
nodes:
  - {id: a, type: t, next: [b]}
  - {id: b, type: t, next: [a]}
`
	_, err := NewParser().Parse([]byte(doc))
	var cycle *workflow.CycleDetectedError
	require.True(t, errors.As(err, &cycle))
	assert.ElementsMatch(t, []string{"a", "b"}, cycle.Nodes)
}

func TestParser_AllowUnknownFields(t *testing.T) {
	_, err := NewParser().AllowUnknownFields().Parse([]byte("id: x\nnodes: [{id: a, type: t}]\nbogus: 1"))
	assert.NoError(t, err)
}

func TestParser_ParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(priceYAML), 0o600))
	def, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "price-check", def.ID)

	_, err = NewParser().ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	tpl, err := workflow.LookupTemplate("form-filling")
	require.NoError(t, err)
	def := tpl.Instantiate("")

	data, err := Marshal(def)
	require.NoError(t, err)
	back, err := NewParser().Parse(data)
	require.NoError(t, err)

	assert.Equal(t, def.ID, back.ID)
	assert.ElementsMatch(t, def.Edges, back.Edges)
	a, _ := workflow.BuildLevels(def)
	b, _ := workflow.BuildLevels(back)
	assert.Equal(t, len(a), len(b))
}

const chainYAML = `
id: buy-flow
name: Buy if cheap
steps:
  - workflow_id: price-check
  - workflow_id: checkout
    condition: status == "completed" && outputs.compare.best < 100
    on_failure: continue
    mapping:
      - to: price
        from: outputs.compare.best
      - to: currency
        value: EUR
      - to: coupon
        from: input.coupon
        optional: true
`

func TestParser_ParseChain(t *testing.T) {
	chain, err := NewParser().ParseChain([]byte(chainYAML))
	require.NoError(t, err)
	require.Len(t, chain.Steps, 2)
	assert.Equal(t, workflow.FailurePolicyContinue, chain.Steps[1].OnFailure)
	assert.Equal(t, "EUR", chain.Steps[1].Mapping[1].Value)
	assert.True(t, chain.Steps[1].Mapping[2].Optional)

	preds, err := CompileChain(chain)
	require.NoError(t, err)
	ok, err := preds[0].Eval(nil)
	require.NoError(t, err)
	assert.True(t, ok, "no condition means always")

	ok, err = preds[1].Eval(map[string]any{
		"status":  "completed",
		"outputs": map[string]any{"compare": map[string]any{"best": 42}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParser_ChainErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no steps", "id: c", "no steps"},
		{"bad condition", "id: c\nsteps: [{workflow_id: a, condition: 'x =='}]", "condition"},
		{"mapping both", "id: c\nsteps: [{workflow_id: a, mapping: [{to: k, from: x, value: 1}]}]", "exactly one"},
		{"mapping neither", "id: c\nsteps: [{workflow_id: a, mapping: [{to: k}]}]", "exactly one"},
		{"mapping dup", "id: c\nsteps: [{workflow_id: a, mapping: [{to: k, value: 1}, {to: k, value: 2}]}]", "duplicate mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().ParseChain([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

package mocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/workflow"
)

func TestMockExecutor_FailuresThenSuccess(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockExecutor().
		WithOutput("fetch", map[string]any{"price": 10}).
		WithFailures("fetch", 2, boom)
	agent := registry.Agent{ID: "w1"}
	req := workflow.TaskRequest{NodeID: "n1", TaskType: "fetch"}

	for i := 0; i < 2; i++ {
		_, err := m.Execute(context.Background(), agent, req)
		assert.ErrorIs(t, err, boom)
	}
	out, err := m.Execute(context.Background(), agent, req)
	require.NoError(t, err)
	assert.Equal(t, 10, out["price"])
	assert.Equal(t, 3, m.CallCount("fetch"))
	assert.Equal(t, 0, m.CallCount("other"))
}

func TestMockExecutor_DefaultOutputAndReset(t *testing.T) {
	m := NewMockExecutor()
	out, err := m.Execute(context.Background(), registry.Agent{ID: "w1"}, workflow.TaskRequest{NodeID: "n1", TaskType: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"node": "n1", "agent": "w1"}, out)

	require.Len(t, m.Calls(), 1)
	m.Reset()
	assert.Equal(t, 0, m.CallCount(""))
}

func TestMockExecutor_BlockHonoursContext(t *testing.T) {
	m := NewMockExecutor().WithBlock("slow")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Execute(ctx, registry.Agent{ID: "w1"}, workflow.TaskRequest{TaskType: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), registry.Agent{ID: "w1"}, workflow.TaskRequest{TaskType: "slow"})
		done <- err
	}()
	require.Eventually(t, func() bool { return m.CallCount("slow") == 2 }, time.Second, time.Millisecond)
	m.Release("slow")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked call was not released")
	}
}

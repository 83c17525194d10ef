package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ExecutionEvent is one entry of the persisted, append-only execution log.
// (ExecutionID, Sequence) is unique; re-appending the same key is a no-op.
type ExecutionEvent struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        EventType       `json:"type"`
	NodeID      string          `json:"node_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Recorder is the slice of the workflow store the scheduler writes through.
type Recorder interface {
	UpdateExecution(ctx context.Context, exec *WorkflowExecution) error
	SaveTask(ctx context.Context, task *TaskExecution) error
	AppendEvent(ctx context.Context, ev ExecutionEvent) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) UpdateExecution(context.Context, *WorkflowExecution) error { return nil }
func (NopRecorder) SaveTask(context.Context, *TaskExecution) error            { return nil }
func (NopRecorder) AppendEvent(context.Context, ExecutionEvent) error         { return nil }

// journal serializes one run's writes and retries them until the store accepts.
// While a write is failing the caller is blocked, so the scheduler stops
// releasing work instead of running ahead of durable state.
type journal struct {
	rec     Recorder
	execID  string
	seq     int64
	backoff Backoff
	logger  *zap.Logger
	onError func(error)
}

func newJournal(rec Recorder, execID string, backoff Backoff, logger *zap.Logger, onError func(error)) *journal {
	if rec == nil {
		rec = NopRecorder{}
	}
	return &journal{rec: rec, execID: execID, backoff: backoff, logger: logger, onError: onError}
}

func (j *journal) persist(ctx context.Context, what string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				j.logger.Info("store recovered", zap.String("write", what), zap.Int("attempts", attempt))
			}
			return nil
		}
		if j.onError != nil {
			j.onError(err)
		}
		delay := j.backoff.Delay(attempt)
		j.logger.Warn("store write failed; execution paused",
			zap.String("write", what),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("persist %s: %w", what, ctx.Err())
		case <-timer.C:
		}
	}
}

func (j *journal) task(ctx context.Context, t *TaskExecution) error {
	snapshot := t.Clone()
	return j.persist(ctx, "task "+t.NodeID, func(ctx context.Context) error {
		return j.rec.SaveTask(ctx, snapshot)
	})
}

func (j *journal) execution(ctx context.Context, e *WorkflowExecution) error {
	snapshot := e.Clone()
	return j.persist(ctx, "execution", func(ctx context.Context) error {
		return j.rec.UpdateExecution(ctx, snapshot)
	})
}

func (j *journal) event(ctx context.Context, ev Event) error {
	j.seq++
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	entry := ExecutionEvent{
		ExecutionID: j.execID,
		Sequence:    j.seq,
		Type:        ev.Type,
		NodeID:      ev.NodeID,
		Payload:     payload,
		Timestamp:   ev.Timestamp,
	}
	return j.persist(ctx, string(ev.Type), func(ctx context.Context) error {
		return j.rec.AppendEvent(ctx, entry)
	})
}

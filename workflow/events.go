package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventLevelStarted       EventType = "level_started"
	EventTaskStarted        EventType = "task_started"
	EventTaskSucceeded      EventType = "task_succeeded"
	EventTaskFailed         EventType = "task_failed"
	EventTaskRetrying       EventType = "task_retrying"
	EventTaskSkipped        EventType = "task_skipped"
	EventWorkflowStarted    EventType = "workflow_started"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventChainStepCompleted EventType = "chain_step_completed"
	EventChainCompleted     EventType = "chain_completed"
	EventAgentStatusChanged EventType = "agent_status_changed"
)

// Event is an informational notification. Consumers must tolerate duplicates and reordering.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ChainID     string         `json:"chain_id,omitempty"`
	ChainRunID  string         `json:"chain_execution_id,omitempty"` // chain execution, if any
	WorkflowID  string         `json:"workflow_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	TaskType    string         `json:"task_type,omitempty"`
	Level       int            `json:"level"`
	Attempt     int            `json:"attempt,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Emit does a non-blocking send; a full or nil channel drops the event.
func Emit(ch chan<- Event, ev Event) bool {
	if ch == nil {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// EventBus fans events from a single inbound channel out to subscribers.
// Producers never block: a full inbound buffer or a slow subscriber drops events.
type EventBus struct {
	in     chan Event
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64

	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// NewEventBus starts the fan-out pump.
func NewEventBus(buffer int, logger *zap.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{
		in:     make(chan Event, buffer),
		logger: logger.With(zap.String("component", "event_bus")),
		subs:   make(map[uint64]chan Event),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

// Sink is the write side handed to the scheduler and chain manager.
func (b *EventBus) Sink() chan<- Event {
	return b.in
}

// Publish is Emit on the bus' own sink.
func (b *EventBus) Publish(ev Event) {
	if !Emit(b.in, ev) {
		b.dropped.Add(1)
	}
}

// Subscribe registers a consumer; call the returned func to unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many events were discarded.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the pump and closes every subscriber channel.
func (b *EventBus) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}

func (b *EventBus) pump() {
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for id, ch := range b.subs {
				close(ch)
				delete(b.subs, id)
			}
			b.mu.Unlock()
			return
		case ev := <-b.in:
			b.mu.RLock()
			for _, ch := range b.subs {
				select {
				case ch <- ev:
				default:
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}

// LogEvents writes each event to logger until events closes or ctx ends.
// Failures log at warn, everything else at debug.
func LogEvents(ctx context.Context, events <-chan Event, logger *zap.Logger) {
	if logger == nil {
		return
	}
	logger = logger.With(zap.String("component", "event_log"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fields := []zap.Field{zap.String("type", string(ev.Type))}
			if ev.ExecutionID != "" {
				fields = append(fields, zap.String("execution_id", ev.ExecutionID))
			}
			if ev.ChainID != "" {
				fields = append(fields, zap.String("chain_id", ev.ChainID), zap.String("chain_execution_id", ev.ChainRunID))
			}
			if ev.NodeID != "" {
				fields = append(fields, zap.String("node_id", ev.NodeID), zap.Int("attempt", ev.Attempt))
			}
			if ev.AgentID != "" {
				fields = append(fields, zap.String("agent_id", ev.AgentID))
			}
			if ev.Status != "" {
				fields = append(fields, zap.String("status", ev.Status))
			}
			if ev.Error != "" {
				logger.Warn("lifecycle event", append(fields, zap.String("error", ev.Error))...)
				continue
			}
			logger.Debug("lifecycle event", fields...)
		}
	}
}

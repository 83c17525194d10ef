package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/taskflow/workflow"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 事件流 WebSocket Handler
// =============================================================================

// EventSource 可订阅的事件源
type EventSource interface {
	Subscribe(buffer int) (<-chan workflow.Event, func())
}

// EventStreamHandler 通过 WebSocket 推送生命周期事件。
// 慢客户端会丢事件，客户端需容忍重复与乱序。
type EventStreamHandler struct {
	source         EventSource
	logger         *zap.Logger
	buffer         int
	writeTimeout   time.Duration
	originPatterns []string
}

// EventStreamOption 配置 EventStreamHandler
type EventStreamOption func(*EventStreamHandler)

// WithStreamBuffer 设置每个连接的订阅缓冲
func WithStreamBuffer(n int) EventStreamOption {
	return func(h *EventStreamHandler) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns 允许的跨域来源
func WithOriginPatterns(patterns ...string) EventStreamOption {
	return func(h *EventStreamHandler) { h.originPatterns = patterns }
}

// NewEventStreamHandler 创建事件流处理器
func NewEventStreamHandler(source EventSource, logger *zap.Logger, opts ...EventStreamOption) *EventStreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &EventStreamHandler{
		source:       source,
		logger:       logger.With(zap.String("component", "event_stream")),
		buffer:       256,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// eventFilter 按执行 ID、链定义 ID、链执行 ID 和事件类型过滤
type eventFilter struct {
	executionID string
	chainID     string
	chainRunID  string
	types       map[workflow.EventType]bool
}

func parseEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{
		executionID: q.Get("execution_id"),
		chainID:     q.Get("chain_id"),
		chainRunID:  q.Get("chain_execution_id"),
	}
	if raw := q.Get("types"); raw != "" {
		f.types = make(map[workflow.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.types[workflow.EventType(t)] = true
			}
		}
	}
	return f
}

func (f eventFilter) match(ev workflow.Event) bool {
	if f.executionID != "" && ev.ExecutionID != f.executionID {
		return false
	}
	if f.chainID != "" && ev.ChainID != f.chainID {
		return false
	}
	if f.chainRunID != "" && ev.ChainRunID != f.chainRunID {
		return false
	}
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	return true
}

// HandleStream 升级为 WebSocket 并持续推送事件
// @Summary 事件流
// @Tags events
// @Param execution_id query string false "仅推送该执行的事件"
// @Param chain_id query string false "仅推送该链定义（所有执行）的事件"
// @Param chain_execution_id query string false "仅推送该链执行及其步骤工作流的事件"
// @Param types query string false "逗号分隔的事件类型"
// @Router /api/v1/events/ws [get]
func (h *EventStreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	filter := parseEventFilter(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := h.source.Subscribe(h.buffer)
	defer unsubscribe()

	// 不读取客户端消息，仅用于感知关闭
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("event stream opened",
		zap.String("remote", r.RemoteAddr),
		zap.String("execution_id", filter.executionID),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventStreamHandler) write(ctx context.Context, conn *websocket.Conn, ev workflow.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

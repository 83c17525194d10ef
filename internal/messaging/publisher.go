// Package messaging 把工作流生命周期事件转发到 NATS，主题为 <prefix>.<event_type>。
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/workflow"
)

// DefaultSubjectPrefix 未配置前缀时使用
const DefaultSubjectPrefix = "taskflow.events"

// Config NATS 发布配置
type Config struct {
	URL           string
	SubjectPrefix string
	// Timeout 建连超时
	Timeout time.Duration
	// Name 连接名，出现在 NATS 监控中
	Name string
}

// Conn 是 Publisher 用到的 nats.Conn 子集
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Publisher 消费事件总线订阅并发布到 NATS。事件是通知性的，发布失败只计数不重试。
type Publisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect 建立连接，断线后无限重连
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "taskflow"
	}
	log := logger.With(zap.String("component", "nats_publisher"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return NewPublisher(nc, cfg.SubjectPrefix, logger), nil
}

// NewPublisher 包装已有连接
func NewPublisher(conn Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With(zap.String("component", "nats_publisher")),
	}
}

// Subject 返回事件的发布主题
func (p *Publisher) Subject(t workflow.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish 发布单个事件。消息头携带执行与链 ID，便于订阅方过滤而无需解码。
func (p *Publisher) Publish(ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(ev.Type))
	msg.Data = data
	if ev.ExecutionID != "" {
		msg.Header.Set("Taskflow-Execution-Id", ev.ExecutionID)
	}
	if ev.ChainID != "" {
		msg.Header.Set("Taskflow-Chain-Id", ev.ChainID)
	}
	if ev.ChainRunID != "" {
		msg.Header.Set("Taskflow-Chain-Execution-Id", ev.ChainRunID)
	}
	if ev.NodeID != "" {
		msg.Header.Set("Taskflow-Node-Id", ev.NodeID)
		msg.Header.Set("Taskflow-Attempt", strconv.Itoa(ev.Attempt))
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.published.Add(1)
	return nil
}

// Run 转发订阅通道中的事件，直到通道关闭或 ctx 结束
func (p *Publisher) Run(ctx context.Context, events <-chan workflow.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				p.logger.Debug("event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}
	}
}

// Stats 返回发布成功与失败次数
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close 刷新缓冲后关闭连接
func (p *Publisher) Close() error {
	err := p.conn.FlushTimeout(2 * time.Second)
	p.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

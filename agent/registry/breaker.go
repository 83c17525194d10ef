package registry

import (
	"fmt"
	"time"
)

// CircuitState 冷却熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，Agent 可被选中
	CircuitClosed CircuitState = iota
	// CircuitOpen 冷却中，Agent 视为 degraded
	CircuitOpen
	// CircuitHalfOpen 冷却结束，限量探测
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 冷却熔断器配置
type BreakerConfig struct {
	// TimeoutThreshold 连续超时次数阈值，达到后进入冷却
	TimeoutThreshold int `json:"timeout_threshold" yaml:"timeout_threshold"`
	// Cooldown 冷却窗口时长
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenMaxProbes 半开状态允许的并发探测数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open" yaml:"success_threshold_in_half_open"`
}

// DefaultBreakerConfig 默认配置：一次超时即冷却 30 秒
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TimeoutThreshold:           1,
		Cooldown:                   30 * time.Second,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}
}

// breaker 单个 Agent 的冷却熔断器。
// 不自带锁，由所属 entry 的互斥锁保护。
type breaker struct {
	cfg         BreakerConfig
	state       CircuitState
	timeouts    int
	successes   int
	openedAt    time.Time
	lastTimeout time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: CircuitClosed}
}

// current 返回当前状态，冷却到期时转入半开
func (b *breaker) current(now time.Time) CircuitState {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = CircuitHalfOpen
		b.successes = 0
	}
	return b.state
}

// cooldownUntil 返回冷却结束时间；未冷却时为零值
func (b *breaker) cooldownUntil(now time.Time) time.Time {
	if b.current(now) != CircuitOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cfg.Cooldown)
}

// probeLimit 半开状态下的负载上限；其余状态不额外限制
func (b *breaker) probeLimit(now time.Time, capacity int) int {
	if b.current(now) == CircuitHalfOpen && b.cfg.HalfOpenMaxProbes > 0 && b.cfg.HalfOpenMaxProbes < capacity {
		return b.cfg.HalfOpenMaxProbes
	}
	return capacity
}

// recordTimeout 记录超时，返回是否发生状态变化及原因
func (b *breaker) recordTimeout(now time.Time) (bool, string) {
	b.timeouts++
	b.lastTimeout = now

	switch b.current(now) {
	case CircuitClosed:
		if b.timeouts >= b.cfg.TimeoutThreshold {
			b.open(now)
			return true, fmt.Sprintf("%d consecutive timeouts", b.timeouts)
		}
	case CircuitHalfOpen:
		// 半开状态下任何超时都重新冷却
		b.open(now)
		return true, "timeout while half-open"
	case CircuitOpen:
		// 冷却中再次超时，顺延冷却窗口
		b.openedAt = now
	}
	return false, ""
}

// recordSuccess 记录成功，返回是否恢复为 closed
func (b *breaker) recordSuccess(now time.Time) bool {
	switch b.current(now) {
	case CircuitClosed:
		b.timeouts = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThresholdInHalfOpen {
			b.state = CircuitClosed
			b.timeouts = 0
			b.successes = 0
			return true
		}
	}
	return false
}

func (b *breaker) open(now time.Time) {
	b.state = CircuitOpen
	b.openedAt = now
	b.successes = 0
}

func (b *breaker) reset() {
	b.state = CircuitClosed
	b.timeouts = 0
	b.successes = 0
}

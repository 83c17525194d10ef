package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewScheduler_FillsZeroConfig(t *testing.T) {
	def := DefaultSchedulerConfig()
	s := NewScheduler(nil, nil, SchedulerConfig{DefaultConcurrency: 1})

	assert.Equal(t, 1, s.cfg.DefaultConcurrency)
	assert.Equal(t, def.DispatchRetryCeiling, s.cfg.DispatchRetryCeiling)
	assert.Equal(t, def.DispatchBackoff.Base, s.cfg.DispatchBackoff.Base)
	assert.Equal(t, def.DispatchBackoff.Strategy, s.cfg.DispatchBackoff.Strategy)
	assert.Equal(t, def.StoreBackoff.Base, s.cfg.StoreBackoff.Base)
	assert.Equal(t, def.StoreBackoff.Strategy, s.cfg.StoreBackoff.Strategy)

	// equal jitter never waits less than half the base delay
	assert.GreaterOrEqual(t, s.cfg.StoreBackoff.Delay(1), def.StoreBackoff.Base/2)
}

func TestNewScheduler_KeepsExplicitBackoff(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Strategy: BackoffFixed}
	s := NewScheduler(nil, nil, SchedulerConfig{DispatchBackoff: b, StoreBackoff: b})

	assert.Equal(t, time.Millisecond, s.cfg.DispatchBackoff.Base)
	assert.Equal(t, BackoffFixed, s.cfg.DispatchBackoff.Strategy)
	assert.Equal(t, time.Millisecond, s.cfg.StoreBackoff.Base)
}

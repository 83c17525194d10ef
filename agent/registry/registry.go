package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds registry configuration.
type Config struct {
	// HeartbeatTimeout demotes an agent to unreachable when no heartbeat arrives in time.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	// SweepInterval is how often the background sweeper re-evaluates agents.
	SweepInterval time.Duration `json:"sweep_interval"`
	// Breaker governs the degraded cooldown after timeouts.
	Breaker BreakerConfig `json:"breaker"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
		Breaker:          DefaultBreakerConfig(),
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With(zap.String("component", "agent_registry"))
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver receives every effective status change. It is called outside any lock.
func WithObserver(fn func(StatusChange)) Option {
	return func(r *Registry) { r.observer = fn }
}

// entry is one registered agent. Every mutation of an agent happens under its own mutex;
// there is no registry-wide lock on the mutation path.
type entry struct {
	mu sync.Mutex

	agent    Agent
	seq      uint64
	load     int
	breaker  *breaker
	stale    bool
	removed  bool
	observed Status
}

// status computes the effective status. Caller holds e.mu.
func (e *entry) status(now time.Time, heartbeatTimeout time.Duration) Status {
	if e.stale || (heartbeatTimeout > 0 && now.Sub(e.agent.LastHeartbeat) > heartbeatTimeout) {
		return StatusUnreachable
	}
	if e.agent.Reported == StatusUnreachable {
		return StatusUnreachable
	}
	if e.breaker.current(now) == CircuitOpen {
		return StatusDegraded
	}
	if e.agent.Reported == "" {
		return StatusHealthy
	}
	return e.agent.Reported
}

// snapshot copies the agent. Caller holds e.mu.
func (e *entry) snapshot(now time.Time, heartbeatTimeout time.Duration) Agent {
	a := e.agent
	a.Capabilities = append([]string(nil), e.agent.Capabilities...)
	if e.agent.Metadata != nil {
		a.Metadata = make(map[string]string, len(e.agent.Metadata))
		for k, v := range e.agent.Metadata {
			a.Metadata[k] = v
		}
	}
	a.Load = e.load
	a.Status = e.status(now, heartbeatTimeout)
	a.Circuit = e.breaker.current(now).String()
	if until := e.breaker.cooldownUntil(now); !until.IsZero() {
		a.CooldownEnds = &until
	}
	return a
}

// capSet indexes the agents serving one capability; each capability has its own lock.
type capSet struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry tracks agents, their capabilities, health, and load.
type Registry struct {
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	observer func(StatusChange)

	agents sync.Map // id -> *entry
	caps   sync.Map // capability -> *capSet
	seq    atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a registry.
func New(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout < 0 {
		cfg.HeartbeatTimeout = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Breaker.TimeoutThreshold <= 0 {
		cfg.Breaker.TimeoutThreshold = def.Breaker.TimeoutThreshold
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = def.Breaker.Cooldown
	}
	if cfg.Breaker.SuccessThresholdInHalfOpen <= 0 {
		cfg.Breaker.SuccessThresholdInHalfOpen = def.Breaker.SuccessThresholdInHalfOpen
	}
	r := &Registry{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or updates an agent. Re-registering keeps the current load.
func (r *Registry) Register(ctx context.Context, a Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.ID == "" {
		return fmt.Errorf("agent id is empty")
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("agent %s declares no capabilities", a.ID)
	}
	if a.Capacity <= 0 {
		return fmt.Errorf("agent %s capacity must be positive", a.ID)
	}
	if a.Reported != "" && !a.Reported.Valid() {
		return fmt.Errorf("agent %s has invalid status %q", a.ID, a.Reported)
	}

	now := r.now()
	a.Capabilities = dedupe(a.Capabilities)
	a.LastHeartbeat = now
	a.Load = 0

	fresh := &entry{agent: a, seq: r.seq.Add(1), breaker: newBreaker(r.cfg.Breaker)}
	fresh.agent.RegisteredAt = now
	fresh.observed = StatusHealthy

	actual, loaded := r.agents.LoadOrStore(a.ID, fresh)
	e := actual.(*entry)

	var oldCaps []string
	if loaded {
		e.mu.Lock()
		if e.removed {
			// lost a race with Deregister; start over with a fresh entry
			e.mu.Unlock()
			r.agents.CompareAndDelete(a.ID, e)
			return r.Register(ctx, a)
		}
		oldCaps = e.agent.Capabilities
		registeredAt := e.agent.RegisteredAt
		e.agent = a
		e.agent.RegisteredAt = registeredAt
		e.stale = false
		e.mu.Unlock()
	}

	for _, c := range oldCaps {
		if !contains(a.Capabilities, c) {
			r.capSetFor(c).remove(a.ID)
		}
	}
	for _, c := range a.Capabilities {
		r.capSetFor(c).add(a.ID, e)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.Strings("capabilities", a.Capabilities),
		zap.Int("capacity", a.Capacity),
		zap.Bool("update", loaded),
	)
	r.observe(e, "registered")
	return nil
}

// Deregister removes an agent. Outstanding leases may still be released safely.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	v, ok := r.agents.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	e := v.(*entry)
	e.mu.Lock()
	e.removed = true
	caps := e.agent.Capabilities
	e.mu.Unlock()

	for _, c := range caps {
		r.capSetFor(c).remove(id)
	}
	r.logger.Info("agent deregistered", zap.String("agent_id", id))
	return nil
}

// Heartbeat records liveness and the agent's self-reported health.
func (r *Registry) Heartbeat(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if status == "" {
		status = StatusHealthy
	}
	if !status.Valid() {
		return fmt.Errorf("invalid heartbeat status %q", status)
	}
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	e.mu.Lock()
	e.agent.LastHeartbeat = r.now()
	e.agent.Reported = status
	e.stale = false
	e.mu.Unlock()

	r.observe(e, "heartbeat")
	return nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Agent, bool) {
	e, ok := r.entry(id)
	if !ok {
		return Agent{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(r.now(), r.cfg.HeartbeatTimeout), true
}

// List returns snapshots of every agent, ordered by ID.
func (r *Registry) List() []Agent {
	now := r.now()
	var out []Agent
	r.agents.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.snapshot(now, r.cfg.HeartbeatTimeout))
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type candidate struct {
	e     *entry
	load  int
	seq   uint64
	agent Agent
}

// candidates returns healthy capable agents sorted least-loaded first,
// ties broken by registration order. healthy reports whether any healthy agent exists at all.
func (r *Registry) candidates(capability string) (list []candidate, healthy bool) {
	v, ok := r.caps.Load(capability)
	if !ok {
		return nil, false
	}
	now := r.now()
	for _, e := range v.(*capSet).list() {
		e.mu.Lock()
		if !e.removed && e.status(now, r.cfg.HeartbeatTimeout) == StatusHealthy {
			healthy = true
			limit := e.breaker.probeLimit(now, e.agent.Capacity)
			if e.load < limit {
				list = append(list, candidate{e: e, load: e.load, seq: e.seq, agent: e.snapshot(now, r.cfg.HeartbeatTimeout)})
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].load != list[j].load {
			return list[i].load < list[j].load
		}
		return list[i].seq < list[j].seq
	})
	return list, healthy
}

// FindCapable returns healthy agents with spare capacity for capability, least-loaded first.
func (r *Registry) FindCapable(capability string) []Agent {
	list, _ := r.candidates(capability)
	out := make([]Agent, len(list))
	for i, c := range list {
		out[i] = c.agent
	}
	return out
}

// Acquire reserves one slot on the least-loaded healthy capable agent.
// The check-and-increment happens under the chosen agent's lock, so two callers
// can never both take an agent's last slot.
func (r *Registry) Acquire(capability string) (*Lease, error) {
	list, healthy := r.candidates(capability)
	now := r.now()
	for _, c := range list {
		c.e.mu.Lock()
		ok := !c.e.removed &&
			c.e.status(now, r.cfg.HeartbeatTimeout) == StatusHealthy &&
			c.e.load < c.e.breaker.probeLimit(now, c.e.agent.Capacity)
		if ok {
			c.e.load++
			snap := c.e.snapshot(now, r.cfg.HeartbeatTimeout)
			c.e.mu.Unlock()
			return &Lease{r: r, e: c.e, agent: snap}, nil
		}
		c.e.mu.Unlock()
	}
	return nil, &NoCapableAgentError{Capability: capability, Saturated: healthy}
}

// MarkTimeout records a dispatch timeout; enough of them put the agent in degraded cooldown.
func (r *Registry) MarkTimeout(id string) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	changed, reason := e.breaker.recordTimeout(r.now())
	e.mu.Unlock()
	if changed {
		r.logger.Warn("agent entering degraded cooldown",
			zap.String("agent_id", id),
			zap.String("reason", reason),
			zap.Duration("cooldown", r.cfg.Breaker.Cooldown),
		)
	}
	r.observe(e, "timeout")
}

// MarkSuccess records a successful dispatch; it closes a half-open breaker.
func (r *Registry) MarkSuccess(id string) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	recovered := e.breaker.recordSuccess(r.now())
	e.mu.Unlock()
	if recovered {
		r.logger.Info("agent recovered from cooldown", zap.String("agent_id", id))
		r.observe(e, "recovered")
	}
}

// ResetCooldown clears an agent's breaker.
func (r *Registry) ResetCooldown(id string) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	e.mu.Lock()
	e.breaker.reset()
	e.mu.Unlock()
	r.observe(e, "reset")
	return nil
}

// Stats summarizes agents by status and capability.
func (r *Registry) Stats() Stats {
	st := Stats{
		ByStatus:     make(map[Status]int),
		ByCapability: make(map[string]CapabilityStat),
	}
	for _, a := range r.List() {
		st.Total++
		st.ByStatus[a.Status]++
		st.TotalLoad += a.Load
		st.TotalCapacity += a.Capacity
		for _, c := range a.Capabilities {
			cs := st.ByCapability[c]
			cs.Agents++
			if a.Status == StatusHealthy {
				cs.Healthy++
			}
			cs.Load += a.Load
			cs.Capacity += a.Capacity
			st.ByCapability[c] = cs
		}
	}
	if st.TotalCapacity > 0 {
		st.Utilization = float64(st.TotalLoad) / float64(st.TotalCapacity)
	}
	return st
}

// Start runs the heartbeat sweeper until ctx ends or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
	r.logger.Info("agent registry sweeper started", zap.Duration("interval", r.cfg.SweepInterval))
}

// Stop halts the sweeper and waits for it.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Sweep demotes agents with stale heartbeats and reports cooldown expiry.
func (r *Registry) Sweep() {
	now := r.now()
	r.agents.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if r.cfg.HeartbeatTimeout > 0 && !e.stale && now.Sub(e.agent.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			e.stale = true
			r.logger.Warn("agent heartbeat missed; marking unreachable",
				zap.String("agent_id", e.agent.ID),
				zap.Time("last_heartbeat", e.agent.LastHeartbeat),
			)
		}
		e.mu.Unlock()
		r.observe(e, "sweep")
		return true
	})
}

func (r *Registry) entry(id string) (*entry, bool) {
	v, ok := r.agents.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *Registry) capSetFor(capability string) *capSet {
	if v, ok := r.caps.Load(capability); ok {
		return v.(*capSet)
	}
	v, _ := r.caps.LoadOrStore(capability, &capSet{entries: make(map[string]*entry)})
	return v.(*capSet)
}

// observe reports a change of effective status to the observer.
func (r *Registry) observe(e *entry, reason string) {
	e.mu.Lock()
	now := r.now()
	current := e.status(now, r.cfg.HeartbeatTimeout)
	prev := e.observed
	e.observed = current
	id := e.agent.ID
	e.mu.Unlock()

	if prev == current || r.observer == nil {
		return
	}
	r.observer(StatusChange{AgentID: id, From: prev, To: current, Reason: reason, At: now})
}

func (s *capSet) add(id string, e *entry) {
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
}

func (s *capSet) remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *capSet) list() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Lease is one reserved slot on an agent. Release is idempotent.
type Lease struct {
	r        *Registry
	e        *entry
	agent    Agent
	released atomic.Bool
}

// AgentID returns the leased agent's ID.
func (l *Lease) AgentID() string {
	return l.agent.ID
}

// Agent returns the agent snapshot taken at acquisition.
func (l *Lease) Agent() Agent {
	return l.agent
}

// Release returns the slot. Only the first call has an effect.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.e.mu.Lock()
	if l.e.load > 0 {
		l.e.load--
	}
	l.e.mu.Unlock()
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/agent/dispatch"
	"github.com/BaSui01/taskflow/agent/registry"
	"github.com/BaSui01/taskflow/api/handlers"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/cache"
	"github.com/BaSui01/taskflow/internal/database"
	"github.com/BaSui01/taskflow/internal/messaging"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/server"
	"github.com/BaSui01/taskflow/internal/telemetry"
	"github.com/BaSui01/taskflow/orchestrator"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/persistence"
)

const gaugeInterval = 5 * time.Second

// Server 持有进程内全部组件，负责按依赖顺序启动与逆序关闭
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	collector *metrics.Collector
	telemetry *telemetry.Providers
	pool      *database.Pool
	cache     *cache.Manager
	store     persistence.Store
	bus       *workflow.EventBus
	registry  *registry.Registry
	engine    *orchestrator.Engine
	publisher *messaging.Publisher
	limiter   *RateLimiter
	health    *handlers.HealthHandler
	hotReload *config.HotReloadManager

	api     *server.Manager
	metrics *server.Manager

	consumers sync.WaitGroup
}

// NewServer 只做不触网的构造，连接在 Run 中建立
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		collector:  metrics.NewCollector("taskflow", logger),
	}, nil
}

// Run 启动全部组件，阻塞到收到 SIGINT/SIGTERM 或某个服务出错，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.init(ctx); err != nil {
		return errors.Join(err, s.shutdown())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.api.Run(gctx) })
	if s.metrics != nil {
		g.Go(func() error { return s.metrics.Run(gctx) })
	}
	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.pollGauges(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.SetDraining(true)
		return nil
	})

	s.logger.Info("taskflow started",
		zap.String("api_addr", s.api.Addr()),
		zap.String("store", s.cfg.Store.Type),
		zap.Bool("nats", s.publisher != nil),
		zap.Bool("hot_reload", s.configPath != ""),
	)

	runErr := g.Wait()
	s.logger.Info("shutting down")
	return errors.Join(runErr, s.shutdown())
}

// init 按依赖顺序构建组件：遥测 → 存储 → 事件总线 → 注册表/分发器 → 引擎 → 订阅者 → HTTP
func (s *Server) init(ctx context.Context) error {
	var err error
	s.telemetry, err = telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		// 遥测不可用不影响编排
		s.logger.Warn("telemetry init failed, tracing disabled", zap.Error(err))
	}

	if err := s.openStore(ctx); err != nil {
		return err
	}

	comp := componentConfigs(s.cfg)
	s.bus = workflow.NewEventBus(comp.engine.EventBuffer, s.logger)
	s.registry = registry.New(comp.registry,
		registry.WithLogger(s.logger),
		registry.WithObserver(s.publishStatusChange),
	)
	s.registry.Start(ctx)

	executor := dispatch.NewHTTPExecutor(
		dispatch.WithTaskPath(s.cfg.Dispatcher.TaskPath),
		dispatch.WithAgentAPIKey(s.cfg.Dispatcher.AgentAPIKey),
	)
	disp := dispatch.New(s.registry, dispatch.NewExecutorSet(executor), comp.dispatcher,
		dispatch.WithLogger(s.logger),
		dispatch.WithTracer(s.telemetry.Tracer("taskflow/dispatch")),
		dispatch.WithObserver(func(agentID, taskType string, kind workflow.OutcomeKind, d time.Duration) {
			s.logger.Debug("task attempt finished",
				zap.String("agent_id", agentID),
				zap.String("task_type", taskType),
				zap.String("outcome", string(kind)),
				zap.Duration("duration", d),
			)
		}),
	)

	s.engine = orchestrator.New(s.store, s.registry, disp, comp.engine,
		orchestrator.WithLogger(s.logger),
		orchestrator.WithTracer(s.telemetry.Tracer("taskflow/orchestrator")),
		orchestrator.WithEventBus(s.bus),
		orchestrator.WithSchedulerConfig(comp.scheduler),
		orchestrator.WithStoreErrorHook(func(error) { s.collector.RecordStoreFailure(s.cfg.Store.Type) }),
	)
	if _, err := s.telemetry.ObserveEngine(s.engineSnapshot); err != nil {
		s.logger.Warn("engine gauges not exported over otlp", zap.Error(err))
	}

	if err := s.startConsumers(); err != nil {
		return err
	}
	if err := s.startHotReload(ctx); err != nil {
		return err
	}
	s.buildHTTP()
	return nil
}

// openStore 按 store.type 建立连接，database/redis 同时接入连接池指标
func (s *Server) openStore(ctx context.Context) error {
	opts := persistence.Options{
		Type:   persistence.StoreType(s.cfg.Store.Type),
		Logger: s.logger,
	}

	switch opts.Type {
	case persistence.StoreTypeDatabase:
		db, err := s.openDatabase()
		if err != nil {
			return err
		}
		opts.DB = db
		opts.AutoMigrate = s.cfg.Store.AutoMigrate
	case persistence.StoreTypeRedis:
		rc := cache.ConfigFrom(s.cfg.Redis)
		rc.OnPoolStats = func(st *redis.PoolStats) {
			s.collector.RecordDBConnections("redis", int(st.TotalConns), int(st.IdleConns))
		}
		m, err := cache.NewManager(rc, s.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.cache = m
		opts.Cache = m
		opts.KeyPrefix = s.cfg.Store.KeyPrefix
	case persistence.StoreTypeMongo:
		opts.MongoURI = s.cfg.Mongo.URI
		opts.MongoDatabase = s.cfg.Mongo.Database
	}

	storeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := persistence.NewStore(storeCtx, opts)
	if err != nil {
		return fmt.Errorf("open %s store: %w", opts.Type, err)
	}
	s.store = store
	return nil
}

func (s *Server) openDatabase() (*gorm.DB, error) {
	driver := s.cfg.Database.Driver
	db, err := database.Open(database.OpenConfig{Driver: driver, DSN: s.cfg.Database.DSN()}, s.logger,
		func(op string, elapsed time.Duration, _ error) {
			s.collector.RecordDBQuery(driver, op, elapsed)
		})
	if err != nil {
		return nil, err
	}

	pc := database.PoolConfigFrom(s.cfg.Database)
	pc.OnStats = func(st sql.DBStats) {
		s.collector.RecordDBConnections(driver, st.OpenConnections, st.Idle)
	}
	pool, err := database.NewPool(db, pc, s.logger)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return pool.DB(), nil
}

// publishStatusChange 把注册表的状态变化转成生命周期事件
func (s *Server) publishStatusChange(c registry.StatusChange) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(workflow.Event{
		Type:      workflow.EventAgentStatusChanged,
		AgentID:   c.AgentID,
		Status:    string(c.To),
		Data:      map[string]any{"from": string(c.From), "reason": c.Reason},
		Timestamp: c.At,
	})
}

// startConsumers 订阅事件总线：日志、指标、可选的 NATS 发布。
// 订阅通道在总线关闭时关闭，消费协程随之退出。
func (s *Server) startConsumers() error {
	buffer := s.cfg.Scheduler.EventBuffer
	ctx := context.Background()

	logEvents, _ := s.bus.Subscribe(buffer)
	s.consume(func() { workflow.LogEvents(ctx, logEvents, s.logger) })

	metricEvents, _ := s.bus.Subscribe(buffer)
	s.consume(func() { s.collector.Consume(ctx, metricEvents) })

	if !s.cfg.NATS.Enabled {
		return nil
	}
	pub, err := messaging.Connect(messaging.Config{
		URL:           s.cfg.NATS.URL,
		SubjectPrefix: s.cfg.NATS.SubjectPrefix,
		Name:          "taskflow",
	}, s.logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	s.publisher = pub
	natsEvents, _ := s.bus.Subscribe(buffer)
	s.consume(func() { pub.Run(ctx, natsEvents) })
	return nil
}

func (s *Server) consume(fn func()) {
	s.consumers.Add(1)
	go func() {
		defer s.consumers.Done()
		fn()
	}()
}

// startHotReload 只应用可在运行时生效的字段：日志级别与限流
func (s *Server) startHotReload(ctx context.Context) error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	// 管理器持有独立副本，启动期读取的 s.cfg 不随运行时修改变化
	live := *s.cfg
	s.hotReload = config.NewHotReloadManager(&live, opts...)
	// 文件重载与 API 单字段更新都会逐条回调 OnChange
	s.hotReload.OnChange(func(change config.ConfigChange) {
		if change.RequiresRestart {
			s.logger.Warn("configuration change takes effect after restart", zap.String("path", change.Path))
		}
		s.applyRuntimeConfig(s.hotReload.GetConfig())
	})
	// 回滚不触发 OnChange
	s.hotReload.OnRollback(func(ev config.RollbackEvent) {
		s.applyRuntimeConfig(ev.RestoredConfig)
	})
	return s.hotReload.Start(ctx)
}

func (s *Server) applyRuntimeConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.level.SetLevel(parseLevel(cfg.Log.Level))
	if s.limiter != nil {
		s.limiter.Update(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
}

func (s *Server) buildHTTP() {
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewCheck("store", s.engine.Ping))
	if s.pool != nil {
		health.RegisterCheck(handlers.NewCheck("database", s.pool.Ping))
	}
	if s.cache != nil {
		// store 检查已决定就绪状态，这里只额外报告 Redis 连接层
		health.RegisterCheck(handlers.NewCheck("redis", s.cache.Ping), handlers.NonCritical())
	}
	s.health = health

	deps := routeDeps{
		engine: s.engine,
		health: health,
		events: handlers.NewEventStreamHandler(s.bus, s.logger,
			handlers.WithStreamBuffer(s.cfg.Scheduler.EventBuffer),
			handlers.WithOriginPatterns(s.cfg.Server.CORSAllowedOrigins...),
		),
		logger: s.logger,
	}
	// 配置 API 可以改写运行参数，只在启用鉴权时挂载
	if s.cfg.Auth.Enabled {
		deps.configAPI = config.NewConfigAPIHandler(s.hotReload)
	}
	mux := newRouter(deps)
	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", s.collector.Handler())
	}

	s.limiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger)
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		Tracing(s.telemetry.Tracer("taskflow/http"), mux),
		Metrics(s.collector, mux),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		s.limiter.Middleware(),
	}
	if s.cfg.Auth.Enabled {
		skip := append([]string{"/metrics"}, publicPaths...)
		middlewares = append(middlewares, NewAuthenticator(s.cfg.Auth, skip, s.logger).Middleware())
	}
	// 日志在鉴权之后，才能记录调用方
	middlewares = append(middlewares, RequestLogger(s.logger))

	s.api = server.NewManager("api", Chain(mux, middlewares...), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		CertFile:        s.cfg.Server.TLSCertFile,
		KeyFile:         s.cfg.Server.TLSKeyFile,
	}, s.logger)

	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", s.collector.Handler())
		s.metrics = server.NewManager("metrics", metricsMux, server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
	}
}

// pollGauges 周期刷新快照类指标，层级缓存按增量累加
func (s *Server) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	var lastHits, lastMisses uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.engine.Stats()
			s.collector.SetEngineGauges(st.RunningExecutions, st.QueuedExecutions, st.Agents.Utilization, st.EventsDropped)
			hits, misses := st.LevelCache.Hits, st.LevelCache.Misses
			if hits >= lastHits && misses >= lastMisses {
				s.collector.RecordCacheLookups("level", hits-lastHits, misses-lastMisses)
			}
			lastHits, lastMisses = hits, misses
		}
	}
}

func (s *Server) engineSnapshot() telemetry.EngineSnapshot {
	st := s.engine.Stats()
	return telemetry.EngineSnapshot{
		RunningExecutions: st.RunningExecutions,
		QueuedExecutions:  st.QueuedExecutions,
		ActiveChains:      st.ActiveChains,
		AgentUtilization:  st.Agents.Utilization,
	}
}

// shutdown 逆序关闭：引擎排空 → 事件总线 → 订阅者 → 注册表 → 存储与连接 → 遥测。
// HTTP 服务已随 errgroup 的 context 结束关闭。
func (s *Server) shutdown() error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.hotReload != nil {
		errs = append(errs, s.hotReload.Stop())
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Shutdown(ctx))
	}
	if s.bus != nil {
		s.bus.Close()
		s.consumers.Wait()
	}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.registry != nil {
		s.registry.Stop()
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

// components 是从应用配置换算出的各组件配置
type components struct {
	scheduler  workflow.SchedulerConfig
	dispatcher dispatch.Config
	registry   registry.Config
	engine     orchestrator.Config
}

// componentConfigs 把应用配置映射到组件配置，零值保留组件默认
func componentConfigs(cfg *config.Config) components {
	sc := cfg.Scheduler
	backoff := workflow.Backoff{Base: sc.BackoffBase, Max: sc.BackoffMax, Strategy: workflow.BackoffStrategy(sc.BackoffStrategy)}

	sched := workflow.DefaultSchedulerConfig()
	if sc.DefaultConcurrency > 0 {
		sched.DefaultConcurrency = sc.DefaultConcurrency
	}
	if sc.DispatchRetryCeiling > 0 {
		sched.DispatchRetryCeiling = sc.DispatchRetryCeiling
	}
	if backoff.Base > 0 {
		if backoff.Strategy == "" {
			backoff.Strategy = workflow.BackoffFullJitter
		}
		sched.DispatchBackoff = backoff
	}
	if sc.AdmissionRecheck > 0 {
		sched.AdmissionRecheck = sc.AdmissionRecheck
	}
	if sc.FinalizeTimeout > 0 {
		sched.FinalizeTimeout = sc.FinalizeTimeout
	}

	disp := dispatch.DefaultConfig()
	disp.DispatchRetryCeiling = sched.DispatchRetryCeiling
	disp.DispatchBackoff = sched.DispatchBackoff
	disp.AdmissionRecheck = sched.AdmissionRecheck
	if cfg.Dispatcher.DefaultTimeout > 0 {
		disp.DefaultTimeout = cfg.Dispatcher.DefaultTimeout
	}

	reg := registry.DefaultConfig()
	if cfg.Registry.HeartbeatTimeout > 0 {
		reg.HeartbeatTimeout = cfg.Registry.HeartbeatTimeout
	}
	if cfg.Registry.SweepInterval > 0 {
		reg.SweepInterval = cfg.Registry.SweepInterval
	}
	if cfg.Registry.BreakerThreshold > 0 {
		reg.Breaker.TimeoutThreshold = cfg.Registry.BreakerThreshold
	}
	if cfg.Registry.Cooldown > 0 {
		reg.Breaker.Cooldown = cfg.Registry.Cooldown
	}

	eng := orchestrator.DefaultConfig()
	if sc.MaxConcurrentWorkflows > 0 {
		eng.MaxConcurrentWorkflows = sc.MaxConcurrentWorkflows
	}
	if sc.LevelCacheSize > 0 {
		eng.LevelCacheSize = sc.LevelCacheSize
	}
	if sc.EventBuffer > 0 {
		eng.EventBuffer = sc.EventBuffer
	}

	return components{scheduler: sched, dispatcher: disp, registry: reg, engine: eng}
}

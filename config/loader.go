// =============================================================================
// 📦 TaskFlow 配置加载器
// =============================================================================
// 默认值 → YAML 文件 → TASKFLOW_* 环境变量，后者覆盖前者。
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("taskflow.yaml").
//	    Strict().
//	    WithValidator((*config.Config).Validate).
//	    Load()
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 TaskFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Scheduler 调度器与引擎配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Dispatcher 任务分发配置
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`

	// Registry Agent 注册表配置
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Store 持久化后端选择
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Database 关系型数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Mongo 配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// NATS 事件发布配置
	NATS NATSConfig `yaml:"nats" env:"NATS"`

	// Auth 鉴权配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制，0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的 CORS 来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// TLS 证书与私钥，同时设置时 API 以 HTTPS 提供服务
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// 同时运行的工作流上限，其余按优先级排队
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows" env:"MAX_CONCURRENT_WORKFLOWS"`
	// 单个工作流默认并发度
	DefaultConcurrency int `yaml:"default_concurrency" env:"DEFAULT_CONCURRENCY"`
	// 找不到可用 Agent 时的重试上限
	DispatchRetryCeiling int `yaml:"dispatch_retry_ceiling" env:"DISPATCH_RETRY_CEILING"`
	// 重试退避基数
	BackoffBase time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	// 重试退避上限
	BackoffMax time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	// 退避策略: fixed, exponential, full_jitter, equal_jitter
	BackoffStrategy string `yaml:"backoff_strategy" env:"BACKOFF_STRATEGY"`
	// Agent 饱和时的重新检查间隔
	AdmissionRecheck time.Duration `yaml:"admission_recheck" env:"ADMISSION_RECHECK"`
	// 运行结束后写入终态的超时
	FinalizeTimeout time.Duration `yaml:"finalize_timeout" env:"FINALIZE_TIMEOUT"`
	// 层级缓存条目上限
	LevelCacheSize int `yaml:"level_cache_size" env:"LEVEL_CACHE_SIZE"`
	// 事件总线缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// DispatcherConfig 任务分发配置
type DispatcherConfig struct {
	// 任务默认超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// HTTP 执行器请求路径
	TaskPath string `yaml:"task_path" env:"TASK_PATH"`
	// 调用 Agent 时携带的 API Key
	AgentAPIKey string `yaml:"agent_api_key" env:"AGENT_API_KEY"`
}

// RegistryConfig Agent 注册表配置
type RegistryConfig struct {
	// 心跳超时，超过视为不可达
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	// 巡检间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 连续失败多少次后熔断
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断冷却时间
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	// 类型: memory, database, redis, mongo
	Type string `yaml:"type" env:"TYPE"`
	// 启动时自动建表（仅 database）
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// Redis key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
}

// NATSConfig NATS 配置
type NATSConfig struct {
	// 是否启用事件发布
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 服务器地址
	URL string `yaml:"url" env:"URL"`
	// 主题前缀，事件发布到 <prefix>.<event_type>
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 允许的 API Key
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT HMAC 密钥，为空时不接受 JWT
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	strict     bool
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "TASKFLOW"}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Strict 让配置文件中的未知键成为错误，避免拼写错误被静默忽略
func (l *Loader) Strict() *Loader {
	l.strict = true
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", l.configPath, err)
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFile 文件不存在时保留默认值，空文件同样视为没有覆盖
func (l *Loader) loadFile(cfg *Config) error {
	f, err := os.Open(l.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(l.strict)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

// applyEnv 按 env 标签拼出 PREFIX_SECTION_FIELD 并覆盖非空的变量，汇总所有解析错误
func applyEnv(v reflect.Value, prefix string) error {
	var errs []error
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			errs = append(errs, applyEnv(field, key))
			continue
		}
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		value, err := parseEnv(field.Type(), raw)
		if err == nil {
			err = assign(field, value)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// parseEnv 把字符串转成 assign 接受的值；切片按逗号分隔
func parseEnv(t reflect.Type, raw string) (any, error) {
	if t == durationType {
		return raw, nil
	}
	switch t.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.ParseInt(raw, 10, 64)
	case reflect.Float32, reflect.Float64:
		return strconv.ParseFloat(raw, 64)
	case reflect.Slice:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}

	// 验证调度配置
	if c.Scheduler.MaxConcurrentWorkflows <= 0 {
		errs = append(errs, "max_concurrent_workflows must be positive")
	}
	if c.Scheduler.DefaultConcurrency <= 0 {
		errs = append(errs, "default_concurrency must be positive")
	}
	if c.Scheduler.DispatchRetryCeiling <= 0 {
		errs = append(errs, "dispatch_retry_ceiling must be positive")
	}
	switch c.Scheduler.BackoffStrategy {
	case "", "fixed", "exponential", "full_jitter", "equal_jitter":
	default:
		errs = append(errs, fmt.Sprintf("unknown backoff_strategy %q", c.Scheduler.BackoffStrategy))
	}

	// 验证存储配置
	switch c.Store.Type {
	case "memory", "redis":
	case "database":
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, "mongo.uri is required for the mongo store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth is enabled but neither api_keys nor jwt_secret is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return pgDSN(map[string]string{
			"host":     d.Host,
			"port":     strconv.Itoa(d.Port),
			"user":     d.User,
			"password": d.Password,
			"dbname":   d.Name,
			"sslmode":  d.SSLMode,
		})
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		mc.DBName = d.Name
		mc.ParseTime = true
		return mc.FormatDSN()
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// pgDSN 生成 libpq 关键字格式，含空格或引号的值加单引号转义，空值省略
func pgDSN(kv map[string]string) string {
	keys := []string{"host", "port", "user", "password", "dbname", "sslmode"}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := kv[k]
		if v == "" {
			continue
		}
		if strings.ContainsAny(v, ` '\`) {
			v = "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

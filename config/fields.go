package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
)

// HotReloadableField 描述一个允许在运行时修改的配置项
type HotReloadableField struct {
	// Path 是 Go 字段路径，如 "Log.Level"
	Path        string
	Description string
	// RequiresRestart 为 true 时新值只写入配置，组件重启后才生效
	RequiresRestart bool
	// Sensitive 字段的值不出现在日志、变更记录与 API 响应中
	Sensitive bool
	// Validator 接收已转换为字段类型的值
	Validator func(value any) error
}

const redacted = "[REDACTED]"

// ErrUnknownField 字段未登记为可在运行时修改
var ErrUnknownField = errors.New("unknown configuration field")

// hotReloadableFields 是配置 API 可写字段的全集，未登记的字段只能改文件
var hotReloadableFields = newFieldRegistry(
	live("Log.Level", "Log level (debug, info, warn, error)", oneOf("debug", "info", "warn", "error")),
	live("Server.RateLimitRPS", "API requests per second per client, 0 disables limiting", nonNegative),
	live("Server.RateLimitBurst", "API request burst", nonNegative),

	restart("Log.Format", "Log format (json, console)", oneOf("json", "console")),
	restart("Server.HTTPPort", "HTTP server port", portNumber),
	restart("Server.MetricsPort", "Metrics server port, 0 disables", portNumber),
	restart("Server.ReadTimeout", "HTTP read timeout", positive),
	restart("Server.WriteTimeout", "HTTP write timeout", positive),
	restart("Scheduler.MaxConcurrentWorkflows", "Workflows allowed to run at once", positive),
	restart("Scheduler.DefaultConcurrency", "Default per-workflow concurrency", positive),
	restart("Scheduler.DispatchRetryCeiling", "Retries while no capable agent is available", positive),
	restart("Scheduler.BackoffStrategy", "Retry backoff strategy", oneOf("fixed", "exponential", "full_jitter", "equal_jitter")),
	restart("Dispatcher.DefaultTimeout", "Task timeout when a node sets none", positive),
	restart("Registry.HeartbeatTimeout", "Heartbeat age after which an agent is unreachable", positive),
	restart("Store.Type", "Persistence backend", oneOf("memory", "database", "redis", "mongo")),
	restart("Database.Host", "Database host", nil),
	restart("Database.Port", "Database port", portNumber),
	restart("Redis.Addr", "Redis address", nil),
	restart("NATS.URL", "NATS server URL", nil),
	restart("Telemetry.Enabled", "Enable tracing and OTLP metrics", nil),
	restart("Telemetry.SampleRate", "Trace sample ratio in [0, 1]", fraction),

	secret("Database.Password", "Database password"),
	secret("Redis.Password", "Redis password"),
	secret("Mongo.URI", "MongoDB connection URI"),
	secret("Auth.JWTSecret", "JWT signing secret"),
)

func newFieldRegistry(fields ...HotReloadableField) map[string]HotReloadableField {
	reg := make(map[string]HotReloadableField, len(fields))
	for _, f := range fields {
		reg[f.Path] = f
	}
	return reg
}

func live(path, desc string, v func(any) error) HotReloadableField {
	return HotReloadableField{Path: path, Description: desc, Validator: v}
}

func restart(path, desc string, v func(any) error) HotReloadableField {
	return HotReloadableField{Path: path, Description: desc, RequiresRestart: true, Validator: v}
}

func secret(path, desc string) HotReloadableField {
	return HotReloadableField{Path: path, Description: desc, RequiresRestart: true, Sensitive: true}
}

// GetHotReloadableFields 返回字段注册表副本
func GetHotReloadableFields() map[string]HotReloadableField {
	out := make(map[string]HotReloadableField, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		out[k] = v
	}
	return out
}

// IsHotReloadable 字段已登记且修改后立即生效
func IsHotReloadable(path string) bool {
	f, ok := hotReloadableFields[path]
	return ok && !f.RequiresRestart
}

// --- 校验器 ---

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		s, _ := v.(string)
		if !slices.Contains(allowed, s) {
			return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

func nonNegative(v any) error {
	if n, ok := number(v); ok && n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func positive(v any) error {
	if n, ok := number(v); ok && n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func portNumber(v any) error {
	if n, ok := number(v); ok && (n < 0 || n > 65535) {
		return fmt.Errorf("must be a port number")
	}
	return nil
}

func fraction(v any) error {
	if n, ok := number(v); ok && (n < 0 || n > 1) {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return float64(rv.Int()), true
	case rv.CanUint():
		return float64(rv.Uint()), true
	case rv.CanFloat():
		return rv.Float(), true
	}
	return 0, false
}

// --- 路径访问 ---

var durationType = reflect.TypeOf(time.Duration(0))

// lookupField 按点分路径定位结构体字段
func lookupField(root reflect.Value, path string) (reflect.Value, error) {
	v := root
	for _, part := range strings.Split(path, ".") {
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%s: not a struct at %q", path, part)
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return reflect.Value{}, fmt.Errorf("%s: no field %q", path, part)
		}
	}
	return v, nil
}

// assign 把 API 传入的值（JSON 解码后的 string/float64/bool/[]any）写入字段。
// time.Duration 接受 "30s" 形式的字符串或纳秒数。
func assign(dst reflect.Value, value any) error {
	if !dst.CanSet() {
		return fmt.Errorf("field is not settable")
	}
	src := reflect.ValueOf(value)
	if !src.IsValid() {
		return fmt.Errorf("value must not be null")
	}

	if dst.Type() == durationType {
		switch v := value.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", v, err)
			}
			dst.SetInt(int64(d))
			return nil
		case time.Duration:
			dst.SetInt(int64(v))
			return nil
		}
	}

	switch dst.Kind() {
	case reflect.String:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		dst.SetString(s)
	case reflect.Bool:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := number(value)
		if !ok || n != float64(int64(n)) {
			return fmt.Errorf("expected integer, got %v", value)
		}
		dst.SetInt(int64(n))
	case reflect.Float32, reflect.Float64:
		n, ok := number(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		dst.SetFloat(n)
	case reflect.Slice:
		if dst.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", dst.Type())
		}
		items, ok := value.([]any)
		if !ok {
			if ss, isStrings := value.([]string); isStrings {
				dst.Set(reflect.ValueOf(slices.Clone(ss)))
				return nil
			}
			return fmt.Errorf("expected list of strings, got %T", value)
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return fmt.Errorf("expected list of strings, got element %T", it)
			}
			out = append(out, s)
		}
		dst.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported field type %s", dst.Type())
	}
	return nil
}

// --- 脱敏视图 ---

// sensitiveWords 按字段名识别未登记的敏感字段（小写、去掉下划线后匹配）
var sensitiveWords = []string{"password", "secret", "token", "apikey"}

// sanitize 生成以 yaml 键命名的配置视图，敏感字段替换为占位符，时长以字符串表示
func sanitize(cfg *Config) map[string]any {
	return sanitizeStruct(reflect.ValueOf(cfg).Elem(), "")
}

func sanitizeStruct(v reflect.Value, prefix string) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		key, _, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			key = strings.ToLower(sf.Name)
		}
		path := sf.Name
		if prefix != "" {
			path = prefix + "." + sf.Name
		}

		fv := v.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			out[key] = sanitizeStruct(fv, path)
		case isSensitive(path):
			if !fv.IsZero() {
				out[key] = redacted
			} else {
				out[key] = fv.Interface()
			}
		case fv.Type() == durationType:
			out[key] = time.Duration(fv.Int()).String()
		default:
			out[key] = fv.Interface()
		}
	}
	return out
}

func isSensitive(path string) bool {
	if f, ok := hotReloadableFields[path]; ok {
		return f.Sensitive
	}
	name := path[strings.LastIndexByte(path, '.')+1:]
	name = strings.ReplaceAll(strings.ToLower(name), "_", "")
	for _, w := range sensitiveWords {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

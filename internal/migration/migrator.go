package migration

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // 注册纯 Go 的 "sqlite" 驱动
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// Tables 是 schema 建出的全部表，与 persistence.GormStore 的行模型对应
var Tables = []string{
	"workflow_definitions",
	"workflow_executions",
	"task_executions",
	"execution_events",
	"chain_executions",
}

// Dialect 是迁移文件与连接方式的方言
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect 接受常见别名，大小写不敏感
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database dialect %q", s)
}

func (d Dialect) valid() bool {
	return d == Postgres || d == MySQL || d == SQLite
}

// instance 把已打开的连接交给 golang-migrate。sqlite3 驱动只使用 *sql.DB，
// 与底层是哪个 sqlite 实现无关。
func (d Dialect) instance(db *sql.DB, table string) (database.Driver, error) {
	switch d {
	case Postgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case MySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case SQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	}
	return nil, fmt.Errorf("unsupported database dialect %q", d)
}

// Migration 是一个内嵌迁移及其在目标库中的状态
type Migration struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Dirty   bool   `json:"dirty,omitempty"`
}

// Summary 汇总目标库的迁移进度
type Summary struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Total   int  `json:"total"`
	Applied int  `json:"applied"`
	Pending int  `json:"pending"`
}

// Option 调整 Migrator
type Option func(*Migrator)

// WithLogger 设置日志，golang-migrate 的输出以 debug 级别转发
func WithLogger(l *zap.Logger) Option {
	return func(m *Migrator) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTable 设置版本表名，默认 schema_migrations
func WithTable(name string) Option {
	return func(m *Migrator) { m.table = name }
}

// WithLockTimeout 设置获取迁移锁的超时，默认 15s
func WithLockTimeout(d time.Duration) Option {
	return func(m *Migrator) { m.lockTimeout = d }
}

// Migrator 在一个数据库上执行内嵌迁移
type Migrator struct {
	dialect     Dialect
	table       string
	lockTimeout time.Duration
	logger      *zap.Logger

	db *sql.DB
	m  *migrate.Migrate
}

// Open 连接数据库并加载该方言的迁移文件
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Migrator, error) {
	if !dialect.valid() {
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}
	mg := &Migrator{
		dialect:     dialect,
		table:       "schema_migrations",
		lockTimeout: 15 * time.Second,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(mg)
	}
	mg.logger = mg.logger.With(zap.String("component", "migration"), zap.String("dialect", string(dialect)))

	if err := mg.connect(ctx, dsn); err != nil {
		if mg.db != nil {
			_ = mg.db.Close()
		}
		return nil, err
	}
	return mg, nil
}

func (mg *Migrator) connect(ctx context.Context, dsn string) error {
	var err error
	if mg.db, err = sql.Open(string(mg.dialect), dsn); err != nil {
		return fmt.Errorf("open %s: %w", mg.dialect, err)
	}
	if err := mg.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", mg.dialect, err)
	}
	target, err := mg.dialect.instance(mg.db, mg.table)
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, path.Join("migrations", string(mg.dialect)))
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	if mg.m, err = migrate.NewWithInstance("iofs", src, string(mg.dialect), target); err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	mg.m.LockTimeout = mg.lockTimeout
	mg.m.Log = migrateLog{mg.logger}
	return nil
}

// apply 执行一次迁移操作。ctx 取消时请求 golang-migrate 在当前文件结束后停止；
// 没有变更不算错误。
func (mg *Migrator) apply(ctx context.Context, op string, fn func(*migrate.Migrate) error) error {
	stop := context.AfterFunc(ctx, func() {
		select {
		case mg.m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	start := time.Now()
	err := fn(mg.m)
	changed := err == nil
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	mg.logger.Info("migration applied",
		zap.String("op", op),
		zap.Bool("changed", changed),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Up 应用全部待执行迁移
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.apply(ctx, "up", (*migrate.Migrate).Up)
}

// Down 回滚最近一个迁移
func (mg *Migrator) Down(ctx context.Context) error {
	return mg.Steps(ctx, -1)
}

// Reset 回滚全部迁移
func (mg *Migrator) Reset(ctx context.Context) error {
	return mg.apply(ctx, "reset", (*migrate.Migrate).Down)
}

// Steps 正数前进 n 个，负数回滚 n 个
func (mg *Migrator) Steps(ctx context.Context, n int) error {
	return mg.apply(ctx, "steps "+strconv.Itoa(n), func(m *migrate.Migrate) error { return m.Steps(n) })
}

// Goto 前进或回滚到指定版本
func (mg *Migrator) Goto(ctx context.Context, version uint) error {
	return mg.apply(ctx, fmt.Sprintf("goto %d", version), func(m *migrate.Migrate) error { return m.Migrate(version) })
}

// Force 只改写版本号而不执行 SQL，用于人工修复 dirty 状态；-1 清除版本
func (mg *Migrator) Force(_ context.Context, version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("migrate force %d: %w", version, err)
	}
	mg.logger.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Version 返回当前版本，未执行过任何迁移时为 0
func (mg *Migrator) Version(context.Context) (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("migrate version: %w", err)
	}
	return v, dirty, nil
}

// Status 列出每个内嵌迁移是否已应用
func (mg *Migrator) Status(ctx context.Context) ([]Migration, error) {
	current, dirty, err := mg.Version(ctx)
	if err != nil {
		return nil, err
	}
	list, err := embedded(mg.dialect)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Applied = list[i].Version <= current
		list[i].Dirty = dirty && list[i].Version == current
	}
	return list, nil
}

// Summary 汇总当前版本与已应用、待执行数量
func (mg *Migrator) Summary(ctx context.Context) (Summary, error) {
	list, err := mg.Status(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Total: len(list)}
	for _, m := range list {
		if !m.Applied {
			continue
		}
		s.Applied++
		s.Version = m.Version
		s.Dirty = m.Dirty
	}
	s.Pending = s.Total - s.Applied
	return s, nil
}

// Close 关闭迁移实例与底层连接
func (mg *Migrator) Close() error {
	if mg.m == nil {
		return nil
	}
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// embedded 解析 000001_init_schema.up.sql 形式的文件名，按版本升序返回
func embedded(d Dialect) ([]Migration, error) {
	if !d.valid() {
		return nil, fmt.Errorf("unsupported database dialect %q", d)
	}
	entries, err := fs.ReadDir(migrationsFS, path.Join("migrations", string(d)))
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if e.IsDir() || !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, Migration{Version: uint(v), Name: name})
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// migrateLog 适配 golang-migrate 的 Logger 接口
type migrateLog struct{ l *zap.Logger }

func (g migrateLog) Printf(format string, v ...any) {
	g.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g migrateLog) Verbose() bool { return g.l.Core().Enabled(zap.DebugLevel) }

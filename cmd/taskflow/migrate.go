package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/internal/migration"
)

// runMigrate 解析 taskflow migrate <subcommand> [args] [flags]
func runMigrate(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(os.Stdout)
		return 0
	}

	sub, positional, flags := splitMigrateArgs(args)

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(flags); err != nil {
		return 2
	}
	positional = append(positional, fs.Args()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	migrator, err := openMigrator(ctx, *configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	if err := cli.Run(ctx, append([]string{sub}, positional...)); err != nil {
		if errors.Is(err, migration.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			printMigrateUsage(os.Stderr)
			return 2
		}
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		return 1
	}
	return 0
}

// splitMigrateArgs 把子命令、位置参数与 --flag 分开，允许两者任意交错。
// "-1" 这样的负数视为位置参数（steps -1、force -1）。
func splitMigrateArgs(args []string) (sub string, positional, flags []string) {
	sub = args[0]
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if len(a) > 1 && a[0] == '-' && (a[1] < '0' || a[1] > '9') {
			flags = append(flags, a)
			// --flag value 形式
			if !strings.Contains(a, "=") && i+1 < len(rest) {
				flags = append(flags, rest[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return sub, positional, flags
}

// openMigrator 优先使用 --db-type 与 --db-url，否则读取配置文件与环境变量
func openMigrator(ctx context.Context, configPath, dbType, dbURL string) (*migration.Migrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		d, err := migration.ParseDialect(dbType)
		if err != nil {
			return nil, err
		}
		return migration.Open(ctx, d, dbURL, migration.WithLogger(logger))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	d, dsn, err := migration.DSN(cfg.Database)
	if err != nil {
		return nil, err
	}
	return migration.Open(ctx, d, dsn, migration.WithLogger(logger))
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  taskflow migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  reset       Roll back all migrations
  steps <n>   Apply n migrations, or roll back when n is negative
  status      List migrations and whether they are applied
  info        Summarize applied and pending migrations
  version     Show the current schema version
  goto <v>    Migrate up or down to version v
  force <v>   Set the version without running migrations (-1 clears it)

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite
  --db-url <url>      Database connection URL

Examples:
  taskflow migrate up --config /etc/taskflow/config.yaml
  taskflow migrate status --db-type sqlite --db-url file:taskflow.db
  taskflow migrate steps -1
  taskflow migrate force 1`)
}

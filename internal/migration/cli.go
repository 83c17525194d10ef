package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// ErrUsage 表示子命令或参数不合法，调用方应打印用法
var ErrUsage = errors.New("invalid migrate usage")

// Schema 是 CLI 需要的迁移操作，*Migrator 实现了它
type Schema interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Reset(ctx context.Context) error
	Steps(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]Migration, error)
	Summary(ctx context.Context) (Summary, error)
}

// CLI 为 taskflow migrate 子命令格式化终端输出
type CLI struct {
	schema Schema
	out    io.Writer
}

func NewCLI(s Schema) *CLI {
	return &CLI{schema: s, out: os.Stdout}
}

func (c *CLI) SetOutput(w io.Writer) { c.out = w }

// Run 执行 args[0] 指定的子命令，其余为位置参数
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "up":
		return c.change(ctx, "Applying pending migrations", c.schema.Up)
	case "down":
		return c.change(ctx, "Rolling back the last migration", c.schema.Down)
	case "reset":
		return c.change(ctx, "Rolling back all migrations", c.schema.Reset)
	case "steps":
		n, err := intArg(rest)
		if err != nil || n == 0 {
			return fmt.Errorf("%w: steps needs a non-zero integer", ErrUsage)
		}
		msg := fmt.Sprintf("Applying %d migration(s)", n)
		if n < 0 {
			msg = fmt.Sprintf("Rolling back %d migration(s)", -n)
		}
		return c.change(ctx, msg, func(ctx context.Context) error { return c.schema.Steps(ctx, n) })
	case "goto":
		v, err := intArg(rest)
		if err != nil || v < 0 {
			return fmt.Errorf("%w: goto needs a version", ErrUsage)
		}
		return c.change(ctx, fmt.Sprintf("Migrating to version %d", v),
			func(ctx context.Context) error { return c.schema.Goto(ctx, uint(v)) })
	case "force":
		v, err := intArg(rest)
		if err != nil || v < -1 {
			return fmt.Errorf("%w: force needs a version, -1 clears it", ErrUsage)
		}
		if err := c.schema.Force(ctx, v); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Version forced to %d\n", v)
		return nil
	case "version":
		return c.printVersion(ctx)
	case "status":
		return c.printStatus(ctx)
	case "info":
		return c.printSummary(ctx)
	}
	return fmt.Errorf("%w: unknown subcommand %q", ErrUsage, sub)
}

func intArg(args []string) (int, error) {
	if len(args) == 0 {
		return 0, ErrUsage
	}
	return strconv.Atoi(args[0])
}

// change 打印动作说明，执行后报告版本
func (c *CLI) change(ctx context.Context, what string, fn func(context.Context) error) error {
	fmt.Fprintln(c.out, what+"...")
	if err := fn(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx)
}

func (c *CLI) printVersion(ctx context.Context) error {
	v, dirty, err := c.schema.Version(ctx)
	if err != nil {
		return err
	}
	if v == 0 && !dirty {
		fmt.Fprintln(c.out, "No migrations applied.")
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d%s\n", v, dirtyMark(dirty))
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	list, err := c.schema.Status(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(c.out, "No migrations embedded.")
		return nil
	}

	applied := 0
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, m := range list {
		state := "pending"
		if m.Applied {
			applied++
			state = "applied"
		}
		if m.Dirty {
			state = "dirty"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", m.Version, m.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\n%d applied, %d pending\n", applied, len(list)-applied)
	return nil
}

func (c *CLI) printSummary(ctx context.Context) error {
	s, err := c.schema.Summary(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Version:\t%d%s\n", s.Version, dirtyMark(s.Dirty))
	fmt.Fprintf(w, "Applied:\t%d/%d\n", s.Applied, s.Total)
	fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	return w.Flush()
}

func dirtyMark(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 给 Migrator 套上面向终端的格式化输出，flowsmith-migrate
// 的各子命令直接落在这些方法上。
type CLI struct {
	m   Migrator
	out io.Writer
}

// NewCLI 创建写到标准输出的 CLI。
func NewCLI(m Migrator) *CLI {
	return &CLI{m: m, out: os.Stdout}
}

// SetOutput 重定向输出，测试用。
func (c *CLI) SetOutput(w io.Writer) { c.out = w }

func (c *CLI) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// finish 打印收尾行并附上当前版本号。
func (c *CLI) finish(ctx context.Context, msg string) error {
	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("%s Current version: %d\n", msg, info.CurrentVersion)
	return nil
}

// RunUp 应用全部待执行迁移。
func (c *CLI) RunUp(ctx context.Context) error {
	c.printf("Applying pending migrations...\n")
	if err := c.m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return c.finish(ctx, "Done.")
}

// RunDown 回滚最近一次迁移。
func (c *CLI) RunDown(ctx context.Context) error {
	c.printf("Rolling back last migration...\n")
	if err := c.m.Down(ctx); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return c.finish(ctx, "Done.")
}

// RunDownAll 回滚全部迁移。
func (c *CLI) RunDownAll(ctx context.Context) error {
	c.printf("Rolling back all migrations...\n")
	if err := c.m.DownAll(ctx); err != nil {
		return fmt.Errorf("roll back all migrations: %w", err)
	}
	c.printf("All migrations rolled back.\n")
	return nil
}

// RunSteps 前进或回退 n 个迁移。
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n > 0 {
		c.printf("Applying %d migration(s)...\n", n)
	} else {
		c.printf("Rolling back %d migration(s)...\n", -n)
	}
	if err := c.m.Steps(ctx, n); err != nil {
		return fmt.Errorf("step migrations: %w", err)
	}
	return c.finish(ctx, "Done.")
}

// RunGoto 迁移到指定版本。
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	c.printf("Migrating to version %d...\n", version)
	if err := c.m.Goto(ctx, version); err != nil {
		return fmt.Errorf("goto version %d: %w", version, err)
	}
	c.printf("Done. Current version: %d\n", version)
	return nil
}

// RunForce 强制设置版本号。
func (c *CLI) RunForce(ctx context.Context, version int) error {
	c.printf("Forcing version to %d...\n", version)
	if err := c.m.Force(ctx, version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	c.printf("Version forced to %d\n", version)
	return nil
}

// RunVersion 打印当前版本，未迁移过时给出提示。
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.m.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version == 0 {
		c.printf("No migrations applied yet.\n")
		return nil
	}
	if dirty {
		c.printf("Current version: %d (dirty)\n", version)
		return nil
	}
	c.printf("Current version: %d\n", version)
	return nil
}

// RunStatus 以表格列出每个迁移的应用状态并汇总计数。
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if len(statuses) == 0 {
		c.printf("No migrations found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	fmt.Fprintln(w, "-------\t--------\t-----")
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	w.Flush()

	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// RunInfo 打印迁移进度摘要。
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.m.Info(ctx)
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}

	c.printf("Migration Information:\n")
	c.printf("  Current Version:    %d\n", info.CurrentVersion)
	c.printf("  Dirty:              %v\n", info.Dirty)
	c.printf("  Total Migrations:   %d\n", info.TotalMigrations)
	c.printf("  Applied Migrations: %d\n", info.AppliedMigrations)
	c.printf("  Pending Migrations: %d\n", info.PendingMigrations)
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ekehi.network/internal/config"
	"ekehi.network/internal/migrate"
	"ekehi.network/internal/store/pg"
)

type migrateOptions struct {
	dsn     string
	dir     string
	timeout time.Duration
}

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (defaults to database.dsn)")
	cmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "read sql/ and seeds/ from this directory instead of the bundled set")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")

	actions := []struct {
		use, short string
		run        func(*migrate.Manager, context.Context) ([]string, error)
	}{
		{"up", "Apply pending migrations", (*migrate.Manager).Up},
		{"down", "Roll back the latest migration", func(m *migrate.Manager, ctx context.Context) ([]string, error) {
			name, err := m.Down(ctx)
			if name == "" {
				return nil, err
			}
			return []string{name}, err
		}},
		{"status", "List applied migrations", (*migrate.Manager).Status},
		{"seed", "Apply pending seed files", (*migrate.Manager).Seed},
	}
	for _, a := range actions {
		a := a
		cmd.AddCommand(&cobra.Command{
			Use:   a.use,
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, rootOpts, opts, a.use, a.run)
			},
		})
	}
	return cmd
}

func runMigrate(cmd *cobra.Command, rootOpts *RootOptions, opts *migrateOptions, action string, run func(*migrate.Manager, context.Context) ([]string, error)) error {
	dsn := opts.dsn
	if dsn == "" {
		cfg, err := config.Read(rootOpts.ConfigPath)
		if err != nil {
			return err
		}
		dsn = cfg.Database.DSN
	}
	if dsn == "" {
		return errors.New("missing DSN: provide --dsn, database.dsn or EKEHI_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	var mgr *migrate.Manager
	if opts.dir != "" {
		mgr = migrate.NewManager(store.DB(), os.DirFS(opts.dir))
	} else {
		mgr = migrate.NewManager(store.DB(), nil)
	}

	names, err := run(mgr, ctx)
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", action, err)
	}
	return nil
}

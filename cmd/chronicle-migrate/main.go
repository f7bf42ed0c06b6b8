// chronicle-migrate manages entity table schemas: versioned migration
// files via golang-migrate plus one-off DDL primitives that keep audit
// companions in lockstep.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/chroniclekit/chronicle/internal/config"
	"github.com/chroniclekit/chronicle/internal/logger"
	"github.com/chroniclekit/chronicle/internal/schema"
)

var (
	configPath string
	withAudit  bool
)

func main() {
	root := &cobra.Command{
		Use:           "chronicle-migrate",
		Short:         "Manage versioned entity table schemas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	root.PersistentFlags().BoolVar(&withAudit, "audit", true, "apply the change to the audit companion table as well")

	root.AddCommand(
		upCmd(),
		createTableCmd(),
		addColumnCmd(),
		dropColumnCmd(),
		addIndexCmd(),
		dropIndexCmd(),
		renameTableCmd(),
		versionCmd(),
		setVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withMigrator loads config, opens the backend and hands a migrator to fn,
// closing the adapter on every exit path.
func withMigrator(fn func(ctx context.Context, m *schema.Migrator) error) error {
	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	db, err := config.OpenAdapter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := schema.NewMigrator(db, log)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

// databaseURL renders the golang-migrate connection URL for the configured
// backend.
func databaseURL(cfg config.Config) (string, error) {
	switch cfg.Backend {
	case "postgres":
		pg := cfg.Postgres
		return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(pg.User), url.QueryEscape(pg.Password),
			pg.Host, pg.Port, pg.DBName, pg.SSLMode), nil
	case "mysql":
		my := cfg.MySQL
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s",
			url.QueryEscape(my.User), url.QueryEscape(my.Password),
			my.Host, my.Port, my.DBName), nil
	default:
		return "", fmt.Errorf("backend %s does not support migration files", cfg.Backend)
	}
}

func upCmd() *cobra.Command {
	var migrationsDir string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dbURL, err := databaseURL(cfg)
			if err != nil {
				return err
			}

			m, err := migrate.New("file://"+migrationsDir, dbURL)
			if err != nil {
				return fmt.Errorf("failed to open migrations: %w", err)
			}
			defer m.Close()

			if err := m.Up(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Println("No pending migrations")
					return nil
				}
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			fmt.Println("Migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&migrationsDir, "migrations", "./migrations", "directory of migration files")
	return cmd
}

// parseColumn reads a name:type[:nullable] column spec.
func parseColumn(spec string) (schema.Column, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return schema.Column{}, fmt.Errorf("invalid column spec %q, want name:type[:nullable]", spec)
	}
	col := schema.Column{Name: parts[0], Type: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "nullable" {
			return schema.Column{}, fmt.Errorf("invalid column modifier %q", parts[2])
		}
		col.Nullable = true
	}
	return col, nil
}

func createTableCmd() *cobra.Command {
	var columnSpecs []string
	cmd := &cobra.Command{
		Use:   "create-table <table>",
		Short: "Create an entity table with the audit columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			columns := make([]schema.Column, 0, len(columnSpecs))
			for _, spec := range columnSpecs {
				col, err := parseColumn(spec)
				if err != nil {
					return err
				}
				columns = append(columns, col)
			}
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.CreateTable(ctx, args[0], columns, withAudit); err != nil {
					return err
				}
				fmt.Printf("Created table %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&columnSpecs, "column", nil, "column spec name:type[:nullable], repeatable")
	return cmd
}

func addColumnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-column <table> <name:type[:nullable]>",
		Short: "Add a column to a table and its audit companion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := parseColumn(args[1])
			if err != nil {
				return err
			}
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.AddColumn(ctx, args[0], col, withAudit); err != nil {
					return err
				}
				fmt.Printf("Added column %s to %s\n", col.Name, args[0])
				return nil
			})
		},
	}
}

func dropColumnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-column <table> <column>",
		Short: "Drop a column from a table and its audit companion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.DropColumn(ctx, args[0], args[1], withAudit); err != nil {
					return err
				}
				fmt.Printf("Dropped column %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func addIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-index <table> <index> <column>...",
		Short: "Create an index",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.AddIndex(ctx, args[0], args[1], args[2:]...); err != nil {
					return err
				}
				fmt.Printf("Created index %s on %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func dropIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-index <table> <index>",
		Short: "Drop an index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.DropIndex(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Dropped index %s\n", args[1])
				return nil
			})
		},
	}
}

func renameTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename-table <from> <to>",
		Short: "Rename a table and its audit companion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.RenameTable(ctx, args[0], args[1], withAudit); err != nil {
					return err
				}
				fmt.Printf("Renamed table %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the recorded schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.EnsureVersionTable(ctx); err != nil {
					return err
				}
				version, err := m.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Schema version: %d\n", version)
				return nil
			})
		},
	}
}

func setVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-version <n>",
		Short: "Record the schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withMigrator(func(ctx context.Context, m *schema.Migrator) error {
				if err := m.EnsureVersionTable(ctx); err != nil {
					return err
				}
				if err := m.SetVersion(ctx, version); err != nil {
					return err
				}
				fmt.Printf("Schema version set to %d\n", version)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jrazmi/stratum/app/stratum/commands"
	"github.com/jrazmi/stratum/core/migrate"
	"github.com/jrazmi/stratum/infrastructure/postgresdb"
	"github.com/jrazmi/stratum/schema"
	"github.com/jrazmi/stratum/sdk/environment"
	"github.com/jrazmi/stratum/sdk/logger"
)

var build = "develop"
var appName = "STRATUM"

// Options represents the exportable CLI configuration.
type Options struct {
	Namespace      string   `env:"NAMESPACE" default:"main"`
	Tenants        []string `env:"TENANTS"`
	MigrationsDir  string   `env:"MIGRATIONS_DIR"`
	TenantParallel int      `env:"TENANT_PARALLELISM" default:"4"`
}

// source returns the migration source for a namespace. With MigrationsDir
// set, migrations load from disk; otherwise the embedded directories are
// used. Tenant namespaces all share the tenant template directory.
func (o Options) source(namespace string, tenant bool) migrate.Source {
	sub := namespace
	if tenant {
		sub = "tenant"
	}
	if o.MigrationsDir != "" {
		return migrate.DirSource{Dir: filepath.Join(o.MigrationsDir, sub)}
	}
	if tenant {
		return migrate.FSSource{FS: schema.MigrationsFS, Dir: schema.TenantDir}
	}
	return migrate.FSSource{FS: schema.MigrationsFS, Dir: schema.MainDir}
}

// createDir returns the on-disk directory the create command writes to.
func (o Options) createDir(namespace string) string {
	if o.MigrationsDir != "" {
		return filepath.Join(o.MigrationsDir, namespace)
	}
	return filepath.Join("schema", "pgmigrations", namespace)
}

func processCommands(ctx context.Context, log *logger.Logger, cfg Options, command string, args []string, pg *pgxpool.Pool) error {
	namespace := cfg.Namespace
	if len(args) > 0 && command != "create" {
		namespace = args[0]
	}

	switch command {
	case "migrate":
		return commands.Migrate(ctx, log, pg, namespace, cfg.source(namespace, false))

	case "migrate-tenants":
		return commands.MigrateTenants(ctx, log, pg, cfg.Tenants, cfg.TenantParallel, func(tenant string) migrate.Source {
			return cfg.source(tenant, true)
		})

	case "status":
		return commands.Status(ctx, log, pg, namespace, cfg.source(namespace, false))

	case "verify":
		return commands.Verify(ctx, log, pg, namespace, cfg.source(namespace, false))

	case "rollback":
		return commands.Rollback(ctx, log, pg, namespace, cfg.source(namespace, false))

	case "create":
		if len(args) == 0 {
			return fmt.Errorf("create requires a description")
		}
		return commands.Create(ctx, log, cfg.createDir(namespace), strings.Join(args, " "))

	default:
		printHelp()
		return nil
	}
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  migrate [namespace]   - apply pending migrations (default namespace: main)")
	fmt.Println("  migrate-tenants       - apply the tenant template to every configured tenant namespace")
	fmt.Println("  status [namespace]    - list applied and pending migrations")
	fmt.Println("  verify [namespace]    - check applied migrations against their recorded checksums")
	fmt.Println("  rollback [namespace]  - roll back the most recently applied migration")
	fmt.Println("  create <description>  - scaffold the next-version migration file pair")
	fmt.Println()
	fmt.Println("Configuration via STRATUM_* environment variables (see .env support).")
}

func run(ctx context.Context, log *logger.Logger) error {
	log.InfoContext(ctx, "startup", "build", build, "GOMAXPROCS", runtime.GOMAXPROCS(0))

	var command string
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "" || command == "help" || command == "--help" || command == "-h" {
		printHelp()
		return nil
	}

	var cfg Options
	if err := environment.ParseEnvTags(appName, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// The create command works purely on the filesystem.
	if command == "create" {
		return processCommands(ctx, log, cfg, command, os.Args[2:], nil)
	}

	pg, err := postgresdb.NewFromEnv(appName, postgresdb.WithLogger(log.Logger))
	if err != nil {
		return fmt.Errorf("configuring postgres support: %w", err)
	}
	defer func() {
		log.InfoContext(ctx, "shutdown", "status", "closing database connection")
		pg.Close()
	}()
	log.InfoContext(ctx, "init", "service", "postgres")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		args := []string{}
		if len(os.Args) > 2 {
			args = os.Args[2:]
		}
		done <- processCommands(ctx, log, cfg, command, args, pg)
	}()

	select {
	case err := <-done:
		return err

	case sig := <-shutdown:
		log.InfoContext(ctx, "shutdown", "status", "shutdown started", "signal", sig)

		// An in-flight migration transaction must finish or roll back
		// before the process exits.
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		select {
		case err := <-done:
			return err
		case <-shutdownCtx.Done():
			return fmt.Errorf("shutdown timeout: %w", shutdownCtx.Err())
		}
	}
}

func main() {
	_ = environment.LoadEnv()

	log, err := logger.NewFromEnv(appName)
	if err != nil {
		fmt.Println("could not configure logging:", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if err = run(ctx, log); err != nil {
		log.ErrorContext(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

// Package commands implements the stratum CLI commands.
package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/jrazmi/stratum/core/migrate"
	"github.com/jrazmi/stratum/infrastructure/postgresdb"
	"github.com/jrazmi/stratum/sdk/logger"
)

// Migrate applies all pending migrations for one namespace.
func Migrate(ctx context.Context, log *logger.Logger, pool *pgxpool.Pool, namespace string, source migrate.Source) error {
	if err := postgresdb.StatusCheck(ctx, pool); err != nil {
		return fmt.Errorf("status check database: %w", err)
	}

	gw, err := postgresdb.NewGateway(ctx, pool, postgresdb.WithGatewayLogger(log.Logger))
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close()

	runner := migrate.New(gw, namespace,
		migrate.WithSource(source),
		migrate.WithLogger(log.Logger),
	)

	entries, err := runner.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate namespace %s: %w", namespace, err)
	}

	log.InfoContext(ctx, "migration run complete", "namespace", namespace, "applied", len(entries))
	return nil
}

// MigrateTenants applies the tenant migration template to every tenant
// namespace. Namespaces have independent histories, so they run concurrently
// up to the given limit, each on its own gateway session. The first failing
// namespace cancels the rest.
func MigrateTenants(ctx context.Context, log *logger.Logger, pool *pgxpool.Pool, tenants []string, parallel int, sourceFor func(tenant string) migrate.Source) error {
	if len(tenants) == 0 {
		log.InfoContext(ctx, "no tenant namespaces configured")
		return nil
	}
	if parallel < 1 {
		parallel = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, tenant := range tenants {
		tenant := tenant
		g.Go(func() error {
			return Migrate(ctx, log, pool, tenant, sourceFor(tenant))
		})
	}

	return g.Wait()
}

package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jrazmi/stratum/core/migrate"
	"github.com/jrazmi/stratum/infrastructure/postgresdb"
	"github.com/jrazmi/stratum/sdk/logger"
)

// Status prints a namespace's applied and pending migrations.
func Status(ctx context.Context, log *logger.Logger, pool *pgxpool.Pool, namespace string, source migrate.Source) error {
	gw, err := postgresdb.NewGateway(ctx, pool, postgresdb.WithGatewayLogger(log.Logger))
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close()

	runner := migrate.New(gw, namespace,
		migrate.WithSource(source),
		migrate.WithLogger(log.Logger),
	)

	status, err := runner.Status(ctx)
	if err != nil {
		return fmt.Errorf("status namespace %s: %w", namespace, err)
	}

	fmt.Printf("namespace %s: %d applied, %d pending\n", status.Namespace, len(status.Applied), len(status.Pending))
	for _, e := range status.Applied {
		fmt.Printf("  %4d  %-44s  applied %s\n", e.Version, e.Name, e.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, p := range status.Pending {
		fmt.Printf("  %4d  %-44s  pending\n", p.Version, p.Name)
	}
	return nil
}

// Verify checks the integrity of every applied migration without applying
// anything.
func Verify(ctx context.Context, log *logger.Logger, pool *pgxpool.Pool, namespace string, source migrate.Source) error {
	gw, err := postgresdb.NewGateway(ctx, pool, postgresdb.WithGatewayLogger(log.Logger))
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close()

	runner := migrate.New(gw, namespace,
		migrate.WithSource(source),
		migrate.WithLogger(log.Logger),
	)

	if err := runner.Verify(ctx); err != nil {
		return fmt.Errorf("verify namespace %s: %w", namespace, err)
	}

	log.InfoContext(ctx, "ledger verified", "namespace", namespace)
	return nil
}

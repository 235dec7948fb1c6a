package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jrazmi/stratum/core/migrate"
	"github.com/jrazmi/stratum/infrastructure/postgresdb"
	"github.com/jrazmi/stratum/sdk/logger"
)

// Rollback rolls back the most recently applied migration in a namespace.
func Rollback(ctx context.Context, log *logger.Logger, pool *pgxpool.Pool, namespace string, source migrate.Source) error {
	gw, err := postgresdb.NewGateway(ctx, pool, postgresdb.WithGatewayLogger(log.Logger))
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close()

	runner := migrate.New(gw, namespace,
		migrate.WithSource(source),
		migrate.WithLogger(log.Logger),
	)

	entry, err := runner.Down(ctx)
	if err != nil {
		if errors.Is(err, migrate.ErrNothingToRollback) {
			log.InfoContext(ctx, "nothing to roll back", "namespace", namespace)
			return nil
		}
		return fmt.Errorf("rollback namespace %s: %w", namespace, err)
	}

	log.InfoContext(ctx, "rollback complete", "namespace", namespace, "version", entry.Version, "name", entry.Name)
	return nil
}

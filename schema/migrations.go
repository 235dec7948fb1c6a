// Package schema contains the embedded migration directories.
package schema

import "embed"

// MigrationsFS holds the built-in SQL migrations, one directory per
// namespace family: main is the shared namespace, tenant is the template
// applied to every tenant schema.
//
//go:embed pgmigrations
var MigrationsFS embed.FS

const (
	// MainDir is the migration directory for the shared main namespace.
	MainDir = "pgmigrations/main"

	// TenantDir is the migration directory applied to each tenant namespace.
	TenantDir = "pgmigrations/tenant"
)

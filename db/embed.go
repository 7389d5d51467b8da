// Package db embeds the checkout schema.
package db

import "embed"

// MigrationsDir is the directory of Migrations holding the SQL files.
const MigrationsDir = "migrations"

// Migrations holds idempotent DDL files. They are applied in name order on
// every start.
//
//go:embed migrations/*.sql
var Migrations embed.FS

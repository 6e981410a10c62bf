// Package db provides the embedded PostgreSQL migrations.
package db

import "embed"

// Migrations holds the versioned schema files in golang-migrate naming
// (NNNN_name.up.sql / NNNN_name.down.sql) under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

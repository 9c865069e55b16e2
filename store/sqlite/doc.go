// Package sqlite persists gatekeeper accounts, trusted devices, certificate
// access requests and global settings in a single SQLite file through the
// pure-Go modernc.org/sqlite driver.
//
// Schema changes live in migrations/*.sql and are applied by Open in file
// name order; applied files are recorded in schema_migrations.
//
// Empty strings and zero timestamps are stored as NULL so the unique indexes
// on tax id and fingerprints ignore unset values.
package sqlite

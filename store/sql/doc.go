// Package sqlstore implements the delivery, dead letter, idempotency and
// rate-limit window stores on bun for PostgreSQL and SQLite. Deduplication
// and retry claims are enforced by unique indexes and conditional updates,
// never by in-process locks.
package sqlstore

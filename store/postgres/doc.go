// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: a (run_id, seq) primary key guarding event appends, SKIP LOCKED
// message claims, a unique hook token constraint and embedded SQL
// migrations.
package postgres

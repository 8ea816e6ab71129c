// Package postgres implements the store interfaces on PostgreSQL using
// the pgx stdlib driver. Schema migrations live under migrations/ and
// are applied with goose.
package postgres

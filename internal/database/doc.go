// Package database builds the pgx connection pool for tick storage.
package database

// Package database provides bounded contexts for backend calls.
package database

import (
	"context"
	"time"
)

// Standard timeout durations for database operations
const (
	// DefaultQueryTimeout is the timeout for read queries
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout is the timeout for write operations
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout is the timeout for bulk operations and migrations
	DefaultBulkTimeout = 30 * time.Second
)

// Timeouts groups the per-operation deadlines used by a store.
// Zero fields fall back to the package defaults.
type Timeouts struct {
	Query time.Duration
	Write time.Duration
	Bulk  time.Duration
}

// QueryContext creates a context bounded by the query timeout.
// Use this for SELECT queries and read operations.
func (t Timeouts) QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Query, DefaultQueryTimeout))
}

// WriteContext creates a context bounded by the write timeout.
// Use this for INSERT, UPDATE, DELETE operations and short transactions.
func (t Timeouts) WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Write, DefaultWriteTimeout))
}

// BulkContext creates a context bounded by the bulk timeout.
// Use this for batch transactions and migrations.
func (t Timeouts) BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Bulk, DefaultBulkTimeout))
}

// QueryContext creates a context with DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return Timeouts{}.QueryContext(parent)
}

// WriteContext creates a context with DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return Timeouts{}.WriteContext(parent)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

package database

import (
	"context"
	"time"
)

// Statement deadlines for repository calls.
const (
	QueryTimeout = 5 * time.Second
	WriteTimeout = 10 * time.Second
	PurgeTimeout = 30 * time.Second
)

// QueryContext bounds a read by QueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, QueryTimeout)
}

// WriteContext bounds a write transaction, including its outbox append, by
// WriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, WriteTimeout)
}

// PurgeContext bounds retention deletes by PurgeTimeout.
func PurgeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, PurgeTimeout)
}

// withTimeout keeps a tighter deadline already set on parent.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) <= d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

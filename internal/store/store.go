// Package store defines the contract for the reactive JSON-tree database
// holding the global boop count and the per-client BPH ledgers. The core
// only depends on this interface; cmd wiring picks the concrete backend
// (Redis in production, the in-memory tree in tests and as a fallback).
package store

import (
	"context"
	"encoding/json"
)

// ChildFunc receives a child mutation under a subscribed path.
type ChildFunc func(key string, value json.RawMessage)

// ValueFunc receives the new value of a subscribed leaf.
type ValueFunc func(value json.RawMessage)

// Store is one authenticated handle onto the tree. All operations may fail
// transiently; callers restore their shadow state and retry on the next
// scheduled sync. Close releases subscriptions held by this handle only.
type Store interface {
	// Get reads the value at path. Missing paths return (nil, nil).
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes value at path, replacing whatever was there.
	Set(ctx context.Context, path string, value interface{}) error

	// Push appends value under path with a server-assigned key that is
	// unique and roughly time-ordered. Returns the assigned key.
	Push(ctx context.Context, path string, value interface{}) (string, error)

	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path string) error

	// AtomicAdd increments the numeric leaf at path by delta, creating it
	// at delta if absent. Returns the resulting value.
	AtomicAdd(ctx context.Context, path string, delta int64) (int64, error)

	// Subscribe registers child add/remove callbacks for path. Events for
	// children mutated through any handle of the same backend are
	// delivered. Returns an unsubscribe function.
	Subscribe(ctx context.Context, path string, onAdded, onRemoved ChildFunc) (func(), error)

	// SubscribeValue registers a callback for changes of the leaf at path.
	SubscribeValue(ctx context.Context, path string, onChange ValueFunc) (func(), error)

	// Close releases this handle's subscriptions.
	Close() error
}

// Connector opens authenticated handles. The token comes from the
// credential collaborator; how it is verified is backend-specific.
type Connector interface {
	Signin(ctx context.Context, token string) (Store, error)
}

// internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Value is a raw JSON document stored at a path. A nil Value means "absent".
type Value = json.RawMessage

// ErrUnavailable wraps backend failures that are worth retrying (network
// trouble, store restarting). Anything else is treated as permanent.
var ErrUnavailable = errors.New("store unavailable")

// UnsubscribeFunc detaches a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the narrow contract the coordination engine has with the shared
// state store. Paths are slash-separated (see room.Paths); values are JSON.
//
// Concurrency model: there is no compare-and-swap. Concurrent writers to the
// same path resolve last-write-wins. MultiWrite is atomic across its own
// paths only, never across clients. Subscriptions observe each path's writes
// in some total order.
type Store interface {
	// Get returns the value at path, or nil if absent.
	Get(ctx context.Context, path string) (Value, error)

	// Set marshals v as JSON and writes it at path. A nil v deletes the path.
	Set(ctx context.Context, path string, v interface{}) error

	// MultiWrite applies every entry atomically: non-nil values are written,
	// nil values delete their paths. All-or-nothing within this call.
	MultiWrite(ctx context.Context, writes map[string]interface{}) error

	// Subscribe invokes fn with the current value immediately, then again on
	// every subsequent change at path (nil on delete).
	Subscribe(ctx context.Context, path string, fn func(Value)) (UnsubscribeFunc, error)

	// SubscribePrefix invokes fn with every existing (path, value) under
	// prefix immediately, then on every change to any path under it.
	SubscribePrefix(ctx context.Context, prefix string, fn func(path string, v Value)) (UnsubscribeFunc, error)

	// ListPrefix returns a snapshot of all paths under prefix and their values.
	ListPrefix(ctx context.Context, prefix string) (map[string]Value, error)
}

// DisconnectRegistry is the dead-man's-switch side of the store: writes
// registered against a session ID are committed when that session's
// transport drops, independent of any further client code running. The
// transport layer (the websocket handler) owns firing.
type DisconnectRegistry interface {
	// SetOnDisconnect registers a write (or delete, for nil v) to be applied
	// when session disconnects. Re-registering the same (session, path)
	// replaces the pending value.
	SetOnDisconnect(session, path string, v interface{}) error

	// CancelOnDisconnect drops all pending writes for session. Used on clean
	// leave, where the normal code path performs its own cleanup.
	CancelOnDisconnect(session string)

	// FireDisconnect applies all pending writes for session and clears them.
	FireDisconnect(ctx context.Context, session string)
}

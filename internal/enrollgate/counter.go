package enrollgate

import (
	"context"
	"time"
)

// CounterSnapshot is a point-in-time read of the registration counter.
// Count may transiently exceed Limit after an administrator lowers the
// limit below the number of already-provisioned accounts; existing
// accounts are never forcibly removed.
type CounterSnapshot struct {
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// CounterStore owns the single persisted registration-counter record.
// All mutation goes through these operations; no other component
// touches the underlying storage. Increment and Decrement must be
// atomic under concurrent callers (the arithmetic is evaluated by the
// store itself, never read-then-write from the caller), and Decrement
// floors at zero. Every storage-communication failure wraps
// ErrStoreUnavailable, which callers treat as "closed for new
// admissions".
type CounterStore interface {
	ReadCountAndLimit(ctx context.Context) (CounterSnapshot, error)
	Increment(ctx context.Context) error
	Decrement(ctx context.Context) error
	UpdateLimit(ctx context.Context, newLimit int) error
	Close() error
}

type counterPinger interface {
	Ping(ctx context.Context) error
}

// PingCounterStore probes store reachability where the backend
// supports it, falling back to a snapshot read. The result is
// advisory only.
func PingCounterStore(ctx context.Context, store CounterStore) error {
	if store == nil {
		return ErrStoreUnavailable
	}
	if pinger, ok := store.(counterPinger); ok {
		return pinger.Ping(ctx)
	}
	_, err := store.ReadCountAndLimit(ctx)
	return err
}

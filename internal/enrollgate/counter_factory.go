package enrollgate

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildCounterStoreFromDSN selects a counter backend by DSN scheme.
// An empty or memory DSN yields the in-process store; registered
// custom factories take precedence over the built-in schemes.
func BuildCounterStoreFromDSN(dsn string, defaultLimit int) (CounterStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryCounterStore(defaultLimit), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupCounterStoreFactory(scheme); ok {
		return factory(dsn, defaultLimit)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewInMemoryCounterStore(defaultLimit), nil
	case "postgres", "postgresql":
		return NewPostgresCounterStore(dsn, defaultLimit)
	case "redis", "rediss":
		return NewRedisCounterStore(dsn, defaultLimit)
	default:
		return nil, fmt.Errorf("unsupported counter store scheme: %s", scheme)
	}
}

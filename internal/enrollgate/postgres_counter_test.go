package enrollgate

import (
	"context"
	"os"
	"sync"
	"testing"
)

func TestPostgresQuoteIdentifier(t *testing.T) {
	cases := map[string]string{
		"registration_counter": `"registration_counter"`,
		`weird"name`:           `"weird""name"`,
		"":                     `""`,
		"  padded  ":           `"padded"`,
	}
	for input, want := range cases {
		if got := postgresQuoteIdentifier(input); got != want {
			t.Fatalf("postgresQuoteIdentifier(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestNewPostgresCounterStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresCounterStore("", 100); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostgresCounterStoreIntegration(t *testing.T) {
	dsn := os.Getenv("ENROLLGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set ENROLLGATE_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	store, err := NewPostgresCounterStore(dsn, 50)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	base, err := store.ReadCountAndLimit(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Increment(ctx); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	afterIncrement, err := store.ReadCountAndLimit(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if afterIncrement.Count != base.Count+n {
		t.Fatalf("expected count %d after %d concurrent increments, got %d", base.Count+n, n, afterIncrement.Count)
	}

	// Drain past zero to verify the floor.
	for i := 0; i < afterIncrement.Count+3; i++ {
		if err := store.Decrement(ctx); err != nil {
			t.Fatalf("decrement: %v", err)
		}
	}
	floored, err := store.ReadCountAndLimit(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if floored.Count != 0 {
		t.Fatalf("expected floor at 0, got %d", floored.Count)
	}

	if err := store.UpdateLimit(ctx, 75); err != nil {
		t.Fatalf("update limit: %v", err)
	}
	updated, err := store.ReadCountAndLimit(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if updated.Limit != 75 {
		t.Fatalf("expected limit 75, got %d", updated.Limit)
	}
}

func TestPostgresCounterStoreSeedPreservesCount(t *testing.T) {
	dsn := os.Getenv("ENROLLGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set ENROLLGATE_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	ctx := context.Background()

	first, err := NewPostgresCounterStore(dsn, 50)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := first.Increment(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	before, err := first.ReadCountAndLimit(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = first.Close()

	// A second process starting with a different configured limit must
	// keep the count and take the new limit.
	second, err := NewPostgresCounterStore(dsn, 90)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer second.Close()
	after, err := second.ReadCountAndLimit(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if after.Count != before.Count {
		t.Fatalf("restart must preserve count: before=%d after=%d", before.Count, after.Count)
	}
	if after.Limit != 90 {
		t.Fatalf("restart must apply configured limit, got %d", after.Limit)
	}
}

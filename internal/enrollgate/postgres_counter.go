package enrollgate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCounterTableName        = "registration_counter"
	postgresCounterKey              = "default"
	postgresCounterOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCounterStore persists the counter as a single row and pushes
// all arithmetic into server-evaluated update expressions, so two
// simultaneous increments are both reflected without any client-side
// read-modify-write.
type PostgresCounterStore struct {
	dsn          string
	tableName    string
	counterKey   string
	defaultLimit int
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCounterStore(dsn string, defaultLimit int) (*PostgresCounterStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if defaultLimit < 0 {
		defaultLimit = 0
	}
	return &PostgresCounterStore{
		dsn:          dsn,
		tableName:    postgresCounterTableName,
		counterKey:   postgresCounterKey,
		defaultLimit: defaultLimit,
		openDB:       sql.Open,
	}, nil
}

func (s *PostgresCounterStore) ReadCountAndLimit(ctx context.Context) (CounterSnapshot, error) {
	if s == nil {
		return CounterSnapshot{}, ErrStoreUnavailable
	}
	if err := s.ensureReady(); err != nil {
		return CounterSnapshot{}, storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresCounterOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT account_count, account_limit, updated_at FROM %s WHERE counter_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var snapshot CounterSnapshot
	err := s.db.QueryRowContext(ctx, query, s.counterKey).Scan(&snapshot.Count, &snapshot.Limit, &snapshot.LastUpdated)
	if err != nil {
		return CounterSnapshot{}, storeFailure(err)
	}
	return snapshot, nil
}

func (s *PostgresCounterStore) Increment(ctx context.Context) error {
	query := fmt.Sprintf(
		"UPDATE %s SET account_count = account_count + 1, updated_at = NOW() WHERE counter_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	return s.exec(ctx, query)
}

func (s *PostgresCounterStore) Decrement(ctx context.Context) error {
	query := fmt.Sprintf(
		"UPDATE %s SET account_count = GREATEST(account_count - 1, 0), updated_at = NOW() WHERE counter_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	return s.exec(ctx, query)
}

func (s *PostgresCounterStore) UpdateLimit(ctx context.Context, newLimit int) error {
	if newLimit < 0 {
		return ErrInvalidInput
	}
	if s == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureReady(); err != nil {
		return storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresCounterOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET account_limit = $2, updated_at = NOW() WHERE counter_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	if _, err := s.db.ExecContext(ctx, query, s.counterKey, newLimit); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *PostgresCounterStore) Ping(ctx context.Context) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureReady(); err != nil {
		return storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresCounterOperationTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *PostgresCounterStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCounterStore) exec(ctx context.Context, query string) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureReady(); err != nil {
		return storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresCounterOperationTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, s.counterKey); err != nil {
		return storeFailure(err)
	}
	return nil
}

// ensureReady opens the pool and performs the idempotent first-start
// initialization: the row is inserted once with count zero, and a
// racing second process lands on the ON CONFLICT branch, which
// preserves the existing count and reconciles the limit to the
// configured value (last writer wins on limit).
func (s *PostgresCounterStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresCounterOperationTimeout)
		defer cancel()

		createQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				counter_key TEXT PRIMARY KEY,
				account_count INTEGER NOT NULL CHECK (account_count >= 0),
				account_limit INTEGER NOT NULL CHECK (account_limit >= 0),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}

		seedQuery := fmt.Sprintf(`
			INSERT INTO %s (counter_key, account_count, account_limit, updated_at)
			VALUES ($1, 0, $2, NOW())
			ON CONFLICT (counter_key)
			DO UPDATE SET account_limit = EXCLUDED.account_limit, updated_at = NOW()`,
			postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, seedQuery, s.counterKey, s.defaultLimit); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func storeFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// Package store implements the Postgres persistence layer: typed
// repositories per entity plus the two primitives higher layers build on,
// WithTx and AtomicIncrement.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/config"
)

// Sentinel errors shared across repositories.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicate         = errors.New("duplicate")
)

// counterFields is the closed set of instance counter columns. Field names
// reach SQL by interpolation, so they must never come from user input.
var counterFields = map[string]bool{
	"total_enrolled":  true,
	"total_sent":      true,
	"total_delivered": true,
	"total_opened":    true,
	"total_clicked":   true,
	"total_replied":   true,
}

// Store wraps the database handle and exposes entity repositories.
type Store struct {
	db *sql.DB

	Templates   *TemplateRepo
	Instances   *InstanceRepo
	Enrollments *EnrollmentRepo
	Events      *EventRepo
	Orphans     *OrphanRepo
	RateLimits  *RateLimitRepo
	DLQ         *DLQRepo
	Videos      *VideoRepo
}

// Open connects to Postgres and verifies the connection.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(db), nil
}

// New builds a Store around an existing handle. Used by tests with sqlmock.
func New(db *sql.DB) *Store {
	s := &Store{db: db}
	s.Templates = &TemplateRepo{db: db}
	s.Instances = &InstanceRepo{db: db}
	s.Enrollments = &EnrollmentRepo{db: db}
	s.Events = &EventRepo{db: db}
	s.Orphans = &OrphanRepo{db: db}
	s.RateLimits = &RateLimitRepo{db: db}
	s.DLQ = &DLQRepo{db: db}
	s.Videos = &VideoRepo{db: db}
	return s
}

// DB exposes the raw handle for components that manage their own queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Execer is the subset of sql.DB/sql.Tx used by repository writes, so the
// same method works inside and outside a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// WithTx runs fn inside a read-committed transaction. The transaction is
// committed when fn returns nil and rolled back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// AtomicIncrement bumps one instance counter with a SQL-side increment and
// returns the new value. It must never be replaced by a read-modify-write:
// the database's row lock is what makes concurrent increments compose.
func (s *Store) AtomicIncrement(ctx context.Context, ex Execer, instanceID, field string, delta int) (int, error) {
	if !counterFields[field] {
		return 0, fmt.Errorf("unknown counter field %q", field)
	}
	if ex == nil {
		ex = s.db
	}
	var value int
	q := fmt.Sprintf(`
		UPDATE campaign_instances
		SET %s = %s + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING %s
	`, field, field, field)
	err := ex.QueryRowContext(ctx, q, delta, instanceID).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", field, err)
	}
	return value, nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Unique violations are a normal signal (dedup, double-enroll),
// not an error to log.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// IsTransient reports whether err looks like a connection-level failure
// worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. Class 40: serialization/deadlock.
		return pqErr.Code.Class() == "08" || pqErr.Code.Class() == "40"
	}
	return false
}

// nullStr converts an optional string pointer to sql.NullString.
func nullStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// strPtr converts a NullString back to an optional pointer.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// timePtr converts a NullTime back to an optional pointer.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

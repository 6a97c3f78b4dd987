package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
)

// RateLimitRepo maintains the per-account LinkedIn daily action ledger.
// All mutation happens under a row lock so concurrent scheduler workers
// cannot overshoot a cap.
type RateLimitRepo struct{ db *sql.DB }

// CapReachedError reports a daily cap hit along with when the window resets.
type CapReachedError struct {
	Account  string
	Action   domain.LinkedInAction
	Used     int
	Cap      int
	ResetsAt time.Time
}

func (e *CapReachedError) Error() string {
	return fmt.Sprintf("daily %s cap reached for %s (%d/%d)", e.Action, e.Account, e.Used, e.Cap)
}

// LocalDay computes the account's current calendar day and next local
// midnight. "Today" is always computed at action time, never cached.
func LocalDay(now time.Time, tz string) (day string, nextMidnight time.Time, err error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	local := now.In(loc)
	day = local.Format("2006-01-02")
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return day, midnight, nil
}

// Reserve acquires the ledger row for (account, today-in-tz) under a row
// lock, checks the action's cap, and increments on success. The caller must
// run it inside a transaction; the increment is only visible if the caller
// commits. Returns *CapReachedError when the cap is already consumed.
func (r *RateLimitRepo) Reserve(ctx context.Context, tx *sql.Tx, account, tz string, action domain.LinkedInAction, limit int, now time.Time) error {
	if limit <= 0 {
		return nil
	}
	col := action.LedgerColumn()
	if col == "" {
		return fmt.Errorf("unknown linkedin action %q", action)
	}

	day, nextMidnight, err := LocalDay(now, tz)
	if err != nil {
		return err
	}

	// Ensure the row exists, then lock it. The upsert is a no-op when the
	// row is already there.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO linkedin_rate_limits (account_identifier, timezone, date)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_identifier, date) DO NOTHING
	`, account, tz, day); err != nil {
		return fmt.Errorf("ensure ledger row: %w", err)
	}

	var used int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM linkedin_rate_limits
		WHERE account_identifier = $1 AND date = $2
		FOR UPDATE
	`, col), account, day).Scan(&used)
	if err != nil {
		return fmt.Errorf("lock ledger row: %w", err)
	}

	if used >= limit {
		return &CapReachedError{Account: account, Action: action, Used: used, Cap: limit, ResetsAt: nextMidnight}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE linkedin_rate_limits
		SET %s = %s + 1, updated_at = NOW()
		WHERE account_identifier = $1 AND date = $2
	`, col, col), account, day); err != nil {
		return fmt.Errorf("increment ledger: %w", err)
	}
	return nil
}

// Usage returns the account's ledger row for its current local day.
func (r *RateLimitRepo) Usage(ctx context.Context, account, tz string, now time.Time) (*domain.LinkedInRateLimit, error) {
	day, _, err := LocalDay(now, tz)
	if err != nil {
		return nil, err
	}
	l := &domain.LinkedInRateLimit{}
	err = r.db.QueryRowContext(ctx, `
		SELECT account_identifier, timezone, date::text, connections_sent, messages_sent, profile_visits, updated_at
		FROM linkedin_rate_limits
		WHERE account_identifier = $1 AND date = $2
	`, account, day).Scan(&l.AccountIdentifier, &l.Timezone, &l.Date,
		&l.ConnectionsSent, &l.MessagesSent, &l.ProfileVisits, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return &domain.LinkedInRateLimit{AccountIdentifier: account, Timezone: tz, Date: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger usage: %w", err)
	}
	return l, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrations is the ordered DDL applied by cmd/migrate. Statements are
// idempotent so the migrator can re-run safely.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS campaign_templates (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		path_type TEXT NOT NULL DEFAULT 'structured',
		settings JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS campaign_instances (
		id UUID PRIMARY KEY,
		template_id UUID NOT NULL REFERENCES campaign_templates(id),
		status TEXT NOT NULL DEFAULT 'draft',
		provider_config JSONB NOT NULL DEFAULT '{}',
		total_enrolled INTEGER NOT NULL DEFAULT 0 CHECK (total_enrolled >= 0),
		total_sent INTEGER NOT NULL DEFAULT 0 CHECK (total_sent >= 0),
		total_delivered INTEGER NOT NULL DEFAULT 0 CHECK (total_delivered >= 0),
		total_opened INTEGER NOT NULL DEFAULT 0 CHECK (total_opened >= 0),
		total_clicked INTEGER NOT NULL DEFAULT 0 CHECK (total_clicked >= 0),
		total_replied INTEGER NOT NULL DEFAULT 0 CHECK (total_replied >= 0),
		daily_send_cap INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		paused_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS campaign_enrollments (
		id UUID PRIMARY KEY,
		instance_id UUID NOT NULL REFERENCES campaign_instances(id),
		contact_id UUID NOT NULL,
		status TEXT NOT NULL DEFAULT 'enrolled',
		current_step INTEGER NOT NULL DEFAULT 0,
		next_action_at TIMESTAMPTZ,
		provider_message_id TEXT,
		provider_action_id TEXT,
		account_identifier TEXT NOT NULL DEFAULT '',
		account_timezone TEXT NOT NULL DEFAULT 'UTC',
		send_attempts INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}',
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		unsubscribed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (instance_id, contact_id)
	)`,

	// Due-enrollment scan path for the scheduler.
	`CREATE INDEX IF NOT EXISTS idx_enrollments_due
		ON campaign_enrollments (next_action_at)
		WHERE status = 'active' AND next_action_at IS NOT NULL`,

	// Correlation path for webhook events.
	`CREATE INDEX IF NOT EXISTS idx_enrollments_provider_message
		ON campaign_enrollments (provider_message_id)
		WHERE provider_message_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS campaign_events (
		id UUID PRIMARY KEY,
		enrollment_id UUID REFERENCES campaign_enrollments(id),
		instance_id UUID REFERENCES campaign_instances(id),
		event_type TEXT NOT NULL,
		channel TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		provider_event_id TEXT,
		provider_message_id TEXT,
		step_number INTEGER,
		metadata JSONB NOT NULL DEFAULT '{}',
		video_id TEXT,
		video_url TEXT,
		video_status TEXT,
		video_duration INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// The dedup primitive: partial unique where the provider event id is set.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_provider_event_id
		ON campaign_events (provider_event_id)
		WHERE provider_event_id IS NOT NULL`,

	`CREATE INDEX IF NOT EXISTS idx_events_channel_type
		ON campaign_events (channel, event_type)`,

	`CREATE INDEX IF NOT EXISTS idx_events_enrollment_type
		ON campaign_events (enrollment_id, event_type)`,

	`CREATE TABLE IF NOT EXISTS campaign_event_orphans (
		id UUID PRIMARY KEY,
		provider TEXT NOT NULL,
		channel TEXT NOT NULL,
		provider_message_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_orphans_due
		ON campaign_event_orphans (next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS linkedin_rate_limits (
		account_identifier TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		date DATE NOT NULL,
		connections_sent INTEGER NOT NULL DEFAULT 0 CHECK (connections_sent >= 0),
		messages_sent INTEGER NOT NULL DEFAULT 0 CHECK (messages_sent >= 0),
		profile_visits INTEGER NOT NULL DEFAULT 0 CHECK (profile_visits >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_identifier, date)
	)`,

	`CREATE TABLE IF NOT EXISTS dead_letter_events (
		id UUID PRIMARY KEY,
		event_data JSONB NOT NULL,
		failure_reason TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		first_attempted_at TIMESTAMPTZ NOT NULL,
		last_attempted_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'failed',
		replayed_at TIMESTAMPTZ,
		event_type TEXT,
		channel TEXT,
		provider TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letter_events (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS video_generations (
		id UUID PRIMARY KEY,
		provider_video_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		enrollment_id UUID REFERENCES campaign_enrollments(id),
		instance_id UUID REFERENCES campaign_instances(id),
		video_url TEXT,
		thumbnail_url TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		cost_credits NUMERIC,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_videos_pending
		ON video_generations (created_at)
		WHERE status IN ('pending', 'processing')`,
}

// Migrate applies all migrations in order.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

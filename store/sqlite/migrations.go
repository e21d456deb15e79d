package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store (SQLite).
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_events",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_events (
    event_id      TEXT PRIMARY KEY,
    customer_id   TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    occurred_at   TEXT NOT NULL,
    sequence_hint INTEGER NOT NULL DEFAULT 0,
    source        TEXT NOT NULL DEFAULT 'provider',
    payload       TEXT NOT NULL DEFAULT '{}',
    received_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entitle_events_customer ON entitle_events (customer_id, received_at);
CREATE INDEX IF NOT EXISTS idx_entitle_events_received ON entitle_events (received_at, event_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_records",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_records (
    event_id             TEXT PRIMARY KEY REFERENCES entitle_events (event_id),
    customer_id          TEXT NOT NULL,
    outcome              TEXT NOT NULL,
    reason               TEXT NOT NULL DEFAULT '',
    subscription_version INTEGER NOT NULL DEFAULT 0,
    processed_at         TEXT NOT NULL DEFAULT (datetime('now')),
    first_seen_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entitle_records_customer ON entitle_records (customer_id, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_entitle_records_deferred ON entitle_records (first_seen_at) WHERE outcome = 'deferred';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_records`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_subscriptions",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_subscriptions (
    customer_id           TEXT PRIMARY KEY,
    lineage               TEXT NOT NULL,
    tier                  TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL,
    version               INTEGER NOT NULL DEFAULT 0,
    last_applied_event_id TEXT NOT NULL DEFAULT '',
    last_sequence         INTEGER NOT NULL DEFAULT 0,
    effective_since       TEXT NOT NULL,
    grace_deadline        TEXT,
    provider_ref          TEXT NOT NULL DEFAULT '',
    created_at            TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at            TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entitle_subscriptions_status ON entitle_subscriptions (status, customer_id);
CREATE INDEX IF NOT EXISTS idx_entitle_subscriptions_grace ON entitle_subscriptions (grace_deadline) WHERE status = 'past_due';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_entitlement_sets",
			Version: "20260301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_entitlement_sets (
    id                   TEXT PRIMARY KEY,
    customer_id          TEXT NOT NULL,
    lineage              TEXT NOT NULL,
    subscription_version INTEGER NOT NULL,
    config_version       TEXT NOT NULL DEFAULT '',
    tier                 TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    capabilities         TEXT NOT NULL DEFAULT '[]',
    quotas               TEXT NOT NULL DEFAULT '{}',
    support_level        TEXT NOT NULL DEFAULT '',
    computed_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_sets_key ON entitle_entitlement_sets (customer_id, lineage, subscription_version);
CREATE INDEX IF NOT EXISTS idx_entitle_sets_latest ON entitle_entitlement_sets (customer_id, computed_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_entitlement_sets`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_notifications",
			Version: "20260301000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_notifications (
    id                   TEXT PRIMARY KEY,
    customer_id          TEXT NOT NULL,
    sink                 TEXT NOT NULL,
    lineage              TEXT NOT NULL,
    subscription_version INTEGER NOT NULL,
    entitlements         TEXT,
    status               TEXT NOT NULL DEFAULT 'pending',
    attempts             INTEGER NOT NULL DEFAULT 0,
    last_error           TEXT NOT NULL DEFAULT '',
    next_attempt_at      TEXT,
    delivered_at         TEXT,
    created_at           TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entitle_notifications_customer ON entitle_notifications (customer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entitle_notifications_queued ON entitle_notifications (created_at) WHERE status IN ('pending', 'retrying');
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_notifications`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_divergences",
			Version: "20260301000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_divergences (
    customer_id         TEXT PRIMARY KEY,
    id                  TEXT NOT NULL,
    local_tier          TEXT NOT NULL DEFAULT '',
    local_status        TEXT NOT NULL DEFAULT '',
    local_version       INTEGER NOT NULL DEFAULT 0,
    local_updated_at    TEXT NOT NULL,
    provider_tier       TEXT NOT NULL DEFAULT '',
    provider_status     TEXT NOT NULL DEFAULT '',
    provider_updated_at TEXT NOT NULL,
    cycles              INTEGER NOT NULL DEFAULT 0,
    reported            INTEGER NOT NULL DEFAULT 0,
    reported_at         TEXT,
    reason              TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entitle_divergences_reported ON entitle_divergences (reported, customer_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_divergences`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "add_entitle_record_lineage",
			Version: "20261001000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
ALTER TABLE entitle_records ADD COLUMN lineage TEXT NOT NULL DEFAULT '';
ALTER TABLE entitle_records ADD COLUMN grace_deadline TEXT;

CREATE INDEX IF NOT EXISTS idx_entitle_records_lineage ON entitle_records (customer_id, lineage) WHERE outcome = 'applied';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP INDEX IF EXISTS idx_entitle_records_lineage;
ALTER TABLE entitle_records DROP COLUMN grace_deadline;
ALTER TABLE entitle_records DROP COLUMN lineage;
`)
				return err
			},
		},
	)
}

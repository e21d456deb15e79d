package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store.
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
    occurred_at   TIMESTAMPTZ NOT NULL,
    sequence_hint BIGINT NOT NULL DEFAULT 0,
    source        TEXT NOT NULL DEFAULT 'provider',
    payload       JSONB NOT NULL DEFAULT '{}',
    received_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    subscription_version BIGINT NOT NULL DEFAULT 0,
    processed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    first_seen_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    version               BIGINT NOT NULL DEFAULT 0,
    last_applied_event_id TEXT NOT NULL DEFAULT '',
    last_sequence         BIGINT NOT NULL DEFAULT 0,
    effective_since       TIMESTAMPTZ NOT NULL,
    grace_deadline        TIMESTAMPTZ,
    provider_ref          TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    subscription_version BIGINT NOT NULL,
    config_version       TEXT NOT NULL DEFAULT '',
    tier                 TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    capabilities         JSONB NOT NULL DEFAULT '[]',
    quotas               JSONB NOT NULL DEFAULT '{}',
    support_level        TEXT NOT NULL DEFAULT '',
    computed_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    subscription_version BIGINT NOT NULL,
    entitlements         JSONB,
    status               TEXT NOT NULL DEFAULT 'pending',
    attempts             INT NOT NULL DEFAULT 0,
    last_error           TEXT NOT NULL DEFAULT '',
    next_attempt_at      TIMESTAMPTZ,
    delivered_at         TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    local_version       BIGINT NOT NULL DEFAULT 0,
    local_updated_at    TIMESTAMPTZ NOT NULL,
    provider_tier       TEXT NOT NULL DEFAULT '',
    provider_status     TEXT NOT NULL DEFAULT '',
    provider_updated_at TIMESTAMPTZ NOT NULL,
    cycles              INT NOT NULL DEFAULT 0,
    reported            BOOLEAN NOT NULL DEFAULT FALSE,
    reported_at         TIMESTAMPTZ,
    reason              TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
ALTER TABLE entitle_records ADD COLUMN IF NOT EXISTS lineage TEXT NOT NULL DEFAULT '';
ALTER TABLE entitle_records ADD COLUMN IF NOT EXISTS grace_deadline TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_entitle_records_lineage ON entitle_records (customer_id, lineage) WHERE outcome = 'applied';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP INDEX IF EXISTS idx_entitle_records_lineage;
ALTER TABLE entitle_records DROP COLUMN IF EXISTS grace_deadline;
ALTER TABLE entitle_records DROP COLUMN IF EXISTS lineage;
`)
				return err
			},
		},
	)
}

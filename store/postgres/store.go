package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("entitle/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: entitle/postgres: %w", entitle.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Event Ledger ====================

func (s *Store) AppendEvent(ctx context.Context, e *event.Event) (bool, error) {
	res, err := s.pg.NewInsert(toEventModel(e)).
		OnConflict("(event_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	m := new(eventModel)
	err := s.pg.NewSelect(m).
		Where("event_id = $1", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrEventNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) ListCustomerEvents(ctx context.Context, customerID string) ([]*event.Event, error) {
	var models []eventModel
	err := s.pg.NewSelect(&models).
		Where("customer_id = $1", customerID).
		OrderExpr("received_at ASC, event_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromEventModels(models)
}

func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	var models []eventModel
	q := s.pg.NewSelect(&models).
		Where("event_id NOT IN (SELECT event_id FROM entitle_records)").
		OrderExpr("received_at ASC, event_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEventModels(models)
}

func (s *Store) SaveRecord(ctx context.Context, r *event.Record) error {
	_, err := s.pg.NewInsert(toRecordModel(r)).
		OnConflict("(event_id) DO UPDATE").
		Set("outcome = EXCLUDED.outcome").
		Set("reason = EXCLUDED.reason").
		Set("subscription_version = EXCLUDED.subscription_version").
		Set("processed_at = EXCLUDED.processed_at").
		Set("lineage = EXCLUDED.lineage").
		Set("grace_deadline = EXCLUDED.grace_deadline").
		Exec(ctx)
	return err
}

func (s *Store) GetRecord(ctx context.Context, eventID string) (*event.Record, error) {
	m := new(recordModel)
	err := s.pg.NewSelect(m).
		Where("event_id = $1", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrRecordNotFound
		}
		return nil, err
	}
	return fromRecordModel(m), nil
}

func (s *Store) ListRecords(ctx context.Context, customerID string, opts event.ListOpts) ([]*event.Record, error) {
	var models []recordModel
	q := s.pg.NewSelect(&models).Where("customer_id = $1", customerID)

	argIdx := 1
	if opts.Outcome != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("outcome = $%d", argIdx), string(opts.Outcome))
	}
	if opts.Lineage != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("lineage = $%d", argIdx), opts.Lineage)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("first_seen_at ASC, event_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromRecordModels(models), nil
}

func (s *Store) ListDeferredRecords(ctx context.Context, firstSeenBefore time.Time, limit int) ([]*event.Record, error) {
	var models []recordModel
	q := s.pg.NewSelect(&models).
		Where("outcome = $1", string(event.OutcomeDeferred)).
		Where("first_seen_at < $2", firstSeenBefore).
		OrderExpr("first_seen_at ASC, event_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromRecordModels(models), nil
}

// ==================== Subscription Store ====================

func (s *Store) GetSubscription(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("customer_id = $1", customerID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m), nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.pg.NewInsert(toSubscriptionModel(sub)).
		OnConflict("(customer_id) DO UPDATE").
		Set("lineage = EXCLUDED.lineage").
		Set("tier = EXCLUDED.tier").
		Set("status = EXCLUDED.status").
		Set("version = EXCLUDED.version").
		Set("last_applied_event_id = EXCLUDED.last_applied_event_id").
		Set("last_sequence = EXCLUDED.last_sequence").
		Set("effective_since = EXCLUDED.effective_since").
		Set("grace_deadline = EXCLUDED.grace_deadline").
		Set("provider_ref = EXCLUDED.provider_ref").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = $1", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("customer_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models), nil
}

func (s *Store) ListGraceExpired(ctx context.Context, t time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(subscription.StatusPastDue)).
		Where("grace_deadline IS NOT NULL").
		Where("grace_deadline <= $2", t).
		OrderExpr("grace_deadline ASC, customer_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models), nil
}

// ==================== Entitlement Store ====================

// SaveSet writes a set once per (customer, lineage, version). A second save
// for the same key is a no-op.
func (s *Store) SaveSet(ctx context.Context, set *entitlement.Set) error {
	_, err := s.pg.NewInsert(toEntitlementSetModel(set)).
		OnConflict("(customer_id, lineage, subscription_version) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) GetSet(ctx context.Context, key entitlement.Key) (*entitlement.Set, error) {
	m := new(entitlementSetModel)
	err := s.pg.NewSelect(m).
		Where("customer_id = $1", key.CustomerID).
		Where("lineage = $2", key.Lineage).
		Where("subscription_version = $3", key.Version).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrEntitlementsNotFound
		}
		return nil, err
	}
	return fromEntitlementSetModel(m)
}

func (s *Store) GetLatestSet(ctx context.Context, customerID string) (*entitlement.Set, error) {
	m := new(entitlementSetModel)
	err := s.pg.NewSelect(m).
		Where("customer_id = $1", customerID).
		OrderExpr("computed_at DESC, subscription_version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrEntitlementsNotFound
		}
		return nil, err
	}
	return fromEntitlementSetModel(m)
}

func (s *Store) ListSets(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.Set, error) {
	var models []entitlementSetModel
	q := s.pg.NewSelect(&models).Where("customer_id = $1", customerID)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("computed_at DESC, subscription_version DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*entitlement.Set, len(models))
	for i := range models {
		set, err := fromEntitlementSetModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = set
	}
	return result, nil
}

// ==================== Notification Store ====================

func (s *Store) SaveNotification(ctx context.Context, n *notify.Notification) error {
	_, err := s.pg.NewInsert(toNotificationModel(n)).
		OnConflict("(id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("attempts = EXCLUDED.attempts").
		Set("last_error = EXCLUDED.last_error").
		Set("next_attempt_at = EXCLUDED.next_attempt_at").
		Set("delivered_at = EXCLUDED.delivered_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetNotification(ctx context.Context, notificationID id.NotificationID) (*notify.Notification, error) {
	m := new(notificationModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", notificationID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrNotificationNotFound
		}
		return nil, err
	}
	return fromNotificationModel(m)
}

func (s *Store) ListNotifications(ctx context.Context, opts notify.ListOpts) ([]*notify.Notification, error) {
	var models []notificationModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.CustomerID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("customer_id = $%d", argIdx), opts.CustomerID)
	}
	if opts.Sink != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("sink = $%d", argIdx), opts.Sink)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromNotificationModels(models)
}

func (s *Store) ListQueuedNotifications(ctx context.Context, limit int) ([]*notify.Notification, error) {
	var models []notificationModel
	q := s.pg.NewSelect(&models).
		Where("status IN ($1, $2)", string(notify.StatusPending), string(notify.StatusRetrying)).
		OrderExpr("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromNotificationModels(models)
}

// ==================== Divergence Store ====================

func (s *Store) GetDivergence(ctx context.Context, customerID string) (*reconcile.Divergence, error) {
	m := new(divergenceModel)
	err := s.pg.NewSelect(m).
		Where("customer_id = $1", customerID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrDivergenceNotFound
		}
		return nil, err
	}
	return fromDivergenceModel(m)
}

func (s *Store) SaveDivergence(ctx context.Context, d *reconcile.Divergence) error {
	_, err := s.pg.NewInsert(toDivergenceModel(d)).
		OnConflict("(customer_id) DO UPDATE").
		Set("id = EXCLUDED.id").
		Set("local_tier = EXCLUDED.local_tier").
		Set("local_status = EXCLUDED.local_status").
		Set("local_version = EXCLUDED.local_version").
		Set("local_updated_at = EXCLUDED.local_updated_at").
		Set("provider_tier = EXCLUDED.provider_tier").
		Set("provider_status = EXCLUDED.provider_status").
		Set("provider_updated_at = EXCLUDED.provider_updated_at").
		Set("cycles = EXCLUDED.cycles").
		Set("reported = EXCLUDED.reported").
		Set("reported_at = EXCLUDED.reported_at").
		Set("reason = EXCLUDED.reason").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) DeleteDivergence(ctx context.Context, customerID string) error {
	res, err := s.pg.NewDelete((*divergenceModel)(nil)).
		Where("customer_id = $1", customerID).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrDivergenceNotFound
	}
	return nil
}

func (s *Store) ListDivergences(ctx context.Context, opts reconcile.ListOpts) ([]*reconcile.Divergence, error) {
	var models []divergenceModel
	q := s.pg.NewSelect(&models)

	if opts.ReportedOnly {
		q = q.Where("reported = $1", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("customer_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*reconcile.Divergence, len(models))
	for i := range models {
		d, err := fromDivergenceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// ==================== Helpers ====================

func fromEventModels(models []eventModel) ([]*event.Event, error) {
	result := make([]*event.Event, len(models))
	for i := range models {
		e, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func fromRecordModels(models []recordModel) []*event.Record {
	result := make([]*event.Record, len(models))
	for i := range models {
		result[i] = fromRecordModel(&models[i])
	}
	return result
}

func fromSubscriptionModels(models []subscriptionModel) []*subscription.Subscription {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		result[i] = fromSubscriptionModel(&models[i])
	}
	return result
}

func fromNotificationModels(models []notificationModel) ([]*notify.Notification, error) {
	result := make([]*notify.Notification, len(models))
	for i := range models {
		n, err := fromNotificationModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = n
	}
	return result, nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

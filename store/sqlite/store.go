package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
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

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: entitle/sqlite: %w", entitle.ErrMigrationFailed, err)
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
	res, err := s.sdb.NewInsert(toEventModel(e)).
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
	err := s.sdb.NewSelect(m).
		Where("event_id = ?", eventID).
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
	err := s.sdb.NewSelect(&models).
		Where("customer_id = ?", customerID).
		OrderExpr("received_at ASC, event_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromEventModels(models)
}

func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	var models []eventModel
	q := s.sdb.NewSelect(&models).
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
	_, err := s.sdb.NewInsert(toRecordModel(r)).
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
	err := s.sdb.NewSelect(m).
		Where("event_id = ?", eventID).
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
	q := s.sdb.NewSelect(&models).Where("customer_id = ?", customerID)

	if opts.Outcome != "" {
		q = q.Where("outcome = ?", string(opts.Outcome))
	}
	if opts.Lineage != "" {
		q = q.Where("lineage = ?", opts.Lineage)
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
	q := s.sdb.NewSelect(&models).
		Where("outcome = ?", string(event.OutcomeDeferred)).
		Where("first_seen_at < ?", firstSeenBefore).
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
	err := s.sdb.NewSelect(m).
		Where("customer_id = ?", customerID).
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
	_, err := s.sdb.NewInsert(toSubscriptionModel(sub)).
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
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
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
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(subscription.StatusPastDue)).
		Where("grace_deadline IS NOT NULL").
		Where("grace_deadline <= ?", t).
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
	_, err := s.sdb.NewInsert(toEntitlementSetModel(set)).
		OnConflict("(customer_id, lineage, subscription_version) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) GetSet(ctx context.Context, key entitlement.Key) (*entitlement.Set, error) {
	m := new(entitlementSetModel)
	err := s.sdb.NewSelect(m).
		Where("customer_id = ?", key.CustomerID).
		Where("lineage = ?", key.Lineage).
		Where("subscription_version = ?", key.Version).
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
	err := s.sdb.NewSelect(m).
		Where("customer_id = ?", customerID).
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
	q := s.sdb.NewSelect(&models).Where("customer_id = ?", customerID)
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
	_, err := s.sdb.NewInsert(toNotificationModel(n)).
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
	err := s.sdb.NewSelect(m).
		Where("id = ?", notificationID.String()).
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
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.CustomerID != "" {
		q = q.Where("customer_id = ?", opts.CustomerID)
	}
	if opts.Sink != "" {
		q = q.Where("sink = ?", opts.Sink)
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
	q := s.sdb.NewSelect(&models).
		Where("status IN (?, ?)", string(notify.StatusPending), string(notify.StatusRetrying)).
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
	err := s.sdb.NewSelect(m).
		Where("customer_id = ?", customerID).
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
	_, err := s.sdb.NewInsert(toDivergenceModel(d)).
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
	res, err := s.sdb.NewDelete((*divergenceModel)(nil)).
		Where("customer_id = ?", customerID).
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
	q := s.sdb.NewSelect(&models)

	if opts.ReportedOnly {
		q = q.Where("reported = ?", true)
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

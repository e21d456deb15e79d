package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
)

// Collection name constants.
const (
	colEvents        = "entitle_events"
	colRecords       = "entitle_records"
	colSubscriptions = "entitle_subscriptions"
	colSets          = "entitle_entitlement_sets"
	colNotifications = "entitle_notifications"
	colDivergences   = "entitle_divergences"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: entitle/mongo: %s indexes: %w", entitle.ErrMigrationFailed, col, err)
		}
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
	_, err := s.mdb.NewInsert(toEventModel(e)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("entitle/mongo: append event: %w", err)
	}
	return true, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	var m eventModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": eventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrEventNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get event: %w", err)
	}
	return fromEventModel(&m), nil
}

func (s *Store) ListCustomerEvents(ctx context.Context, customerID string) ([]*event.Event, error) {
	var models []eventModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"customer_id": customerID}).
		Sort(bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list customer events: %w", err)
	}
	return fromEventModels(models), nil
}

// ListUnprocessedEvents anti-joins events against records.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error) {
	pipeline := bson.A{
		bson.M{"$lookup": bson.M{
			"from":         colRecords,
			"localField":   "_id",
			"foreignField": "_id",
			"as":           "record",
		}},
		bson.M{"$match": bson.M{"record": bson.M{"$size": 0}}},
		bson.M{"$project": bson.M{"record": 0}},
		bson.M{"$sort": bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.M{"$limit": int64(limit)})
	}

	cursor, err := s.mdb.Collection(colEvents).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list unprocessed: %w", err)
	}
	defer cursor.Close(ctx)

	var models []eventModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("entitle/mongo: decode unprocessed: %w", err)
	}
	return fromEventModels(models), nil
}

func (s *Store) SaveRecord(ctx context.Context, r *event.Record) error {
	m := toRecordModel(r)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.EventID}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"customer_id":          m.CustomerID,
				"outcome":              m.Outcome,
				"reason":               m.Reason,
				"subscription_version": m.SubscriptionVersion,
				"processed_at":         m.ProcessedAt,
				"lineage":              m.Lineage,
				"grace_deadline":       m.GraceDeadline,
			},
			"$setOnInsert": bson.M{"first_seen_at": m.FirstSeenAt},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, eventID string) (*event.Record, error) {
	var m recordModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": eventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrRecordNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get record: %w", err)
	}
	return fromRecordModel(&m), nil
}

func (s *Store) ListRecords(ctx context.Context, customerID string, opts event.ListOpts) ([]*event.Record, error) {
	var models []recordModel

	filter := bson.M{"customer_id": customerID}
	if opts.Outcome != "" {
		filter["outcome"] = string(opts.Outcome)
	}
	if opts.Lineage != "" {
		filter["lineage"] = opts.Lineage
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "first_seen_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list records: %w", err)
	}
	return fromRecordModels(models), nil
}

func (s *Store) ListDeferredRecords(ctx context.Context, firstSeenBefore time.Time, limit int) ([]*event.Record, error) {
	var models []recordModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"outcome":       string(event.OutcomeDeferred),
			"first_seen_at": bson.M{"$lt": firstSeenBefore},
		}).
		Sort(bson.D{{Key: "first_seen_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list deferred records: %w", err)
	}
	return fromRecordModels(models), nil
}

// ==================== Subscription Store ====================

func (s *Store) GetSubscription(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": customerID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m), nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.CustomerID}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"lineage":               m.Lineage,
				"tier":                  m.Tier,
				"status":                m.Status,
				"version":               m.Version,
				"last_applied_event_id": m.LastAppliedEventID,
				"last_sequence":         m.LastSequence,
				"effective_since":       m.EffectiveSince,
				"grace_deadline":        m.GraceDeadline,
				"provider_ref":          m.ProviderRef,
				"updated_at":            m.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": m.CreatedAt},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save subscription: %w", err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list subscriptions: %w", err)
	}
	return fromSubscriptionModels(models), nil
}

func (s *Store) ListGraceExpired(ctx context.Context, t time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":         string(subscription.StatusPastDue),
			"grace_deadline": bson.M{"$ne": nil, "$lte": t},
		}).
		Sort(bson.D{{Key: "grace_deadline", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list grace expired: %w", err)
	}
	return fromSubscriptionModels(models), nil
}

// ==================== Entitlement Store ====================

// SaveSet writes a set once per (customer, lineage, version); the unique
// index turns a second save into a no-op.
func (s *Store) SaveSet(ctx context.Context, set *entitlement.Set) error {
	_, err := s.mdb.NewInsert(toEntitlementSetModel(set)).Exec(ctx)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("entitle/mongo: save entitlement set: %w", err)
	}
	return nil
}

func (s *Store) GetSet(ctx context.Context, key entitlement.Key) (*entitlement.Set, error) {
	var m entitlementSetModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"customer_id":          key.CustomerID,
			"lineage":              key.Lineage,
			"subscription_version": key.Version,
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrEntitlementsNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get entitlement set: %w", err)
	}
	return fromEntitlementSetModel(&m)
}

func (s *Store) GetLatestSet(ctx context.Context, customerID string) (*entitlement.Set, error) {
	sets, err := s.ListSets(ctx, customerID, entitlement.ListOpts{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, entitle.ErrEntitlementsNotFound
	}
	return sets[0], nil
}

func (s *Store) ListSets(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.Set, error) {
	var models []entitlementSetModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"customer_id": customerID}).
		Sort(bson.D{{Key: "computed_at", Value: -1}, {Key: "subscription_version", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list entitlement sets: %w", err)
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
	m := toNotificationModel(n)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"status":          m.Status,
				"attempts":        m.Attempts,
				"last_error":      m.LastError,
				"next_attempt_at": m.NextAttemptAt,
				"delivered_at":    m.DeliveredAt,
				"updated_at":      m.UpdatedAt,
			},
			"$setOnInsert": bson.M{
				"customer_id":          m.CustomerID,
				"sink":                 m.Sink,
				"lineage":              m.Lineage,
				"subscription_version": m.SubscriptionVersion,
				"entitlements":         m.Entitlements,
				"created_at":           m.CreatedAt,
			},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save notification: %w", err)
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, notificationID id.NotificationID) (*notify.Notification, error) {
	var m notificationModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": notificationID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get notification: %w", err)
	}
	return fromNotificationModel(&m)
}

func (s *Store) ListNotifications(ctx context.Context, opts notify.ListOpts) ([]*notify.Notification, error) {
	var models []notificationModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.CustomerID != "" {
		filter["customer_id"] = opts.CustomerID
	}
	if opts.Sink != "" {
		filter["sink"] = opts.Sink
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list notifications: %w", err)
	}
	return fromNotificationModels(models)
}

func (s *Store) ListQueuedNotifications(ctx context.Context, limit int) ([]*notify.Notification, error) {
	var models []notificationModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"status": bson.M{"$in": bson.A{
			string(notify.StatusPending),
			string(notify.StatusRetrying),
		}}}).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list queued notifications: %w", err)
	}
	return fromNotificationModels(models)
}

// ==================== Divergence Store ====================

func (s *Store) GetDivergence(ctx context.Context, customerID string) (*reconcile.Divergence, error) {
	var m divergenceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": customerID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrDivergenceNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get divergence: %w", err)
	}
	return fromDivergenceModel(&m)
}

func (s *Store) SaveDivergence(ctx context.Context, d *reconcile.Divergence) error {
	m := toDivergenceModel(d)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.CustomerID}).
		SetUpdate(bson.M{"$set": bson.M{
			"divergence_id":       m.ID,
			"local_tier":          m.LocalTier,
			"local_status":        m.LocalStatus,
			"local_version":       m.LocalVersion,
			"local_updated_at":    m.LocalUpdatedAt,
			"provider_tier":       m.ProviderTier,
			"provider_status":     m.ProviderStatus,
			"provider_updated_at": m.ProviderUpdatedAt,
			"cycles":              m.Cycles,
			"reported":            m.Reported,
			"reported_at":         m.ReportedAt,
			"reason":              m.Reason,
			"created_at":          m.CreatedAt,
			"updated_at":          m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save divergence: %w", err)
	}
	return nil
}

func (s *Store) DeleteDivergence(ctx context.Context, customerID string) error {
	res, err := s.mdb.NewDelete((*divergenceModel)(nil)).
		Filter(bson.M{"_id": customerID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete divergence: %w", err)
	}
	if res.DeletedCount() == 0 {
		return entitle.ErrDivergenceNotFound
	}
	return nil
}

func (s *Store) ListDivergences(ctx context.Context, opts reconcile.ListOpts) ([]*reconcile.Divergence, error) {
	var models []divergenceModel

	filter := bson.M{}
	if opts.ReportedOnly {
		filter["reported"] = true
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list divergences: %w", err)
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

func fromEventModels(models []eventModel) []*event.Event {
	result := make([]*event.Event, len(models))
	for i := range models {
		result[i] = fromEventModel(&models[i])
	}
	return result
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEvents: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "received_at", Value: 1}}},
			{Keys: bson.D{{Key: "received_at", Value: 1}}},
		},
		colRecords: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "first_seen_at", Value: 1}}},
			{Keys: bson.D{{Key: "outcome", Value: 1}, {Key: "first_seen_at", Value: 1}}},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "lineage", Value: 1}, {Key: "outcome", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "grace_deadline", Value: 1}}},
		},
		colSets: {
			{
				Keys:    bson.D{{Key: "customer_id", Value: 1}, {Key: "lineage", Value: 1}, {Key: "subscription_version", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "computed_at", Value: -1}}},
		},
		colNotifications: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colDivergences: {
			{Keys: bson.D{{Key: "reported", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
}

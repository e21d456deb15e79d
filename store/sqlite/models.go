package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/tier"
	"github.com/xraph/entitle/types"
)

// ==================== Event models ====================

type eventModel struct {
	grove.BaseModel `grove:"table:entitle_events"`

	EventID      string          `grove:"event_id,pk"`
	CustomerID   string          `grove:"customer_id"`
	EventType    string          `grove:"event_type"`
	OccurredAt   time.Time       `grove:"occurred_at"`
	SequenceHint int64           `grove:"sequence_hint"`
	Source       string          `grove:"source"`
	Payload      json.RawMessage `grove:"payload"`
	ReceivedAt   time.Time       `grove:"received_at"`
}

func toEventModel(e *event.Event) *eventModel {
	payload, _ := json.Marshal(e.Payload) //nolint:errcheck // payload is plain data
	return &eventModel{
		EventID:      e.ID,
		CustomerID:   e.CustomerID,
		EventType:    string(e.Type),
		OccurredAt:   e.OccurredAt,
		SequenceHint: e.SequenceHint,
		Source:       string(e.Source),
		Payload:      payload,
		ReceivedAt:   e.ReceivedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	e := &event.Event{
		ID:           m.EventID,
		CustomerID:   m.CustomerID,
		Type:         event.Type(m.EventType),
		OccurredAt:   m.OccurredAt.UTC(),
		SequenceHint: m.SequenceHint,
		Source:       event.Source(m.Source),
		ReceivedAt:   m.ReceivedAt.UTC(),
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &e.Payload); err != nil {
			return nil, err
		}
	}
	return e, nil
}

type recordModel struct {
	grove.BaseModel `grove:"table:entitle_records"`

	EventID             string     `grove:"event_id,pk"`
	CustomerID          string     `grove:"customer_id"`
	Outcome             string     `grove:"outcome"`
	Reason              string     `grove:"reason"`
	SubscriptionVersion int64      `grove:"subscription_version"`
	ProcessedAt         time.Time  `grove:"processed_at"`
	FirstSeenAt         time.Time  `grove:"first_seen_at"`
	Lineage             string     `grove:"lineage"`
	GraceDeadline       *time.Time `grove:"grace_deadline"`
}

func toRecordModel(r *event.Record) *recordModel {
	return &recordModel{
		EventID:             r.EventID,
		CustomerID:          r.CustomerID,
		Outcome:             string(r.Outcome),
		Reason:              r.Reason,
		SubscriptionVersion: r.SubscriptionVersion,
		ProcessedAt:         r.ProcessedAt,
		FirstSeenAt:         r.FirstSeenAt,
		Lineage:             r.Lineage,
		GraceDeadline:       r.GraceDeadline,
	}
}

func fromRecordModel(m *recordModel) *event.Record {
	r := &event.Record{
		EventID:             m.EventID,
		CustomerID:          m.CustomerID,
		Outcome:             event.Outcome(m.Outcome),
		Reason:              m.Reason,
		SubscriptionVersion: m.SubscriptionVersion,
		ProcessedAt:         m.ProcessedAt.UTC(),
		FirstSeenAt:         m.FirstSeenAt.UTC(),
		Lineage:             m.Lineage,
	}
	if m.GraceDeadline != nil {
		d := m.GraceDeadline.UTC()
		r.GraceDeadline = &d
	}
	return r
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	CustomerID         string     `grove:"customer_id,pk"`
	Lineage            string     `grove:"lineage"`
	Tier               string     `grove:"tier"`
	Status             string     `grove:"status"`
	Version            int64      `grove:"version"`
	LastAppliedEventID string     `grove:"last_applied_event_id"`
	LastSequence       int64      `grove:"last_sequence"`
	EffectiveSince     time.Time  `grove:"effective_since"`
	GraceDeadline      *time.Time `grove:"grace_deadline"`
	ProviderRef        string     `grove:"provider_ref"`
	CreatedAt          time.Time  `grove:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		CustomerID:         s.CustomerID,
		Lineage:            s.Lineage,
		Tier:               s.Tier,
		Status:             string(s.Status),
		Version:            s.Version,
		LastAppliedEventID: s.LastAppliedEventID,
		LastSequence:       s.LastSequence,
		EffectiveSince:     s.EffectiveSince,
		GraceDeadline:      s.GraceDeadline,
		ProviderRef:        s.ProviderRef,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) *subscription.Subscription {
	s := &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		CustomerID:         m.CustomerID,
		Lineage:            m.Lineage,
		Tier:               m.Tier,
		Status:             subscription.Status(m.Status),
		Version:            m.Version,
		LastAppliedEventID: m.LastAppliedEventID,
		LastSequence:       m.LastSequence,
		EffectiveSince:     m.EffectiveSince.UTC(),
		ProviderRef:        m.ProviderRef,
	}
	if m.GraceDeadline != nil {
		d := m.GraceDeadline.UTC()
		s.GraceDeadline = &d
	}
	return s
}

// ==================== Entitlement models ====================

type entitlementSetModel struct {
	grove.BaseModel `grove:"table:entitle_entitlement_sets"`

	ID                  string          `grove:"id,pk"`
	CustomerID          string          `grove:"customer_id"`
	Lineage             string          `grove:"lineage"`
	SubscriptionVersion int64           `grove:"subscription_version"`
	ConfigVersion       string          `grove:"config_version"`
	Tier                string          `grove:"tier"`
	Status              string          `grove:"status"`
	Capabilities        json.RawMessage `grove:"capabilities"`
	Quotas              json.RawMessage `grove:"quotas"`
	SupportLevel        string          `grove:"support_level"`
	ComputedAt          time.Time       `grove:"computed_at"`
}

func toEntitlementSetModel(s *entitlement.Set) *entitlementSetModel {
	caps, _ := json.Marshal(s.Capabilities) //nolint:errcheck // plain data
	quotas, _ := json.Marshal(s.Quotas)     //nolint:errcheck // plain data
	return &entitlementSetModel{
		ID:                  s.ID.String(),
		CustomerID:          s.CustomerID,
		Lineage:             s.Lineage,
		SubscriptionVersion: s.SubscriptionVersion,
		ConfigVersion:       s.ConfigVersion,
		Tier:                s.Tier,
		Status:              string(s.Status),
		Capabilities:        caps,
		Quotas:              quotas,
		SupportLevel:        string(s.SupportLevel),
		ComputedAt:          s.ComputedAt,
	}
}

func fromEntitlementSetModel(m *entitlementSetModel) (*entitlement.Set, error) {
	setID, err := id.ParseEntitlementSetID(m.ID)
	if err != nil {
		return nil, err
	}
	s := &entitlement.Set{
		ID:                  setID,
		CustomerID:          m.CustomerID,
		Lineage:             m.Lineage,
		SubscriptionVersion: m.SubscriptionVersion,
		ConfigVersion:       m.ConfigVersion,
		Tier:                m.Tier,
		Status:              subscription.Status(m.Status),
		Capabilities:        []tier.Capability{},
		Quotas:              map[tier.Capability]int64{},
		SupportLevel:        tier.SupportLevel(m.SupportLevel),
		ComputedAt:          m.ComputedAt.UTC(),
	}
	if len(m.Capabilities) > 0 {
		if err := json.Unmarshal(m.Capabilities, &s.Capabilities); err != nil {
			return nil, err
		}
	}
	if len(m.Quotas) > 0 {
		if err := json.Unmarshal(m.Quotas, &s.Quotas); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ==================== Notification models ====================

type notificationModel struct {
	grove.BaseModel `grove:"table:entitle_notifications"`

	ID                  string          `grove:"id,pk"`
	CustomerID          string          `grove:"customer_id"`
	Sink                string          `grove:"sink"`
	Lineage             string          `grove:"lineage"`
	SubscriptionVersion int64           `grove:"subscription_version"`
	Entitlements        json.RawMessage `grove:"entitlements"`
	Status              string          `grove:"status"`
	Attempts            int             `grove:"attempts"`
	LastError           string          `grove:"last_error"`
	NextAttemptAt       *time.Time      `grove:"next_attempt_at"`
	DeliveredAt         *time.Time      `grove:"delivered_at"`
	CreatedAt           time.Time       `grove:"created_at"`
	UpdatedAt           time.Time       `grove:"updated_at"`
}

func toNotificationModel(n *notify.Notification) *notificationModel {
	set, _ := json.Marshal(n.Set) //nolint:errcheck // plain data
	return &notificationModel{
		ID:                  n.ID.String(),
		CustomerID:          n.CustomerID,
		Sink:                n.Sink,
		Lineage:             n.Lineage,
		SubscriptionVersion: n.SubscriptionVersion,
		Entitlements:        set,
		Status:              string(n.Status),
		Attempts:            n.Attempts,
		LastError:           n.LastError,
		NextAttemptAt:       n.NextAttemptAt,
		DeliveredAt:         n.DeliveredAt,
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
	}
}

func fromNotificationModel(m *notificationModel) (*notify.Notification, error) {
	nid, err := id.ParseNotificationID(m.ID)
	if err != nil {
		return nil, err
	}
	n := &notify.Notification{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                  nid,
		CustomerID:          m.CustomerID,
		Sink:                m.Sink,
		Lineage:             m.Lineage,
		SubscriptionVersion: m.SubscriptionVersion,
		Status:              notify.Status(m.Status),
		Attempts:            m.Attempts,
		LastError:           m.LastError,
		NextAttemptAt:       m.NextAttemptAt,
		DeliveredAt:         m.DeliveredAt,
	}
	if len(m.Entitlements) > 0 && string(m.Entitlements) != "null" {
		n.Set = new(entitlement.Set)
		if err := json.Unmarshal(m.Entitlements, n.Set); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// ==================== Divergence models ====================

type divergenceModel struct {
	grove.BaseModel `grove:"table:entitle_divergences"`

	CustomerID        string     `grove:"customer_id,pk"`
	ID                string     `grove:"id"`
	LocalTier         string     `grove:"local_tier"`
	LocalStatus       string     `grove:"local_status"`
	LocalVersion      int64      `grove:"local_version"`
	LocalUpdatedAt    time.Time  `grove:"local_updated_at"`
	ProviderTier      string     `grove:"provider_tier"`
	ProviderStatus    string     `grove:"provider_status"`
	ProviderUpdatedAt time.Time  `grove:"provider_updated_at"`
	Cycles            int        `grove:"cycles"`
	Reported          bool       `grove:"reported"`
	ReportedAt        *time.Time `grove:"reported_at"`
	Reason            string     `grove:"reason"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func toDivergenceModel(d *reconcile.Divergence) *divergenceModel {
	return &divergenceModel{
		CustomerID:        d.CustomerID,
		ID:                d.ID.String(),
		LocalTier:         d.LocalTier,
		LocalStatus:       string(d.LocalStatus),
		LocalVersion:      d.LocalVersion,
		LocalUpdatedAt:    d.LocalUpdatedAt,
		ProviderTier:      d.ProviderTier,
		ProviderStatus:    string(d.ProviderStatus),
		ProviderUpdatedAt: d.ProviderUpdatedAt,
		Cycles:            d.Cycles,
		Reported:          d.Reported,
		ReportedAt:        d.ReportedAt,
		Reason:            d.Reason,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func fromDivergenceModel(m *divergenceModel) (*reconcile.Divergence, error) {
	did, err := id.ParseDivergenceID(m.ID)
	if err != nil {
		return nil, err
	}
	return &reconcile.Divergence{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                did,
		CustomerID:        m.CustomerID,
		LocalTier:         m.LocalTier,
		LocalStatus:       subscription.Status(m.LocalStatus),
		LocalVersion:      m.LocalVersion,
		LocalUpdatedAt:    m.LocalUpdatedAt.UTC(),
		ProviderTier:      m.ProviderTier,
		ProviderStatus:    subscription.Status(m.ProviderStatus),
		ProviderUpdatedAt: m.ProviderUpdatedAt.UTC(),
		Cycles:            m.Cycles,
		Reported:          m.Reported,
		ReportedAt:        m.ReportedAt,
		Reason:            m.Reason,
	}, nil
}

package mongo

import (
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

	EventID      string       `grove:"event_id,pk"   bson:"_id"`
	CustomerID   string       `grove:"customer_id"   bson:"customer_id"`
	EventType    string       `grove:"event_type"    bson:"event_type"`
	OccurredAt   time.Time    `grove:"occurred_at"   bson:"occurred_at"`
	SequenceHint int64        `grove:"sequence_hint" bson:"sequence_hint"`
	Source       string       `grove:"source"        bson:"source"`
	Payload      payloadModel `grove:"payload"       bson:"payload"`
	ReceivedAt   time.Time    `grove:"received_at"   bson:"received_at"`
}

type payloadModel struct {
	Tier        string `bson:"tier,omitempty"`
	Trial       bool   `bson:"trial,omitempty"`
	ProviderRef string `bson:"provider_ref,omitempty"`
	Data        []byte `bson:"data,omitempty"`
}

func toEventModel(e *event.Event) *eventModel {
	return &eventModel{
		EventID:      e.ID,
		CustomerID:   e.CustomerID,
		EventType:    string(e.Type),
		OccurredAt:   e.OccurredAt,
		SequenceHint: e.SequenceHint,
		Source:       string(e.Source),
		Payload: payloadModel{
			Tier:        e.Payload.Tier,
			Trial:       e.Payload.Trial,
			ProviderRef: e.Payload.ProviderRef,
			Data:        e.Payload.Data,
		},
		ReceivedAt: e.ReceivedAt,
	}
}

func fromEventModel(m *eventModel) *event.Event {
	return &event.Event{
		ID:           m.EventID,
		CustomerID:   m.CustomerID,
		Type:         event.Type(m.EventType),
		OccurredAt:   m.OccurredAt.UTC(),
		SequenceHint: m.SequenceHint,
		Source:       event.Source(m.Source),
		Payload: event.Payload{
			Tier:        m.Payload.Tier,
			Trial:       m.Payload.Trial,
			ProviderRef: m.Payload.ProviderRef,
			Data:        m.Payload.Data,
		},
		ReceivedAt: m.ReceivedAt.UTC(),
	}
}

type recordModel struct {
	grove.BaseModel `grove:"table:entitle_records"`

	EventID             string     `grove:"event_id,pk"          bson:"_id"`
	CustomerID          string     `grove:"customer_id"          bson:"customer_id"`
	Outcome             string     `grove:"outcome"              bson:"outcome"`
	Reason              string     `grove:"reason"               bson:"reason"`
	SubscriptionVersion int64      `grove:"subscription_version" bson:"subscription_version"`
	ProcessedAt         time.Time  `grove:"processed_at"         bson:"processed_at"`
	FirstSeenAt         time.Time  `grove:"first_seen_at"        bson:"first_seen_at"`
	Lineage             string     `grove:"lineage"              bson:"lineage"`
	GraceDeadline       *time.Time `grove:"grace_deadline"       bson:"grace_deadline,omitempty"`
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

	CustomerID         string     `grove:"customer_id,pk"        bson:"_id"`
	Lineage            string     `grove:"lineage"               bson:"lineage"`
	Tier               string     `grove:"tier"                  bson:"tier"`
	Status             string     `grove:"status"                bson:"status"`
	Version            int64      `grove:"version"               bson:"version"`
	LastAppliedEventID string     `grove:"last_applied_event_id" bson:"last_applied_event_id"`
	LastSequence       int64      `grove:"last_sequence"         bson:"last_sequence"`
	EffectiveSince     time.Time  `grove:"effective_since"       bson:"effective_since"`
	GraceDeadline      *time.Time `grove:"grace_deadline"        bson:"grace_deadline,omitempty"`
	ProviderRef        string     `grove:"provider_ref"          bson:"provider_ref"`
	CreatedAt          time.Time  `grove:"created_at"            bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"            bson:"updated_at"`
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

	ID                  string           `grove:"id,pk"                bson:"_id"`
	CustomerID          string           `grove:"customer_id"          bson:"customer_id"`
	Lineage             string           `grove:"lineage"              bson:"lineage"`
	SubscriptionVersion int64            `grove:"subscription_version" bson:"subscription_version"`
	ConfigVersion       string           `grove:"config_version"       bson:"config_version"`
	Tier                string           `grove:"tier"                 bson:"tier"`
	Status              string           `grove:"status"               bson:"status"`
	Capabilities        []string         `grove:"capabilities"         bson:"capabilities"`
	Quotas              map[string]int64 `grove:"quotas"               bson:"quotas"`
	SupportLevel        string           `grove:"support_level"        bson:"support_level,omitempty"`
	ComputedAt          time.Time        `grove:"computed_at"          bson:"computed_at"`
}

func toEntitlementSetModel(s *entitlement.Set) *entitlementSetModel {
	caps := make([]string, len(s.Capabilities))
	for i, c := range s.Capabilities {
		caps[i] = string(c)
	}
	quotas := make(map[string]int64, len(s.Quotas))
	for c, q := range s.Quotas {
		quotas[string(c)] = q
	}
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
	caps := make([]tier.Capability, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = tier.Capability(c)
	}
	quotas := make(map[tier.Capability]int64, len(m.Quotas))
	for c, q := range m.Quotas {
		quotas[tier.Capability(c)] = q
	}
	return &entitlement.Set{
		ID:                  setID,
		CustomerID:          m.CustomerID,
		Lineage:             m.Lineage,
		SubscriptionVersion: m.SubscriptionVersion,
		ConfigVersion:       m.ConfigVersion,
		Tier:                m.Tier,
		Status:              subscription.Status(m.Status),
		Capabilities:        caps,
		Quotas:              quotas,
		SupportLevel:        tier.SupportLevel(m.SupportLevel),
		ComputedAt:          m.ComputedAt.UTC(),
	}, nil
}

// ==================== Notification models ====================

type notificationModel struct {
	grove.BaseModel `grove:"table:entitle_notifications"`

	ID                  string               `grove:"id,pk"                bson:"_id"`
	CustomerID          string               `grove:"customer_id"          bson:"customer_id"`
	Sink                string               `grove:"sink"                 bson:"sink"`
	Lineage             string               `grove:"lineage"              bson:"lineage"`
	SubscriptionVersion int64                `grove:"subscription_version" bson:"subscription_version"`
	Entitlements        *entitlementSetModel `grove:"entitlements"         bson:"entitlements,omitempty"`
	Status              string               `grove:"status"               bson:"status"`
	Attempts            int                  `grove:"attempts"             bson:"attempts"`
	LastError           string               `grove:"last_error"           bson:"last_error"`
	NextAttemptAt       *time.Time           `grove:"next_attempt_at"      bson:"next_attempt_at,omitempty"`
	DeliveredAt         *time.Time           `grove:"delivered_at"         bson:"delivered_at,omitempty"`
	CreatedAt           time.Time            `grove:"created_at"           bson:"created_at"`
	UpdatedAt           time.Time            `grove:"updated_at"           bson:"updated_at"`
}

func toNotificationModel(n *notify.Notification) *notificationModel {
	m := &notificationModel{
		ID:                  n.ID.String(),
		CustomerID:          n.CustomerID,
		Sink:                n.Sink,
		Lineage:             n.Lineage,
		SubscriptionVersion: n.SubscriptionVersion,
		Status:              string(n.Status),
		Attempts:            n.Attempts,
		LastError:           n.LastError,
		NextAttemptAt:       n.NextAttemptAt,
		DeliveredAt:         n.DeliveredAt,
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
	}
	if n.Set != nil {
		m.Entitlements = toEntitlementSetModel(n.Set)
	}
	return m
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
	if m.Entitlements != nil {
		if n.Set, err = fromEntitlementSetModel(m.Entitlements); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// ==================== Divergence models ====================

type divergenceModel struct {
	grove.BaseModel `grove:"table:entitle_divergences"`

	CustomerID        string     `grove:"customer_id,pk"      bson:"_id"`
	ID                string     `grove:"id"                  bson:"divergence_id"`
	LocalTier         string     `grove:"local_tier"          bson:"local_tier"`
	LocalStatus       string     `grove:"local_status"        bson:"local_status"`
	LocalVersion      int64      `grove:"local_version"       bson:"local_version"`
	LocalUpdatedAt    time.Time  `grove:"local_updated_at"    bson:"local_updated_at"`
	ProviderTier      string     `grove:"provider_tier"       bson:"provider_tier"`
	ProviderStatus    string     `grove:"provider_status"     bson:"provider_status"`
	ProviderUpdatedAt time.Time  `grove:"provider_updated_at" bson:"provider_updated_at"`
	Cycles            int        `grove:"cycles"              bson:"cycles"`
	Reported          bool       `grove:"reported"            bson:"reported"`
	ReportedAt        *time.Time `grove:"reported_at"         bson:"reported_at,omitempty"`
	Reason            string     `grove:"reason"              bson:"reason"`
	CreatedAt         time.Time  `grove:"created_at"          bson:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"          bson:"updated_at"`
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

package notify

import (
	"context"

	"github.com/xraph/entitle/id"
)

type Store interface {
	// SaveNotification upserts by ID.
	SaveNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, notificationID id.NotificationID) (*Notification, error)
	ListNotifications(ctx context.Context, opts ListOpts) ([]*Notification, error)
	// ListQueuedNotifications returns pending and retrying notifications
	// oldest first.
	ListQueuedNotifications(ctx context.Context, limit int) ([]*Notification, error)
}

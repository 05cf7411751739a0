package realtime

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

// Notification is one record change pushed by the backend.
type Notification struct {
	Scope     records.Scope
	Record    records.Record
	Timestamp time.Time
}

// Subscription delivers notifications for one scope. Notifications is closed
// when the connection drops or the subscription is closed.
type Subscription interface {
	Notifications() <-chan Notification
	Close() error
}

// Source opens realtime subscriptions.
type Source interface {
	Subscribe(ctx context.Context, scope records.Scope) (Subscription, error)
}

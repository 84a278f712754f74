package pipeline

import "threatwatch/internal/view"

// NotificationSink receives notifications for CRITICAL and HIGH alerts.
// Rendering and dismissal are up to the sink.
type NotificationSink interface {
	Notify(n view.Notification) error
	Close() error
}

package notifylog

import (
	"threatwatch/internal/logger"
	"threatwatch/internal/view"
)

// Writer logs notifications: ALERT tier at error level, WARN at warn level.
type Writer struct{}

// NewWriter creates a log sink.
func NewWriter() *Writer {
	return &Writer{}
}

// Notify logs one notification.
func (w *Writer) Notify(n view.Notification) error {
	if n.Tier == view.Alert.String() {
		logger.Errorf("[%s] %s (id=%s)", n.Severity, n.Message, n.AlertID)
		return nil
	}
	logger.Warnf("[%s] %s (id=%s)", n.Severity, n.Message, n.AlertID)
	return nil
}

// Close is a no-op.
func (w *Writer) Close() error {
	return nil
}

package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// ErrPersist wraps append failures from the alert store. Unlike dispatch
// errors this one is returned to the caller, because an alert that never
// reached disk is lost evidence.
var ErrPersist = errors.New("alert persistence failed")

// AlertStore is the durable side of the sink.
type AlertStore interface {
	Append(alert *schema.Alert) error
}

// AlertDispatcher is the best-effort side of the sink.
type AlertDispatcher interface {
	Send(ctx context.Context, alert *schema.Alert) error
}

// Sink persists an alert and then notifies. The order is fixed: a record
// hits the store before any channel sees it, and a notification failure
// never unwinds a persisted record.
type Sink struct {
	store      AlertStore
	dispatcher AlertDispatcher
	logger     *slog.Logger
}

// NewSink creates a sink. dispatcher may be nil to persist without
// notifying.
func NewSink(store AlertStore, dispatcher AlertDispatcher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, dispatcher: dispatcher, logger: logger}
}

// Handle writes the alert to the store and dispatches it. The returned
// error is non-nil only when persistence failed; dispatch failures are
// already logged by the dispatcher and swallowed here.
func (s *Sink) Handle(ctx context.Context, alert *schema.Alert) error {
	if err := s.store.Append(alert); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if s.dispatcher != nil {
		// Best-effort past this point.
		if err := s.dispatcher.Send(ctx, alert); err != nil {
			s.logger.Debug("alert dispatched with errors", "alert_id", alert.ID, "error", err)
		}
	}
	return nil
}

package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// ErrDispatch wraps channel delivery failures. Callers treat it as
// advisory; a dispatch failure never loses the alert because the record is
// already on disk by the time channels run.
var ErrDispatch = errors.New("alert dispatch failed")

// Dispatcher fans an alert out to every configured channel. Sends run
// sequentially on the caller's goroutine so the monitor loop stays
// single-threaded; a slow channel delays the next poll cycle rather than
// piling up goroutines.
type Dispatcher struct {
	channels []Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{channels: channels, logger: logger}
}

// Channels reports the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Send delivers the alert to each channel in order. Every channel is
// attempted even when an earlier one fails; the combined error is wrapped
// in ErrDispatch.
func (d *Dispatcher) Send(ctx context.Context, alert *schema.Alert) error {
	var errs []error
	for _, ch := range d.channels {
		if err := ch.Send(ctx, alert); err != nil {
			d.logger.Error("notification failed",
				"channel", ch.Name(),
				"alert_id", alert.ID,
				"rule_id", alert.RuleID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDispatch, errors.Join(errs...))
	}
	return nil
}

// Close shuts down channels that hold connections.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, ch := range d.channels {
		if closer, ok := ch.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

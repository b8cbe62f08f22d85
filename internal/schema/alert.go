// Package schema defines the alert model produced by the detection engine.
// Every matched audit line is turned into exactly one Alert, which is
// immutable from creation onward.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Alert is the structured record produced when an audit line matches a
// detection rule. Rule fields are copied at match time; Timestamp is the
// detection time, not any time embedded in the event itself.
type Alert struct {
	ID          uuid.UUID    `json:"alert_id"`
	RuleID      string       `json:"rule_id"`
	Description string       `json:"description"`
	Severity    Severity     `json:"severity"`
	Timestamp   time.Time    `json:"timestamp"`
	RawEvent    string       `json:"raw_event"`
	Details     EventDetails `json:"details"`
}

// EventDetails carries the fixed set of fields extracted from an audit
// line. Every field is optional: an empty value means the field was not
// present in the line, and it is omitted from serialized records rather
// than filled with a placeholder.
type EventDetails struct {
	Syscall string `json:"syscall,omitempty"`
	PID     string `json:"pid,omitempty"`
	UID     string `json:"uid,omitempty"`
	AUID    string `json:"auid,omitempty"`
	Exe     string `json:"exe,omitempty"`
	Key     string `json:"key,omitempty"`
}

// IsEmpty reports whether no field was extracted.
func (d EventDetails) IsEmpty() bool {
	return d == EventDetails{}
}

// NewAlert creates an Alert for a rule match. The timestamp is taken from
// the wall clock at call time, in UTC.
func NewAlert(ruleID, description string, severity Severity, rawEvent string, details EventDetails) *Alert {
	return &Alert{
		ID:          uuid.New(),
		RuleID:      ruleID,
		Description: description,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		RawEvent:    rawEvent,
		Details:     details,
	}
}

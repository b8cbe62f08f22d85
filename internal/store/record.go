// Package store persists alerts to an append-only JSONL store. Records
// form a hash chain with HMAC signatures so any modification, deletion or
// insertion after the fact is detectable.
package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zx159753/kernel-audit-system/internal/schema"
)

// Record is one persisted alert plus the chain fields that make the store
// tamper-evident. Alert fields are stored flat; Details carries only the
// fields that were present on the source line.
type Record struct {
	Sequence    uint64              `json:"sequence"`
	AlertID     uuid.UUID           `json:"alert_id"`
	RuleID      string              `json:"rule_id"`
	Description string              `json:"description"`
	Severity    schema.Severity     `json:"severity"`
	Timestamp   time.Time           `json:"timestamp"`
	RawEvent    string              `json:"raw_event"`
	Details     schema.EventDetails `json:"details"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
	Signature    string `json:"signature"`
}

// newRecord flattens an alert into a record. Sequence and chain fields are
// filled in by the store at append time.
func newRecord(alert *schema.Alert) *Record {
	return &Record{
		AlertID:     alert.ID,
		RuleID:      alert.RuleID,
		Description: alert.Description,
		Severity:    alert.Severity,
		Timestamp:   alert.Timestamp,
		RawEvent:    alert.RawEvent,
		Details:     alert.Details,
	}
}

// computeHash hashes every field except entry_hash and signature, in a
// fixed order.
func (r *Record) computeHash() string {
	h := sha256.New()

	h.Write([]byte(fmt.Sprintf("%d", r.Sequence)))
	h.Write([]byte(r.AlertID.String()))
	h.Write([]byte(r.RuleID))
	h.Write([]byte(r.Description))
	h.Write([]byte(r.Severity))
	h.Write([]byte(r.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(r.RawEvent))
	h.Write([]byte(r.Details.Syscall))
	h.Write([]byte(r.Details.PID))
	h.Write([]byte(r.Details.UID))
	h.Write([]byte(r.Details.AUID))
	h.Write([]byte(r.Details.Exe))
	h.Write([]byte(r.Details.Key))
	h.Write([]byte(r.PreviousHash))

	return hex.EncodeToString(h.Sum(nil))
}

// Sign fills in the entry hash and HMAC signature.
func (r *Record) Sign(key []byte) {
	r.EntryHash = r.computeHash()

	h := hmac.New(sha256.New, key)
	h.Write([]byte(r.EntryHash))
	h.Write([]byte(r.PreviousHash))
	r.Signature = hex.EncodeToString(h.Sum(nil))
}

// Verify checks the entry hash and signature against key.
func (r *Record) Verify(key []byte) bool {
	if r.computeHash() != r.EntryHash {
		return false
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(r.EntryHash))
	h.Write([]byte(r.PreviousHash))
	expected := hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(r.Signature), []byte(expected))
}

// Package ledger provides read and append access to the shared
// append-only event log. The ledger is treated as an opaque, already
// consistent collaborator: this package never interprets consensus or
// transaction execution, it only scans events in ledger order and
// appends new ones.
package ledger

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agritrace/provenance/pkg/provenance"
)

// EventType discriminates ledger event payloads.
type EventType string

const (
	// EventBatchMinted records the creation of a batch with its immutable
	// core fields and metadata reference.
	EventBatchMinted EventType = "batch_minted"

	// EventProvenanceStep records one ownership/state transition.
	EventProvenanceStep EventType = "provenance_step"

	// EventRoleAssigned records an authoritative role assignment for an
	// identity. Last writer wins per identity.
	EventRoleAssigned EventType = "role_assigned"
)

// JSONPayload is a custom GORM type for map[string]any stored as JSON text.
type JSONPayload map[string]any

// Scan implements the sql.Scanner interface for JSONPayload.
func (p *JSONPayload) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONPayload: %T", value)
	}
	return json.Unmarshal(bytes, p)
}

// Value implements the driver.Valuer interface for JSONPayload.
func (p JSONPayload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Event is one raw ledger event. Seq is the ledger-assigned append
// order; it is the only ordering callers may trust.
type Event struct {
	Seq        uint64      `gorm:"primaryKey;autoIncrement;column:seq" json:"seq"`
	Ref        string      `gorm:"column:ref;type:varchar(36);uniqueIndex" json:"ref"`
	Type       EventType   `gorm:"column:event_type;index;not null" json:"type"`
	BatchID    string      `gorm:"column:batch_id;index" json:"batchId,omitempty"`
	Actor      string      `gorm:"column:actor;index" json:"actor,omitempty"`
	Payload    JSONPayload `gorm:"column:payload;type:text" json:"payload,omitempty"`
	RecordedAt time.Time   `gorm:"column:recorded_at" json:"recordedAt"`
}

// TableName sets the ledger events table name.
func (Event) TableName() string {
	return "ledger_events"
}

// Filter selects events on scan. Zero fields match everything, so the
// zero Filter scans the full ledger.
type Filter struct {
	BatchID string
	Actor   string
	Type    EventType
}

// Matches reports whether ev satisfies the filter. Used for client-side
// filtering when the backing ledger only supports range scans.
func (f Filter) Matches(ev Event) bool {
	if f.BatchID != "" && ev.BatchID != f.BatchID {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	return true
}

// Reader yields all events matching a filter, in ledger-append order.
// Implementations are read-only, idempotent, and return an empty slice
// (not an error) when nothing matches.
type Reader interface {
	Scan(ctx context.Context, f Filter) ([]Event, error)
}

// Writer appends events to the ledger.
type Writer interface {
	// Append commits an event and returns its ledger reference.
	Append(ctx context.Context, ev Event) (string, error)

	// AppendFenced commits a provenance step only if the latest sequence
	// for ev.BatchID still equals expectedLastSeq, rejecting the append
	// with a STALE_RECORD conflict otherwise. This is the optimistic
	// fence against a second read-reconstruct-then-write racing ahead.
	AppendFenced(ctx context.Context, ev Event, expectedLastSeq uint64) (string, error)
}

// NewStepEvent packages a provenance step for appending.
func NewStepEvent(step *provenance.ProvenanceStep) Event {
	return Event{
		Type:    EventProvenanceStep,
		BatchID: step.BatchID,
		Actor:   step.Actor,
		Payload: JSONPayload{
			"state":     string(step.State),
			"timestamp": step.Timestamp.Format(time.RFC3339Nano),
			"location":  step.Location,
			"notes":     step.Notes,
		},
		RecordedAt: time.Now().UTC(),
	}
}

// StepFromEvent decodes a provenance step from a raw event.
func StepFromEvent(ev Event) (*provenance.ProvenanceStep, error) {
	if ev.Type != EventProvenanceStep {
		return nil, fmt.Errorf("event %s is %s, not a provenance step", ev.Ref, ev.Type)
	}
	step := &provenance.ProvenanceStep{
		BatchID:  ev.BatchID,
		Actor:    ev.Actor,
		State:    provenance.BatchState(payloadString(ev.Payload, "state")),
		Location: payloadString(ev.Payload, "location"),
		Notes:    payloadString(ev.Payload, "notes"),
		EventRef: ev.Ref,
		Seq:      ev.Seq,
	}
	if ts := payloadString(ev.Payload, "timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %s has malformed timestamp %q: %w", ev.Ref, ts, err)
		}
		step.Timestamp = parsed
	}
	if !step.State.Valid() {
		return nil, fmt.Errorf("event %s has unknown state %q", ev.Ref, step.State)
	}
	return step, nil
}

// NewMintEvent packages a freshly minted batch for appending.
func NewMintEvent(b *provenance.Batch) Event {
	return Event{
		Type:    EventBatchMinted,
		BatchID: b.ID,
		Actor:   b.Producer,
		Payload: JSONPayload{
			"cropType":    b.CropType,
			"quantity":    b.Quantity,
			"originFarm":  b.OriginFarm,
			"harvestDate": b.HarvestDate.Format(time.RFC3339),
			"notes":       b.Notes,
			"metadataRef": b.MetadataRef,
		},
		RecordedAt: time.Now().UTC(),
	}
}

// BatchFromEvent decodes a batch's immutable core fields from its mint
// event.
func BatchFromEvent(ev Event) (*provenance.Batch, error) {
	if ev.Type != EventBatchMinted {
		return nil, fmt.Errorf("event %s is %s, not a mint event", ev.Ref, ev.Type)
	}
	b := &provenance.Batch{
		ID:          ev.BatchID,
		Producer:    ev.Actor,
		CropType:    payloadString(ev.Payload, "cropType"),
		OriginFarm:  payloadString(ev.Payload, "originFarm"),
		Notes:       payloadString(ev.Payload, "notes"),
		MetadataRef: payloadString(ev.Payload, "metadataRef"),
		MintedAt:    ev.RecordedAt,
	}
	switch q := ev.Payload["quantity"].(type) {
	case float64:
		b.Quantity = int(q)
	case int:
		b.Quantity = q
	}
	if hd := payloadString(ev.Payload, "harvestDate"); hd != "" {
		parsed, err := time.Parse(time.RFC3339, hd)
		if err != nil {
			return nil, fmt.Errorf("event %s has malformed harvestDate %q: %w", ev.Ref, hd, err)
		}
		b.HarvestDate = parsed
	}
	return b, nil
}

// NewRoleEvent packages an authoritative role assignment.
func NewRoleEvent(identity string, role provenance.Role, assignedBy string) Event {
	return Event{
		Type:  EventRoleAssigned,
		Actor: identity,
		Payload: JSONPayload{
			"role":       string(role),
			"assignedBy": assignedBy,
		},
		RecordedAt: time.Now().UTC(),
	}
}

// RoleFromEvent decodes the assigned role from a role event.
func RoleFromEvent(ev Event) (provenance.Role, error) {
	if ev.Type != EventRoleAssigned {
		return "", fmt.Errorf("event %s is %s, not a role assignment", ev.Ref, ev.Type)
	}
	role := provenance.Role(payloadString(ev.Payload, "role"))
	if !role.Valid() {
		return "", fmt.Errorf("event %s assigns unknown role %q", ev.Ref, role)
	}
	return role, nil
}

func payloadString(p JSONPayload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

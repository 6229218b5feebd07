package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agritrace/provenance/pkg/provenance"
)

// Store is a gorm-backed ledger. Events are append-only: nothing here
// updates or deletes a committed row.
type Store struct {
	db *gorm.DB
}

// NewStore creates a ledger store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the ledger events table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Event{}); err != nil {
		return fmt.Errorf("auto-migrate ledger_events: %w", err)
	}
	return nil
}

// Scan returns all events matching f in ledger-append order. An empty
// result is not an error.
func (s *Store) Scan(ctx context.Context, f Filter) ([]Event, error) {
	query := s.db.WithContext(ctx).Order("seq ASC")
	if f.BatchID != "" {
		query = query.Where("batch_id = ?", f.BatchID)
	}
	if f.Actor != "" {
		query = query.Where("actor = ?", f.Actor)
	}
	if f.Type != "" {
		query = query.Where("event_type = ?", f.Type)
	}

	var events []Event
	if err := query.Find(&events).Error; err != nil {
		return nil, provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
			err, "ledger scan failed")
	}
	return events, nil
}

// Append commits an event and returns its assigned reference.
func (s *Store) Append(ctx context.Context, ev Event) (string, error) {
	if ev.Ref == "" {
		ev.Ref = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return "", provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
			err, "ledger append failed")
	}
	return ev.Ref, nil
}

// AppendFenced commits ev only if the latest provenance-step sequence
// for ev.BatchID still equals expectedLastSeq (0 for a batch with no
// steps yet). The check and insert run in one transaction so a
// concurrent append either lands before (and fails this call with
// STALE_RECORD) or after.
func (s *Store) AppendFenced(ctx context.Context, ev Event, expectedLastSeq uint64) (string, error) {
	if ev.BatchID == "" {
		return "", fmt.Errorf("fenced append requires a batch id")
	}
	if ev.Ref == "" {
		ev.Ref = uuid.New().String()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Event
		err := tx.Where("batch_id = ? AND event_type = ?", ev.BatchID, EventProvenanceStep).
			Order("seq DESC").First(&last).Error
		lastSeq := uint64(0)
		if err == nil {
			lastSeq = last.Seq
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
				err, "ledger head lookup failed")
		}
		if lastSeq != expectedLastSeq {
			return provenance.Errorf(provenance.KindConflict, provenance.CodeStaleRecord,
				"batch %s moved to seq %d while caller assumed seq %d", ev.BatchID, lastSeq, expectedLastSeq)
		}
		if err := tx.Create(&ev).Error; err != nil {
			return provenance.Wrap(provenance.KindNetwork, provenance.CodeLedgerUnavailable,
				err, "ledger append failed")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ev.Ref, nil
}

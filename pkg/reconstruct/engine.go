// Package reconstruct derives materialized provenance views from the
// raw ledger event stream. The ledger is the only source of truth: every
// record here is a pure fold over events in ledger order, recomputed on
// every call, with descriptive metadata hydrated through the
// content-addressed store.
package reconstruct

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/metastore"
	"github.com/agritrace/provenance/pkg/provenance"
)

// CodeReconstructionUnavailable is surfaced when the underlying ledger
// cannot be reached, so callers can distinguish "ledger down" from
// domain rejections.
const CodeReconstructionUnavailable = "RECONSTRUCTION_UNAVAILABLE"

// Details holds the human-readable descriptive fields resolved from a
// batch's metadata blob.
type Details struct {
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	ImageRef    string            `json:"imageRef,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// detailFields names the descriptive fields reported missing when
// hydration fails.
var detailFields = []string{"name", "description", "imageRef", "attributes"}

// BatchView is a fully reconstructed batch: immutable mint fields, the
// materialized provenance record, the ordered step history, and the
// hydrated descriptive details. Degraded marks views whose metadata
// could not be resolved; their Details stay empty rather than inventing
// placeholders.
type BatchView struct {
	Batch         *provenance.Batch            `json:"batch"`
	Record        *provenance.ProvenanceRecord `json:"record,omitempty"`
	Steps         []provenance.ProvenanceStep  `json:"steps,omitempty"`
	Details       *Details                     `json:"details,omitempty"`
	Degraded      bool                         `json:"degraded,omitempty"`
	MissingFields []string                     `json:"missingFields,omitempty"`
}

// PartialError reports a degraded view as a typed error naming the
// unresolved fields. It returns nil for fully hydrated views, so callers
// that tolerate missing details can log it and move on while strict
// callers can refuse the view.
func (v *BatchView) PartialError() error {
	if !v.Degraded {
		return nil
	}
	return provenance.Errorf(provenance.KindPartial, provenance.CodePartialMetadata,
		"batch %s metadata unresolved: missing %s", v.Batch.ID, strings.Join(v.MissingFields, ", "))
}

// Engine replays ledger events into materialized views.
type Engine struct {
	reader ledger.Reader
	meta   metastore.Store
	log    *slog.Logger
}

// NewEngine creates a reconstruction engine. meta may be nil for
// deployments that never hydrate descriptive fields.
func NewEngine(reader ledger.Reader, meta metastore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{reader: reader, meta: meta, log: logger}
}

// Record replays the provenance steps of one batch and returns the
// materialized record plus the ordered history. Returns NOT_INITIALIZED
// if the batch has no steps yet.
func (e *Engine) Record(ctx context.Context, batchID string) (*provenance.ProvenanceRecord, []provenance.ProvenanceStep, error) {
	events, err := e.reader.Scan(ctx, ledger.Filter{BatchID: batchID, Type: ledger.EventProvenanceStep})
	if err != nil {
		return nil, nil, e.unavailable(err)
	}
	steps, err := decodeSteps(events)
	if err != nil {
		return nil, nil, err
	}
	if len(steps) == 0 {
		return nil, nil, provenance.Errorf(provenance.KindState, provenance.CodeNotInitialized,
			"batch %s has no provenance steps", batchID)
	}
	return fold(batchID, steps), steps, nil
}

// Batch replays the mint event of one batch into its immutable core
// fields. Returns nil, nil when the batch was never minted.
func (e *Engine) Batch(ctx context.Context, batchID string) (*provenance.Batch, error) {
	events, err := e.reader.Scan(ctx, ledger.Filter{BatchID: batchID, Type: ledger.EventBatchMinted})
	if err != nil {
		return nil, e.unavailable(err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	// The ledger is append-only; a re-mint of the same id is ignored in
	// favor of the first event.
	return ledger.BatchFromEvent(events[0])
}

// View assembles the complete view of one batch: mint fields, record,
// history, and hydrated details. A metadata failure degrades the view
// instead of failing it; an uninitialized batch yields a view with a nil
// record.
func (e *Engine) View(ctx context.Context, batchID string) (*BatchView, error) {
	batch, err := e.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, provenance.Errorf(provenance.KindState, provenance.CodeNotInitialized,
			"batch %s was never minted", batchID)
	}

	view := &BatchView{Batch: batch}
	record, steps, err := e.Record(ctx, batchID)
	switch {
	case err == nil:
		view.Record = record
		view.Steps = steps
	case provenance.IsCode(err, provenance.CodeNotInitialized):
		// Minted but not initialized: the view carries no record.
	default:
		return nil, err
	}

	e.hydrate(ctx, view)
	return view, nil
}

// hydrate resolves the batch's metadataRef into Details, degrading the
// view on any failure.
func (e *Engine) hydrate(ctx context.Context, view *BatchView) {
	if view.Batch.MetadataRef == "" || e.meta == nil {
		return
	}
	data, err := e.meta.Fetch(ctx, view.Batch.MetadataRef)
	if err != nil {
		e.log.Warn("metadata hydration failed, degrading view",
			"batch", view.Batch.ID, "ref", view.Batch.MetadataRef, "error", err)
		view.Degraded = true
		view.MissingFields = detailFields
		return
	}
	var details Details
	if err := json.Unmarshal(data, &details); err != nil {
		e.log.Warn("metadata blob is malformed, degrading view",
			"batch", view.Batch.ID, "ref", view.Batch.MetadataRef, "error", err)
		view.Degraded = true
		view.MissingFields = detailFields
		return
	}
	view.Details = &details
}

func (e *Engine) unavailable(err error) error {
	return provenance.Wrap(provenance.KindNetwork, CodeReconstructionUnavailable,
		err, "reconstruction unavailable: ledger cannot be read")
}

// decodeSteps converts raw events to steps and sorts them by ledger
// sequence. Actor-supplied timestamps are advisory and never used for
// ordering.
func decodeSteps(events []ledger.Event) ([]provenance.ProvenanceStep, error) {
	steps := make([]provenance.ProvenanceStep, 0, len(events))
	for _, ev := range events {
		step, err := ledger.StepFromEvent(ev)
		if err != nil {
			return nil, provenance.Wrap(provenance.KindState, provenance.CodeNotInitialized,
				err, "malformed provenance step on ledger")
		}
		steps = append(steps, *step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Seq < steps[j].Seq })
	return steps, nil
}

// fold materializes a record from ordered steps.
func fold(batchID string, steps []provenance.ProvenanceStep) *provenance.ProvenanceRecord {
	first := steps[0]
	last := steps[len(steps)-1]
	return &provenance.ProvenanceRecord{
		BatchID:          batchID,
		OriginalProducer: first.Actor,
		CreationTime:     first.Timestamp,
		CurrentState:     last.State,
		CurrentOwner:     last.Actor,
		TotalSteps:       len(steps),
		LastSeq:          last.Seq,
	}
}

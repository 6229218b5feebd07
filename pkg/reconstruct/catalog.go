package reconstruct

import (
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/provenance"
)

// Catalog replays every mint event into the full batch catalog. This is
// the most expensive reconstruction: it scans the whole mint log plus
// all provenance steps, then hydrates metadata per batch. A single
// batch's metadata failing to resolve degrades that entry only; the
// catalog itself always completes unless the ledger is unreachable.
func (e *Engine) Catalog(ctx context.Context) ([]BatchView, error) {
	mints, err := e.reader.Scan(ctx, ledger.Filter{Type: ledger.EventBatchMinted})
	if err != nil {
		return nil, e.unavailable(err)
	}
	if len(mints) == 0 {
		return nil, nil
	}

	// One scan of the whole step log, grouped per batch, instead of one
	// ledger round trip per batch.
	stepEvents, err := e.reader.Scan(ctx, ledger.Filter{Type: ledger.EventProvenanceStep})
	if err != nil {
		return nil, e.unavailable(err)
	}
	stepsByBatch := make(map[string][]provenance.ProvenanceStep)
	for _, ev := range stepEvents {
		step, err := ledger.StepFromEvent(ev)
		if err != nil {
			e.log.Warn("skipping malformed step event", "ref", ev.Ref, "error", err)
			continue
		}
		stepsByBatch[step.BatchID] = append(stepsByBatch[step.BatchID], *step)
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	views := make([]BatchView, 0, len(mints))
	for _, ev := range mints {
		if !seen.Add(ev.BatchID) {
			continue
		}
		batch, err := ledger.BatchFromEvent(ev)
		if err != nil {
			e.log.Warn("skipping malformed mint event", "ref", ev.Ref, "error", err)
			continue
		}
		view := BatchView{Batch: batch}
		if steps := stepsByBatch[batch.ID]; len(steps) > 0 {
			view.Record = fold(batch.ID, steps)
			view.Steps = steps
		}
		e.hydrate(ctx, &view)
		views = append(views, view)
	}
	return views, nil
}

// ActorBatches returns the ids of every batch the given actor has ever
// touched, for "my batches" views: batches they minted, received, or
// currently hold.
func (e *Engine) ActorBatches(ctx context.Context, actor string) ([]string, error) {
	events, err := e.reader.Scan(ctx, ledger.Filter{Actor: actor})
	if err != nil {
		return nil, e.unavailable(err)
	}
	ids := mapset.NewThreadUnsafeSet[string]()
	for _, ev := range events {
		if ev.BatchID != "" {
			ids.Add(ev.BatchID)
		}
	}
	sorted := ids.ToSlice()
	// Deterministic output for callers and tests.
	sort.Strings(sorted)
	return sorted, nil
}

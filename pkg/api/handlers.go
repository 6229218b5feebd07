package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/provenance"
	"github.com/agritrace/provenance/pkg/roles"
)

// mintHandler creates a batch: validates the immutable core fields,
// uploads the descriptive metadata blob, and appends the mint event.
func (s *Server) mintHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	role, err := s.roles.Role(r.Context(), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !roles.Can(role, roles.CapMint) {
		writeError(w, http.StatusForbidden, provenance.CodeUnauthorized,
			"role "+string(role)+" may not mint batches")
		return
	}

	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "invalid request body: "+err.Error())
		return
	}

	batch := &provenance.Batch{
		ID:          uuid.New().String(),
		Producer:    actor,
		CropType:    req.CropType,
		Quantity:    req.Quantity,
		OriginFarm:  req.OriginFarm,
		HarvestDate: req.HarvestDate,
		Notes:       req.Notes,
		MintedAt:    time.Now().UTC(),
	}
	if err := provenance.ValidateBatch(batch, s.limits, time.Now()); err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Metadata != nil {
		blob, err := json.Marshal(req.Metadata)
		if err != nil {
			writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "invalid metadata: "+err.Error())
			return
		}
		hash, err := s.meta.Upload(r.Context(), blob, "json")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		batch.MetadataRef = hash
	}

	if _, err := s.writer.Append(r.Context(), ledger.NewMintEvent(batch)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("batch minted", "batch", batch.ID, "producer", actor, "crop", batch.CropType)
	writeJSON(w, http.StatusCreated, MintResponse{Batch: batch})
}

// initializeHandler appends the first provenance step for a minted
// batch. Only the minting producer may initialize.
func (s *Server) initializeHandler(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req InitializeRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, err.Error())
		return
	}

	batch, err := s.engine.Batch(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, provenance.CodeNotInitialized, "batch "+batchID+" was never minted")
		return
	}

	record, _, err := s.engine.Record(r.Context(), batchID)
	if err != nil && !provenance.IsCode(err, provenance.CodeNotInitialized) {
		writeDomainError(w, err)
		return
	}

	step, err := s.machine.Initialize(batch, record, actor, req.Location, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ref, err := s.writer.AppendFenced(r.Context(), ledger.NewStepEvent(step), 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	step.EventRef = ref
	s.log.Info("batch initialized", "batch", batchID, "producer", actor)
	writeJSON(w, http.StatusCreated, StepResponse{Step: step, Record: s.freshRecord(r.Context(), batchID)})
}

// transferHandler validates and commits an ownership transfer. On a
// STALE_RECORD conflict (a concurrent transfer won the race) it
// re-reconstructs and retries exactly once before surfacing the
// conflict.
func (s *Server) transferHandler(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "invalid request body: "+err.Error())
		return
	}

	fromRole, err := s.roles.Role(r.Context(), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	toRole, err := s.roles.Role(r.Context(), req.To)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if toRole == "" {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch,
			"recipient "+req.To+" has no assigned role")
		return
	}

	nextState := req.NextState
	if nextState == "" {
		nextState = impliedState(toRole)
	}

	step, record, err := s.commitStep(r.Context(), batchID, func(record *provenance.ProvenanceRecord, ownerRole provenance.Role) (*provenance.ProvenanceStep, error) {
		return s.machine.Transfer(record, ownerRole, provenance.TransferRequest{
			BatchID:   batchID,
			From:      actor,
			FromRole:  fromRole,
			To:        req.To,
			ToRole:    toRole,
			NextState: nextState,
			Location:  req.Location,
			Notes:     req.Notes,
		})
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("batch transferred", "batch", batchID, "from", actor, "to", req.To, "state", step.State)
	writeJSON(w, http.StatusCreated, StepResponse{Step: step, Record: record})
}

// consumeHandler marks a delivered batch consumed, with the same
// retry-once conflict policy as transfers.
func (s *Server) consumeHandler(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req ConsumeRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, err.Error())
		return
	}

	step, record, err := s.commitStep(r.Context(), batchID, func(record *provenance.ProvenanceRecord, _ provenance.Role) (*provenance.ProvenanceStep, error) {
		return s.machine.MarkConsumed(record, actor, req.Location, req.Notes)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("batch consumed", "batch", batchID, "owner", actor)
	writeJSON(w, http.StatusCreated, StepResponse{Step: step, Record: record})
}

// commitStep runs the reconstruct-decide-append cycle: replay the
// record, let build validate the transition, append fenced on the
// record's last step sequence, and retry the whole cycle once if a
// concurrent append made the record stale.
func (s *Server) commitStep(ctx context.Context, batchID string, build func(*provenance.ProvenanceRecord, provenance.Role) (*provenance.ProvenanceStep, error)) (*provenance.ProvenanceStep, *provenance.ProvenanceRecord, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		record, _, err := s.engine.Record(ctx, batchID)
		if err != nil {
			return nil, nil, err
		}
		ownerRole, err := s.roles.Role(ctx, record.CurrentOwner)
		if err != nil {
			return nil, nil, err
		}
		step, err := build(record, ownerRole)
		if err != nil {
			return nil, nil, err
		}
		ref, err := s.writer.AppendFenced(ctx, ledger.NewStepEvent(step), record.LastSeq)
		if err == nil {
			step.EventRef = ref
			return step, s.freshRecord(ctx, batchID), nil
		}
		if provenance.ErrKind(err) != provenance.KindConflict {
			return nil, nil, err
		}
		s.log.Warn("stale record on append, re-reconstructing", "batch", batchID, "attempt", attempt+1)
		lastErr = err
	}
	return nil, nil, lastErr
}

// freshRecord re-replays the record after a successful append. Best
// effort: a read failure right after a committed write returns nil
// rather than failing the response.
func (s *Server) freshRecord(ctx context.Context, batchID string) *provenance.ProvenanceRecord {
	record, _, err := s.engine.Record(ctx, batchID)
	if err != nil {
		s.log.Warn("post-append reconstruction failed", "batch", batchID, "error", err)
		return nil
	}
	return record
}

// batchHandler returns the full reconstructed view of one batch.
func (s *Server) batchHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if provenance.IsCode(err, provenance.CodeNotInitialized) {
			writeError(w, http.StatusNotFound, provenance.CodeNotInitialized, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// historyHandler returns the materialized record plus ordered steps.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	record, steps, err := s.engine.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Record: record, Steps: steps})
}

// catalogHandler returns the full batch catalog, degraded entries
// included.
func (s *Server) catalogHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.Catalog(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	degraded := 0
	for _, v := range views {
		if err := v.PartialError(); err != nil {
			s.log.Warn("catalog entry served with partial metadata", "error", err)
			degraded++
		}
	}
	writeJSON(w, http.StatusOK, CatalogResponse{Batches: views, Degraded: degraded})
}

func (s *Server) actorBatchesHandler(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "id")
	ids, err := s.engine.ActorBatches(r.Context(), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActorBatchesResponse{Actor: actor, BatchIDs: ids})
}

func (s *Server) actorRoleHandler(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "id")
	role, err := s.roles.Role(r.Context(), identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := RoleResponse{Identity: identity, Role: role}
	for _, c := range roles.Capabilities(role).ToSlice() {
		resp.Capabilities = append(resp.Capabilities, string(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// assignRoleHandler appends an authoritative role assignment. Admin
// only.
func (s *Server) assignRoleHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	actorRole, err := s.roles.Role(r.Context(), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !roles.Can(actorRole, roles.CapAssignRoles) {
		writeError(w, http.StatusForbidden, provenance.CodeUnauthorized, "only admins may assign roles")
		return
	}

	var req AssignRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "invalid request body: "+err.Error())
		return
	}
	if err := provenance.ValidateIdentity(req.Identity); err != nil {
		writeDomainError(w, err)
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "unknown role "+string(req.Role))
		return
	}

	if _, err := s.writer.Append(r.Context(), ledger.NewRoleEvent(req.Identity, req.Role, actor)); err != nil {
		writeDomainError(w, err)
		return
	}
	// The local projection is stale the moment the ledger moves.
	s.roles.Invalidate(req.Identity)
	s.log.Info("role assigned", "identity", req.Identity, "role", req.Role, "by", actor)
	writeJSON(w, http.StatusCreated, RoleResponse{Identity: req.Identity, Role: req.Role})
}

// refreshRolesHandler drops the local role projection so the next
// lookup re-syncs from the ledger.
func (s *Server) refreshRolesHandler(w http.ResponseWriter, r *http.Request) {
	var req RefreshRolesRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, err.Error())
		return
	}
	if req.Identity == "" {
		s.roles.InvalidateAll()
	} else {
		s.roles.Invalidate(req.Identity)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// uploadMetadataHandler stores a raw blob and returns its content hash.
func (s *Server) uploadMetadataHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.actor(w, r); !ok {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, provenance.CodeInvalidBatch, "empty payload")
		return
	}
	hash, err := s.meta.Upload(r.Context(), data, r.URL.Query().Get("kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Hash: hash})
}

// fetchMetadataHandler resolves a content hash to raw bytes.
func (s *Server) fetchMetadataHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.meta.Fetch(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// impliedState maps a recipient role to the state a transfer to that
// role lands in.
func impliedState(role provenance.Role) provenance.BatchState {
	switch role {
	case provenance.RoleCarrier:
		return provenance.StateInTransit
	case provenance.RolePurchaser:
		return provenance.StateDelivered
	default:
		return ""
	}
}

// decodeOptionalBody decodes a JSON body, tolerating an empty one.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agritrace/provenance/pkg/provenance"
	"github.com/agritrace/provenance/pkg/reconstruct"
)

// MintRequest creates a new batch and its mint event.
type MintRequest struct {
	CropType    string               `json:"cropType"`
	Quantity    int                  `json:"quantity"`
	OriginFarm  string               `json:"originFarm"`
	HarvestDate time.Time            `json:"harvestDate"`
	Notes       string               `json:"notes,omitempty"`
	Metadata    *reconstruct.Details `json:"metadata,omitempty"`
}

// MintResponse returns the minted batch.
type MintResponse struct {
	Batch *provenance.Batch `json:"batch"`
}

// InitializeRequest starts a batch's provenance.
type InitializeRequest struct {
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// TransferRequest proposes an ownership transfer. NextState is optional;
// when empty the state implied by the recipient's role is used.
type TransferRequest struct {
	To        string                `json:"to"`
	NextState provenance.BatchState `json:"nextState,omitempty"`
	Location  string                `json:"location,omitempty"`
	Notes     string                `json:"notes,omitempty"`
}

// ConsumeRequest marks a delivered batch consumed.
type ConsumeRequest struct {
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// StepResponse returns the committed provenance step.
type StepResponse struct {
	Step   *provenance.ProvenanceStep   `json:"step"`
	Record *provenance.ProvenanceRecord `json:"record"`
}

// HistoryResponse returns a batch's materialized record and ordered
// step history.
type HistoryResponse struct {
	Record *provenance.ProvenanceRecord `json:"record"`
	Steps  []provenance.ProvenanceStep  `json:"steps"`
}

// CatalogResponse returns the full batch catalog. Degraded entries are
// included with empty descriptive fields rather than excluded.
type CatalogResponse struct {
	Batches  []reconstruct.BatchView `json:"batches"`
	Degraded int                     `json:"degraded"`
}

// ActorBatchesResponse lists every batch an actor has touched.
type ActorBatchesResponse struct {
	Actor    string   `json:"actor"`
	BatchIDs []string `json:"batchIds"`
}

// RoleResponse reports an identity's role and capabilities.
type RoleResponse struct {
	Identity     string          `json:"identity"`
	Role         provenance.Role `json:"role,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// AssignRoleRequest assigns an authoritative role to an identity.
type AssignRoleRequest struct {
	Identity string          `json:"identity"`
	Role     provenance.Role `json:"role"`
}

// RefreshRolesRequest invalidates the role projection. An empty
// identity drops the whole projection.
type RefreshRolesRequest struct {
	Identity string `json:"identity,omitempty"`
}

// UploadResponse returns the content hash of an uploaded blob.
type UploadResponse struct {
	Hash string `json:"hash"`
}

// errorBody is the error envelope every failure response carries. Kind
// and Code are stable so presentation code can choose wording without
// string matching.
type errorBody struct {
	Kind    provenance.Kind `json:"kind"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch provenance.ErrKind(err) {
	case provenance.KindValidation:
		return http.StatusBadRequest
	case provenance.KindAuthorization:
		return http.StatusForbidden
	case provenance.KindState, provenance.KindConflict:
		return http.StatusConflict
	case provenance.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeDomainError writes a structured domain error with its mapped
// status, or a bare 500 for errors that carry no kind.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := provenance.ErrKind(err)
	if kind == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": errorBody{
			Code:    "INTERNAL",
			Message: err.Error(),
		}})
		return
	}
	writeJSON(w, statusFor(err), map[string]any{"error": errorBody{
		Kind:    kind,
		Code:    provenance.ErrCode(err),
		Message: err.Error(),
	}})
}

// writeError writes a plain error with an explicit status and code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

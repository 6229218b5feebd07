package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/metastore"
	"github.com/agritrace/provenance/pkg/provenance"
	"github.com/agritrace/provenance/pkg/reconstruct"
	"github.com/agritrace/provenance/pkg/roles"
)

type testEnv struct {
	store  *ledger.Store
	meta   *metastore.MockStore
	server *Server
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := ledger.NewStore(db)
	require.NoError(t, store.AutoMigrate())

	meta := metastore.NewMockStore()
	engine := reconstruct.NewEngine(store, meta, slog.Default())
	roleCache := roles.NewCache(roles.NewLedgerSource(store), time.Minute)
	server := NewServer(engine, store, meta, roleCache, slog.Default())
	return &testEnv{store: store, meta: meta, server: server, router: server.Router()}
}

func (e *testEnv) assignRole(t *testing.T, identity string, role provenance.Role) {
	t.Helper()
	_, err := e.store.Append(context.Background(), ledger.NewRoleEvent(identity, role, "test"))
	require.NoError(t, err)
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != "" {
		req.Header.Set(roles.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func (e *testEnv) mint(t *testing.T, producer string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/batches", producer, MintRequest{
		CropType:    "coffee",
		Quantity:    250,
		OriginFarm:  "Finca El Roble",
		HarvestDate: time.Now().Add(-24 * time.Hour),
		Metadata:    &reconstruct.Details{Name: "Lot 12", Description: "washed arabica"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp MintResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Batch.ID
}

func TestLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)
	env.assignRole(t, "carrier-1", provenance.RoleCarrier)
	env.assignRole(t, "buyer-1", provenance.RolePurchaser)

	id := env.mint(t, "farm-a")

	// Initialize: state produced, owner farm-a.
	w := env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-a", InitializeRequest{Location: "farm"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var stepResp StepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepResp))
	assert.Equal(t, provenance.StateProduced, stepResp.Record.CurrentState)
	assert.Equal(t, "farm-a", stepResp.Record.CurrentOwner)

	// Producer -> carrier: in transit, owner carrier-1.
	w = env.do(t, "POST", "/api/v1/batches/"+id+"/transfer", "farm-a", TransferRequest{To: "carrier-1", Location: "highway 5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepResp))
	assert.Equal(t, provenance.StateInTransit, stepResp.Record.CurrentState)
	assert.Equal(t, "carrier-1", stepResp.Record.CurrentOwner)

	// Carrier -> purchaser: delivered, owner buyer-1.
	w = env.do(t, "POST", "/api/v1/batches/"+id+"/transfer", "carrier-1", TransferRequest{To: "buyer-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepResp))
	assert.Equal(t, provenance.StateDelivered, stepResp.Record.CurrentState)

	// Consume: terminal.
	w = env.do(t, "POST", "/api/v1/batches/"+id+"/consume", "buyer-1", ConsumeRequest{Location: "home"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stepResp))
	assert.Equal(t, provenance.StateConsumed, stepResp.Record.CurrentState)
	assert.Equal(t, 4, stepResp.Record.TotalSteps)

	// Any further transfer fails with TERMINAL_STATE.
	w = env.do(t, "POST", "/api/v1/batches/"+id+"/transfer", "buyer-1", TransferRequest{To: "carrier-1"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, provenance.CodeTerminalState, decodeError(t, w).Code)

	// Full history is reconstructible.
	w = env.do(t, "GET", "/api/v1/batches/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Steps, 4)
	assert.Equal(t, hist.Steps[3].State, hist.Record.CurrentState)
	assert.Equal(t, hist.Steps[3].Actor, hist.Record.CurrentOwner)
}

func TestTransferNotOwner(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)
	env.assignRole(t, "buyer-1", provenance.RolePurchaser)
	env.assignRole(t, "carrier-1", provenance.RoleCarrier)

	id := env.mint(t, "farm-a")
	w := env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-a", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// buyer-1 tries to move a batch it does not own.
	w = env.do(t, "POST", "/api/v1/batches/"+id+"/transfer", "buyer-1", TransferRequest{To: "carrier-1"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, provenance.CodeNotOwner, decodeError(t, w).Code)
}

func TestMintRequiresProducerRole(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "carrier-1", provenance.RoleCarrier)

	w := env.do(t, "POST", "/api/v1/batches", "carrier-1", MintRequest{
		CropType: "coffee", Quantity: 10, OriginFarm: "x", HarvestDate: time.Now().Add(-time.Hour),
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, provenance.CodeUnauthorized, decodeError(t, w).Code)

	// No identity at all.
	w = env.do(t, "POST", "/api/v1/batches", "", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestMintValidation(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)

	w := env.do(t, "POST", "/api/v1/batches", "farm-a", MintRequest{
		CropType: "coffee", Quantity: -1, OriginFarm: "x", HarvestDate: time.Now().Add(-time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, provenance.CodeInvalidBatch, decodeError(t, w).Code)

	w = env.do(t, "POST", "/api/v1/batches", "farm-a", MintRequest{
		CropType: "coffee", Quantity: 10, OriginFarm: "x", HarvestDate: time.Now().Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitializeOnlyByMinter(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)
	env.assignRole(t, "farm-b", provenance.RoleProducer)

	id := env.mint(t, "farm-a")

	w := env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-b", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, provenance.CodeUnauthorized, decodeError(t, w).Code)

	w = env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-a", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Double initialization is a state conflict.
	w = env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-a", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, provenance.CodeAlreadyInitialized, decodeError(t, w).Code)

	// Unknown batch.
	w = env.do(t, "POST", "/api/v1/batches/nope/initialize", "farm-a", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchViewAndCatalog(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)

	id := env.mint(t, "farm-a")
	w := env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-a", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "GET", "/api/v1/batches/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view reconstruct.BatchView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "Lot 12", view.Details.Name)
	assert.False(t, view.Degraded)

	w = env.do(t, "GET", "/api/v1/batches/missing", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/batches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var catalog CatalogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &catalog))
	require.Len(t, catalog.Batches, 1)
	assert.Equal(t, 0, catalog.Degraded)
}

func TestActorEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)

	id := env.mint(t, "farm-a")

	w := env.do(t, "GET", "/api/v1/actors/farm-a/batches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var batches ActorBatchesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batches))
	assert.Equal(t, []string{id}, batches.BatchIDs)

	w = env.do(t, "GET", "/api/v1/actors/farm-a/role", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var role RoleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, provenance.RoleProducer, role.Role)
	assert.Contains(t, role.Capabilities, string(roles.CapMint))
}

func TestRoleAssignmentAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "admin-1", provenance.RoleAdmin)

	// Non-admin cannot assign.
	env.assignRole(t, "farm-a", provenance.RoleProducer)
	w := env.do(t, "POST", "/api/v1/roles", "farm-a", AssignRoleRequest{Identity: "x", Role: provenance.RoleCarrier})
	require.Equal(t, http.StatusForbidden, w.Code)

	// Admin assigns carrier-9.
	w = env.do(t, "POST", "/api/v1/roles", "admin-1", AssignRoleRequest{Identity: "carrier-9", Role: provenance.RoleCarrier})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/v1/actors/carrier-9/role", "", nil)
	var role RoleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, provenance.RoleCarrier, role.Role)

	// Unknown role is rejected.
	w = env.do(t, "POST", "/api/v1/roles", "admin-1", AssignRoleRequest{Identity: "y", Role: "overlord"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Refresh drops the projection without error.
	w = env.do(t, "POST", "/api/v1/roles/refresh", "", RefreshRolesRequest{})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetadataEndpoints(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"name":"Lot 9"}`)
	req := httptest.NewRequest("POST", "/api/v1/metadata?kind=json", bytes.NewReader(payload))
	req.Header.Set(roles.ActorHeader, "farm-a")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var up UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	require.NotEmpty(t, up.Hash)

	g := env.do(t, "GET", "/api/v1/metadata/"+up.Hash, "", nil)
	require.Equal(t, http.StatusOK, g.Code)
	assert.Equal(t, payload, g.Body.Bytes())

	g = env.do(t, "GET", "/api/v1/metadata/unknown-hash", "", nil)
	require.Equal(t, http.StatusBadGateway, g.Code)
	assert.Equal(t, provenance.CodeAllGatewaysFailed, decodeError(t, g).Code)
}

// conflictOnceWriter rejects the first fenced append with a stale-record
// conflict, simulating a concurrent transfer winning the race, then
// delegates.
type conflictOnceWriter struct {
	inner    ledger.Writer
	rejected bool
}

func (c *conflictOnceWriter) Append(ctx context.Context, ev ledger.Event) (string, error) {
	return c.inner.Append(ctx, ev)
}

func (c *conflictOnceWriter) AppendFenced(ctx context.Context, ev ledger.Event, expected uint64) (string, error) {
	if !c.rejected {
		c.rejected = true
		return "", provenance.Errorf(provenance.KindConflict, provenance.CodeStaleRecord, "simulated race")
	}
	return c.inner.AppendFenced(ctx, ev, expected)
}

func TestTransferRetriesOnceOnStaleRecord(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)
	env.assignRole(t, "carrier-1", provenance.RoleCarrier)

	id := env.mint(t, "farm-a")
	w := env.do(t, "POST", "/api/v1/batches/"+id+"/initialize", "farm-a", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	env.server.writer = &conflictOnceWriter{inner: env.store}
	env.router = env.server.Router()

	w = env.do(t, "POST", "/api/v1/batches/"+id+"/transfer", "farm-a", TransferRequest{To: "carrier-1"})
	require.Equal(t, http.StatusCreated, w.Code, "one stale rejection must be absorbed by the retry")
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCatalogWithDegradedEntries(t *testing.T) {
	env := newTestEnv(t)
	env.assignRole(t, "farm-a", provenance.RoleProducer)

	// Two healthy batches plus one whose metadata hash resolves nowhere.
	env.mint(t, "farm-a")
	env.mint(t, "farm-a")
	broken := &provenance.Batch{ID: "b-broken", Producer: "farm-a", MetadataRef: "qm-vanished"}
	_, err := env.store.Append(context.Background(), ledger.NewMintEvent(broken))
	require.NoError(t, err)

	w := env.do(t, "GET", "/api/v1/batches", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var catalog CatalogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &catalog))
	require.Len(t, catalog.Batches, 3)
	assert.Equal(t, 1, catalog.Degraded)

	degradedSeen := 0
	for _, v := range catalog.Batches {
		if v.Degraded {
			degradedSeen++
			assert.Nil(t, v.Details)
		}
	}
	assert.Equal(t, 1, degradedSeen)
}

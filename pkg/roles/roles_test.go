package roles

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/provenance"
)

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := ledger.NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestLedgerSource_LastWriterWins(t *testing.T) {
	store := newTestLedger(t)
	ctx := context.Background()

	_, err := store.Append(ctx, ledger.NewRoleEvent("alice", provenance.RoleCarrier, "admin-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, ledger.NewRoleEvent("alice", provenance.RolePurchaser, "admin-1"))
	require.NoError(t, err)

	source := NewLedgerSource(store)
	role, err := source.Role(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, provenance.RolePurchaser, role)

	// Unassigned identity resolves to the empty role, not an error.
	role, err = source.Role(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, provenance.Role(""), role)
}

// countingSource counts authoritative lookups to observe cache behavior.
type countingSource struct {
	role  provenance.Role
	calls atomic.Int32
}

func (s *countingSource) Role(ctx context.Context, identity string) (provenance.Role, error) {
	s.calls.Add(1)
	return s.role, nil
}

func TestCache_ProjectionAndRefresh(t *testing.T) {
	source := &countingSource{role: provenance.RoleProducer}
	cache := NewCache(source, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		role, err := cache.Role(ctx, "farm-a")
		require.NoError(t, err)
		assert.Equal(t, provenance.RoleProducer, role)
	}
	assert.Equal(t, int32(1), source.calls.Load(), "repeated lookups within TTL hit the projection")

	// The authoritative role changes; the projection is stale until
	// invalidated or refreshed.
	source.role = provenance.RoleCarrier
	role, _ := cache.Role(ctx, "farm-a")
	assert.Equal(t, provenance.RoleProducer, role)

	role, err := cache.Refresh(ctx, "farm-a")
	require.NoError(t, err)
	assert.Equal(t, provenance.RoleCarrier, role)

	cache.Invalidate("farm-a")
	_, _ = cache.Role(ctx, "farm-a")
	assert.Equal(t, int32(3), source.calls.Load())
}

func TestCache_Expiry(t *testing.T) {
	source := &countingSource{role: provenance.RolePurchaser}
	cache := NewCache(source, 20*time.Millisecond)
	ctx := context.Background()

	_, _ = cache.Role(ctx, "buyer-1")
	time.Sleep(30 * time.Millisecond)
	_, _ = cache.Role(ctx, "buyer-1")
	assert.Equal(t, int32(2), source.calls.Load(), "expired projection falls back to the source")
}

func TestCapabilities(t *testing.T) {
	assert.True(t, Can(provenance.RoleProducer, CapMint))
	assert.True(t, Can(provenance.RoleProducer, CapInitialize))
	assert.False(t, Can(provenance.RoleCarrier, CapMint))
	assert.True(t, Can(provenance.RolePurchaser, CapConsume))
	assert.False(t, Can(provenance.RoleProducer, CapConsume))
	assert.True(t, Can(provenance.RoleAdmin, CapAdminOverride))
	assert.False(t, Can(provenance.Role("stranger"), CapTransfer))

	// Capabilities returns a defensive copy.
	caps := Capabilities(provenance.RoleCarrier)
	caps.Add(CapMint)
	assert.False(t, Can(provenance.RoleCarrier, CapMint))
	assert.Equal(t, 0, Capabilities(provenance.Role("unknown")).Cardinality())
}

func TestHeaderIdentityExtractor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", HeaderIdentityExtractor(r))

	r.Header.Set(ActorHeader, "  farm-a  ")
	assert.Equal(t, "farm-a", HeaderIdentityExtractor(r))
}

func TestJWTIdentityExtractor_Unverified(t *testing.T) {
	extract, err := NewJWTIdentityExtractor(JWTExtractorConfig{})
	require.NoError(t, err)

	// Unsigned token in trusted-proxy mode. Claims: {"sub":"farm-a"}.
	token := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJmYXJtLWEifQ."
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, "farm-a", extract(r))

	// Missing or malformed tokens resolve to no identity.
	r = httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", extract(r))
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", extract(r))
	r.Header.Set("Authorization", "Bearer not.a.jwt")
	assert.Equal(t, "", extract(r))
}

package metastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/agritrace/provenance/pkg/provenance"
)

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// MockStore is an in-memory, local-only metadata store for development
// when no write credentials are configured. It must be selected
// explicitly at startup; the real Client never falls back to it when a
// request fails.
type MockStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{blobs: make(map[string][]byte)}
}

// Upload stores data keyed by its SHA-256 hex digest and returns that
// digest as the content hash.
func (m *MockStore) Upload(ctx context.Context, data []byte, kind string) (string, error) {
	if len(data) == 0 {
		return "", provenance.Errorf(provenance.KindValidation, provenance.CodeInvalidBatch,
			"empty payload")
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	m.blobs[hash] = append([]byte(nil), data...)
	m.mu.Unlock()
	return hash, nil
}

// Fetch returns the stored bytes for hash, or ALL_GATEWAYS_FAILED if the
// hash was never uploaded here, mirroring the real client's failure
// surface.
func (m *MockStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, provenance.Errorf(provenance.KindNetwork, provenance.CodeAllGatewaysFailed,
			"no local blob for %s", hash)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ Store = (*MockStore)(nil)
var _ Store = (*Client)(nil)

// String labels the mock clearly in logs.
func (m *MockStore) String() string {
	return fmt.Sprintf("mock metadata store (%d blobs, development only)", m.Len())
}

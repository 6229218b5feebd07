// Package roles resolves the supply-chain role of an identity. The
// ledger is the authoritative source (role_assigned events, last writer
// wins); the local cache is a UX projection only and never a security
// boundary, so it always supports invalidation and re-synchronization.
package roles

import (
	"context"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/provenance"
)

// Source resolves the authoritative role of an identity. A "" role with
// a nil error means the identity has no assignment.
type Source interface {
	Role(ctx context.Context, identity string) (provenance.Role, error)
}

// LedgerSource derives roles by replaying role_assigned events for the
// identity. The last valid assignment in ledger order wins.
type LedgerSource struct {
	reader ledger.Reader
}

// NewLedgerSource creates a ledger-backed role source.
func NewLedgerSource(reader ledger.Reader) *LedgerSource {
	return &LedgerSource{reader: reader}
}

// Role replays the identity's role assignments.
func (s *LedgerSource) Role(ctx context.Context, identity string) (provenance.Role, error) {
	events, err := s.reader.Scan(ctx, ledger.Filter{Actor: identity, Type: ledger.EventRoleAssigned})
	if err != nil {
		return "", err
	}
	var role provenance.Role
	for _, ev := range events {
		r, err := ledger.RoleFromEvent(ev)
		if err != nil {
			// Malformed assignments never grant or revoke anything.
			continue
		}
		role = r
	}
	return role, nil
}

// StaticSource resolves roles from a fixed map, for tests and
// single-tenant development setups.
type StaticSource map[string]provenance.Role

// Role looks the identity up in the map.
func (s StaticSource) Role(ctx context.Context, identity string) (provenance.Role, error) {
	return s[identity], nil
}

// Package provenance defines the core domain model for batch provenance
// tracking: batches, provenance steps, the materialized provenance record,
// and the role-gated transfer state machine that decides which lifecycle
// transitions are legal.
package provenance

import "time"

// BatchState is the lifecycle state of a batch.
type BatchState string

const (
	StateProduced  BatchState = "produced"
	StateInTransit BatchState = "in_transit"
	StateDelivered BatchState = "delivered"
	StateConsumed  BatchState = "consumed"
)

// stateRank orders states for the forward-only invariant. Unknown states
// rank below every known state.
var stateRank = map[BatchState]int{
	StateProduced:  1,
	StateInTransit: 2,
	StateDelivered: 3,
	StateConsumed:  4,
}

// Rank returns the ordering rank of the state, or 0 for unknown states.
func (s BatchState) Rank() int {
	return stateRank[s]
}

// Valid reports whether s is one of the defined lifecycle states.
func (s BatchState) Valid() bool {
	return stateRank[s] != 0
}

// Role represents a party's role in the supply chain.
type Role string

const (
	RoleProducer  Role = "producer"
	RoleCarrier   Role = "carrier"
	RolePurchaser Role = "purchaser"

	// RoleAdmin is the administrative override role. It may act on the
	// current owner's behalf for transfers but never for initialization
	// or consumption.
	RoleAdmin Role = "admin"
)

// KnownRoles lists all roles the system recognizes.
var KnownRoles = []Role{RoleProducer, RoleCarrier, RolePurchaser, RoleAdmin}

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	for _, k := range KnownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// Batch is the tracked physical-goods entity. Core fields are fixed at
// mint time; only ownership and state evolve afterwards, via provenance
// steps.
type Batch struct {
	ID          string    `json:"id"`
	Producer    string    `json:"producer"` // minter identity
	CropType    string    `json:"cropType"`
	Quantity    int       `json:"quantity"`
	OriginFarm  string    `json:"originFarm"`
	HarvestDate time.Time `json:"harvestDate"`
	Notes       string    `json:"notes,omitempty"`
	MetadataRef string    `json:"metadataRef,omitempty"` // content hash
	MintedAt    time.Time `json:"mintedAt"`
}

// ProvenanceStep is a single immutable event in a batch's provenance
// history. Steps are append-only; ordering is by ledger sequence, never
// by the actor-supplied timestamp.
type ProvenanceStep struct {
	BatchID   string     `json:"batchId"`
	Actor     string     `json:"actor"`
	State     BatchState `json:"state"`
	Timestamp time.Time  `json:"timestamp"` // advisory, actor-supplied
	Location  string     `json:"location,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	EventRef  string     `json:"eventRef,omitempty"` // ledger transaction reference
	Seq       uint64     `json:"seq,omitempty"`      // ledger sequence, set on read
}

// ProvenanceRecord is the materialized view of a batch's supply-chain
// status. It is never stored; it is always derived by replaying the
// batch's provenance steps in ledger order.
type ProvenanceRecord struct {
	BatchID          string     `json:"batchId"`
	OriginalProducer string     `json:"originalProducer"`
	CreationTime     time.Time  `json:"creationTime"`
	CurrentState     BatchState `json:"currentState"`
	CurrentOwner     string     `json:"currentOwner"`
	TotalSteps       int        `json:"totalSteps"`

	// LastSeq is the ledger sequence of the most recent step, used as the
	// fencing token when appending the next step.
	LastSeq uint64 `json:"lastSeq,omitempty"`
}

// Terminal reports whether the record is in the terminal state.
func (r *ProvenanceRecord) Terminal() bool {
	return r != nil && r.CurrentState == StateConsumed
}

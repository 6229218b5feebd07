package provenance

import "time"

// TransferRule defines one allowed ownership transfer: a party holding
// OwnerRole may move a batch out of FromState to a recipient holding
// RecipientRole, landing in NextState.
type TransferRule struct {
	OwnerRole     Role
	FromState     BatchState
	RecipientRole Role
	NextState     BatchState
}

// DefaultTransferRules defines the allowed transfers. The recipient's
// role implies the next state: a carrier recipient puts the batch in
// transit, a purchaser recipient marks it delivered. Purchaser-to-
// purchaser resale keeps the delivered state while changing owner.
var DefaultTransferRules = []TransferRule{
	{OwnerRole: RoleProducer, FromState: StateProduced, RecipientRole: RoleCarrier, NextState: StateInTransit},
	{OwnerRole: RoleProducer, FromState: StateProduced, RecipientRole: RolePurchaser, NextState: StateDelivered},
	{OwnerRole: RoleCarrier, FromState: StateInTransit, RecipientRole: RolePurchaser, NextState: StateDelivered},
	{OwnerRole: RolePurchaser, FromState: StateDelivered, RecipientRole: RolePurchaser, NextState: StateDelivered},
}

// TransferRequest describes a proposed ownership transfer.
type TransferRequest struct {
	BatchID   string
	From      string // current owner (or admin acting on their behalf)
	FromRole  Role
	To        string
	ToRole    Role
	NextState BatchState // state implied by the recipient's role
	Location  string
	Notes     string
	Timestamp time.Time // advisory; zero means "now"
}

// TransferMachine validates provenance transitions and constructs step
// payloads. It is a pure decision function: it never touches the ledger,
// so a caller remains responsible for committing the returned step.
type TransferMachine struct {
	rules []TransferRule
}

// NewTransferMachine creates a machine with the default rule table.
func NewTransferMachine() *TransferMachine {
	return &TransferMachine{rules: DefaultTransferRules}
}

// Initialize validates first-time provenance initialization for a
// freshly minted batch and constructs the first step. record must be nil
// (the batch has no provenance yet) and actor must be the batch's
// minter.
func (m *TransferMachine) Initialize(batch *Batch, record *ProvenanceRecord, actor, location, notes string) (*ProvenanceStep, error) {
	if batch == nil {
		return nil, Errorf(KindValidation, CodeInvalidBatch, "batch is required")
	}
	if err := ValidateIdentity(actor); err != nil {
		return nil, err
	}
	if record != nil {
		return nil, Errorf(KindState, CodeAlreadyInitialized,
			"batch %s already has %d provenance steps", batch.ID, record.TotalSteps)
	}
	if actor != batch.Producer {
		return nil, Errorf(KindAuthorization, CodeUnauthorized,
			"only the minting producer %s may initialize batch %s", batch.Producer, batch.ID)
	}
	return &ProvenanceStep{
		BatchID:   batch.ID,
		Actor:     actor,
		State:     StateProduced,
		Timestamp: time.Now().UTC(),
		Location:  location,
		Notes:     notes,
	}, nil
}

// Transfer validates a proposed ownership transfer against the current
// materialized record and constructs the resulting step. The admin
// override role may act on the current owner's behalf; the rule lookup
// then uses the owner's position, not the admin's.
func (m *TransferMachine) Transfer(record *ProvenanceRecord, ownerRole Role, req TransferRequest) (*ProvenanceStep, error) {
	if record == nil {
		return nil, Errorf(KindState, CodeNotInitialized, "batch %s has no provenance record", req.BatchID)
	}
	if err := ValidateIdentity(req.From); err != nil {
		return nil, err
	}
	if err := ValidateIdentity(req.To); err != nil {
		return nil, err
	}
	if record.Terminal() {
		return nil, Errorf(KindState, CodeTerminalState,
			"batch %s is consumed and can no longer be transferred", req.BatchID)
	}
	if req.From != record.CurrentOwner && req.FromRole != RoleAdmin {
		return nil, Errorf(KindAuthorization, CodeNotOwner,
			"%s is not the current owner of batch %s", req.From, req.BatchID)
	}

	// Admin override acts in the owner's position.
	actingRole := req.FromRole
	if actingRole == RoleAdmin {
		actingRole = ownerRole
	}

	rule, ok := m.lookup(actingRole, record.CurrentState, req.ToRole)
	if !ok {
		return nil, Errorf(KindAuthorization, CodeIneligibleTransfer,
			"role %s may not transfer a batch in state %s to a %s", actingRole, record.CurrentState, req.ToRole)
	}
	if req.NextState != rule.NextState {
		return nil, Errorf(KindAuthorization, CodeIneligibleTransfer,
			"requested state %s does not match the state %s implied by a %s recipient",
			req.NextState, rule.NextState, req.ToRole)
	}
	// Forward-only: state may never regress. Resale keeps it equal.
	if rule.NextState.Rank() < record.CurrentState.Rank() {
		return nil, Errorf(KindAuthorization, CodeIneligibleTransfer,
			"transition %s -> %s would move the batch backward", record.CurrentState, rule.NextState)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &ProvenanceStep{
		BatchID:   req.BatchID,
		Actor:     req.To,
		State:     rule.NextState,
		Timestamp: ts,
		Location:  req.Location,
		Notes:     req.Notes,
	}, nil
}

// MarkConsumed validates terminal consumption of a delivered batch and
// constructs the final step. Only the current owner may consume, and
// only from the delivered state.
func (m *TransferMachine) MarkConsumed(record *ProvenanceRecord, actor, location, notes string) (*ProvenanceStep, error) {
	if record == nil {
		return nil, Errorf(KindState, CodeNotInitialized, "batch has no provenance record")
	}
	if err := ValidateIdentity(actor); err != nil {
		return nil, err
	}
	if record.Terminal() {
		return nil, Errorf(KindState, CodeTerminalState,
			"batch %s is already consumed", record.BatchID)
	}
	if actor != record.CurrentOwner {
		return nil, Errorf(KindAuthorization, CodeNotOwner,
			"%s is not the current owner of batch %s", actor, record.BatchID)
	}
	if record.CurrentState != StateDelivered {
		return nil, Errorf(KindAuthorization, CodeIneligibleTransfer,
			"batch %s must be delivered before consumption, currently %s", record.BatchID, record.CurrentState)
	}
	return &ProvenanceStep{
		BatchID:   record.BatchID,
		Actor:     actor,
		State:     StateConsumed,
		Timestamp: time.Now().UTC(),
		Location:  location,
		Notes:     notes,
	}, nil
}

// AllowedRecipients returns the recipient roles a party with the given
// role may transfer to from the given state.
func (m *TransferMachine) AllowedRecipients(ownerRole Role, from BatchState) []Role {
	var out []Role
	for _, r := range m.rules {
		if r.OwnerRole == ownerRole && r.FromState == from {
			out = append(out, r.RecipientRole)
		}
	}
	return out
}

func (m *TransferMachine) lookup(ownerRole Role, from BatchState, recipient Role) (TransferRule, bool) {
	for _, r := range m.rules {
		if r.OwnerRole == ownerRole && r.FromState == from && r.RecipientRole == recipient {
			return r, true
		}
	}
	return TransferRule{}, false
}

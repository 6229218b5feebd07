package provenance

import (
	"strings"
	"time"
)

// MintLimits bounds the fields a producer may set at mint time.
type MintLimits struct {
	MaxQuantity int // Default 1_000_000
}

// DefaultMintLimits returns the default mint validation bounds.
func DefaultMintLimits() MintLimits {
	return MintLimits{MaxQuantity: 1_000_000}
}

// ValidateBatch checks the immutable core fields of a batch at mint
// time. now is passed in so callers and tests control the clock.
func ValidateBatch(b *Batch, limits MintLimits, now time.Time) error {
	if b == nil {
		return Errorf(KindValidation, CodeInvalidBatch, "batch is required")
	}
	if strings.TrimSpace(b.Producer) == "" {
		return Errorf(KindValidation, CodeInvalidBatch, "producer identity is required")
	}
	if strings.TrimSpace(b.CropType) == "" {
		return Errorf(KindValidation, CodeInvalidBatch, "cropType is required")
	}
	if strings.TrimSpace(b.OriginFarm) == "" {
		return Errorf(KindValidation, CodeInvalidBatch, "originFarm is required")
	}
	if b.Quantity <= 0 {
		return Errorf(KindValidation, CodeInvalidBatch, "quantity must be positive, got %d", b.Quantity)
	}
	max := limits.MaxQuantity
	if max <= 0 {
		max = DefaultMintLimits().MaxQuantity
	}
	if b.Quantity > max {
		return Errorf(KindValidation, CodeInvalidBatch, "quantity %d exceeds maximum %d", b.Quantity, max)
	}
	if b.HarvestDate.IsZero() {
		return Errorf(KindValidation, CodeInvalidBatch, "harvestDate is required")
	}
	if b.HarvestDate.After(now) {
		return Errorf(KindValidation, CodeInvalidBatch, "harvestDate %s is in the future", b.HarvestDate.Format(time.RFC3339))
	}
	return nil
}

// ValidateIdentity checks an actor identity string. Identities are
// opaque to this system but must be non-empty and free of whitespace.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return Errorf(KindValidation, CodeInvalidBatch, "identity is required")
	}
	if strings.ContainsAny(identity, " \t\n") {
		return Errorf(KindValidation, CodeInvalidBatch, "identity %q contains whitespace", identity)
	}
	return nil
}

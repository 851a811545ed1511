package carrier

import (
	"context"

	"shipment-batch-engine/internal/mapping"
)

// Quote is the read-only price of a shipment request.
type Quote struct {
	CostCents int64    `json:"cost_cents"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Shipment is the outcome of an executed (charged) request.
type Shipment struct {
	TrackingID  string `json:"tracking_id"`
	CostCents   int64  `json:"cost_cents"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// Client is the shipping carrier API the engine drives.
//
// Quote has no side effect and may be called any number of times. Execute creates a label and
// charges the account; callers must never repeat it for the same row. The idempotency key is
// forwarded to carriers that honor one.
//
// Returned errors should be *failure.Error values; anything else is classified by
// failure.Classify.
type Client interface {
	Quote(ctx context.Context, req mapping.Request) (Quote, error)
	Execute(ctx context.Context, req mapping.Request, idempotencyKey string) (Shipment, error)
}

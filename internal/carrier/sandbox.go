package carrier

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"sync"

	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/mapping"
)

// SandboxURL selects the in-process carrier instead of an HTTP endpoint.
const SandboxURL = "sandbox"

const (
	sandboxBaseCents  = 500
	sandboxPerLbCents = 125
)

// Sandbox is a deterministic in-process carrier for local runs and demos. A request needs a
// positive "weight"; the price is a flat fee plus a per-pound rate. Executing the same
// idempotency key twice returns the first shipment.
type Sandbox struct {
	mu        sync.Mutex
	shipments map[string]Shipment
}

func NewSandbox() *Sandbox {
	return &Sandbox{shipments: make(map[string]Shipment)}
}

func (s *Sandbox) Quote(ctx context.Context, req mapping.Request) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	cost, err := sandboxPrice(req)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{CostCents: cost}
	if strings.TrimSpace(req["to_postal_code"]) == "" {
		q.Warnings = append(q.Warnings, "destination postal code missing; zone pricing skipped")
	}
	return q, nil
}

func (s *Sandbox) Execute(ctx context.Context, req mapping.Request, idempotencyKey string) (Shipment, error) {
	if err := ctx.Err(); err != nil {
		return Shipment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shipments[idempotencyKey]; ok {
		return sh, nil
	}
	cost, err := sandboxPrice(req)
	if err != nil {
		return Shipment{}, err
	}
	sum := sha1.Sum([]byte(idempotencyKey))
	id := strings.ToUpper(hex.EncodeToString(sum[:8]))
	sh := Shipment{
		TrackingID:  "SBX" + id,
		CostCents:   cost,
		ArtifactRef: "sandbox://labels/" + id + ".pdf",
	}
	s.shipments[idempotencyKey] = sh
	return sh, nil
}

// Executed reports how many distinct shipments were created.
func (s *Sandbox) Executed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shipments)
}

func sandboxPrice(req mapping.Request) (int64, error) {
	w, err := strconv.ParseFloat(strings.TrimSpace(req["weight"]), 64)
	if err != nil || w <= 0 {
		return 0, failure.New(failure.Validation, "INVALID_WEIGHT", "weight must be a positive number")
	}
	return sandboxBaseCents + int64(math.Ceil(w))*sandboxPerLbCents, nil
}

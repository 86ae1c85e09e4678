package resilience

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/procguard-labs/procguard/pkg/domain"
)

// Well-known forensic read endpoints.
const (
	EndpointFilterAudit   = "filter_audit"
	EndpointEvidenceChain = "evidence_chain"
	EndpointViolations    = "violations"
)

// ReadResult is the outcome of one gated read.
type ReadResult struct {
	Body       json.RawMessage `json:"body"`
	Mode       Mode            `json:"mode"`
	SyncStatus SyncStatus      `json:"sync_status"`
	FromLKG    bool            `json:"from_lkg"`
	CapturedAt time.Time       `json:"captured_at,omitempty"`
}

// Guard runs forensic reads through their endpoint's breaker and keeps the
// last-known-good cache current. Writes never pass through it.
type Guard struct {
	registry *Registry
	cache    Cache
	logger   *slog.Logger
}

// NewGuard constructs a Guard over a breaker registry and an LKG cache.
func NewGuard(registry *Registry, cache Cache, logger *slog.Logger) *Guard {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{registry: registry, cache: cache, logger: logger}
}

// Registry exposes the underlying registry for health roll-ups.
func (g *Guard) Registry() *Registry { return g.registry }

// Read executes fn under the endpoint's gate. A closed gate serves the
// last-known-good snapshot instead of touching the backend. A fresh result
// feeds both tracks and becomes the new snapshot; a failed one feeds the
// track its error kind selects.
func (g *Guard) Read(ctx context.Context, endpoint string, fn func(context.Context) ([]byte, error)) (*ReadResult, error) {
	b := g.registry.Endpoint(endpoint)
	gate := b.Decide()
	if !gate.Allow {
		return g.serveLKG(ctx, endpoint, gate)
	}

	body, err := fn(ctx)
	if err != nil {
		g.Observe(endpoint, err)
		return nil, err
	}

	b.RecordSuccess(TrackAvailability)
	b.RecordSuccess(TrackIntegrity)

	snap := &Snapshot{Endpoint: endpoint, Body: body, CapturedAt: time.Now().UTC()}
	if cerr := g.cache.Put(ctx, snap); cerr != nil {
		g.logger.Warn("lkg capture failed", "endpoint", endpoint, "error", cerr)
	}
	return &ReadResult{Body: body, Mode: gate.Mode, SyncStatus: gate.SyncStatus}, nil
}

// Observe feeds one operation outcome into the endpoint's breaker. Forensic
// errors feed the integrity track, operational errors the availability
// track. Business outcomes (authorization, invariant, not-found) are valid
// backend responses and count as availability successes.
func (g *Guard) Observe(endpoint string, err error) {
	b := g.registry.Endpoint(endpoint)
	if err == nil {
		b.RecordSuccess(TrackAvailability)
		b.RecordSuccess(TrackIntegrity)
		return
	}
	code := domain.CodeOf(err)
	switch domain.KindOf(code) {
	case domain.KindForensic:
		b.RecordFailure(TrackIntegrity, string(code))
	case domain.KindOperational:
		b.RecordFailure(TrackAvailability, err.Error())
	default:
		b.RecordSuccess(TrackAvailability)
	}
}

func (g *Guard) serveLKG(ctx context.Context, endpoint string, gate Gate) (*ReadResult, error) {
	snap, err := g.cache.Get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		if gate.SyncStatus == SyncPaused {
			return nil, domain.NewError(domain.CodeForensicIntegrityCompromised,
				"endpoint %s is paused and no snapshot exists", endpoint)
		}
		return nil, domain.NewError(domain.CodeLedgerUnavailable,
			"endpoint %s is degraded and no snapshot exists", endpoint)
	}
	g.logger.Warn("serving last-known-good snapshot",
		"endpoint", endpoint, "captured_at", snap.CapturedAt)
	return &ReadResult{
		Body:       snap.Body,
		Mode:       gate.Mode,
		SyncStatus: gate.SyncStatus,
		FromLKG:    true,
		CapturedAt: snap.CapturedAt,
	}, nil
}

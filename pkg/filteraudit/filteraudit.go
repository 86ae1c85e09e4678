// Package filteraudit maintains the whole-ledger hash chain over filter and
// query actions against the audit surface.
//
// Every recorded action links to the previous one; a single altered row
// breaks every hash after it. Export of audit data is gated on a fresh,
// clean verification of the entire chain.
package filteraudit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
)

// ChainWriter is the transactional surface Append needs. *store.Tx
// satisfies it.
type ChainWriter interface {
	LatestFilterEvent(ctx context.Context) (*domain.FilterAuditEvent, error)
	InsertFilterEvent(ctx context.Context, ev *domain.FilterAuditEvent) error
}

// ChainReader is the read surface Verify needs. *store.Store satisfies it.
type ChainReader interface {
	FilterEvents(ctx context.Context) ([]domain.FilterAuditEvent, error)
}

// Recorder appends chained filter audit events.
type Recorder struct {
	logger *slog.Logger
}

// NewRecorder returns a Recorder logging through logger.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// linkHash computes the chain link for one event:
// sha256(prev_hash ‖ user_id ‖ screen ‖ canonical(payload) ‖ ts).
// The genesis link uses an empty prev_hash.
func linkHash(prevHash, userID, screen string, payload map[string]interface{}, createdAt time.Time) (string, error) {
	canonical, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return "", err
	}
	return canonicalize.ChainHash(prevHash, userID, screen, canonical, canonicalize.Timestamp(createdAt)), nil
}

// Append records one filter action at the chain head. It must run inside the
// same transaction that serializes writers; concurrent appends otherwise race
// on the head.
func (r *Recorder) Append(ctx context.Context, w ChainWriter, userID, screen string, payload map[string]interface{}) (*domain.FilterAuditEvent, error) {
	tail, err := w.LatestFilterEvent(ctx)
	if err != nil {
		return nil, err
	}
	prevHash := ""
	if tail != nil {
		prevHash = tail.Hash
	}

	now := time.Now().UTC()
	hash, err := linkHash(prevHash, userID, screen, payload, now)
	if err != nil {
		return nil, err
	}

	ev := &domain.FilterAuditEvent{
		ID:            uuid.New(),
		UserID:        userID,
		Screen:        screen,
		FilterPayload: payload,
		CreatedAt:     now,
		PrevHash:      prevHash,
		Hash:          hash,
	}
	if err := w.InsertFilterEvent(ctx, ev); err != nil {
		return nil, err
	}
	r.logger.Debug("filter audit event appended",
		"event_id", ev.ID, "user_id", userID, "screen", screen)
	return ev, nil
}

// Break describes the first broken link found during verification.
type Break struct {
	EventID      uuid.UUID `json:"event_id"`
	RecordedHash string    `json:"recorded_hash"`
	ExpectedHash string    `json:"expected_hash"`
	PrevHashUsed string    `json:"prev_hash_used"`
}

// Report is the outcome of a full chain verification.
type Report struct {
	Valid      bool   `json:"valid"`
	ChainLen   int    `json:"chain_length"`
	VerifiedAt string `json:"verified_at"`
	FirstBreak *Break `json:"first_break,omitempty"`
}

// Verify walks the whole chain in order, recomputing every link hash from
// stored fields. Both the stored prev_hash linkage and the recomputed hash
// must match; verification stops at the first break.
func Verify(ctx context.Context, rd ChainReader) (*Report, error) {
	events, err := rd.FilterEvents(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Valid:      true,
		ChainLen:   len(events),
		VerifiedAt: canonicalize.Timestamp(time.Now()),
	}

	prevHash := ""
	for i := range events {
		ev := &events[i]
		expected, err := linkHash(prevHash, ev.UserID, ev.Screen, ev.FilterPayload, ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		if ev.PrevHash != prevHash || ev.Hash != expected {
			report.Valid = false
			report.FirstBreak = &Break{
				EventID:      ev.ID,
				RecordedHash: ev.Hash,
				ExpectedHash: expected,
				PrevHashUsed: ev.PrevHash,
			}
			return report, nil
		}
		prevHash = ev.Hash
	}
	return report, nil
}

// GateExport verifies the chain and refuses export when it is broken. Callers
// record an EXPORT_GENERATED evidence node after a successful gate when the
// export is scoped to a violation.
func GateExport(ctx context.Context, rd ChainReader) (*Report, error) {
	report, err := Verify(ctx, rd)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		return report, domain.NewError(domain.CodeForensicIntegrityCompromised,
			"filter audit chain broken at event %s", report.FirstBreak.EventID)
	}
	return report, nil
}

// Package checkpoint seals verified stream positions for non-repudiation.
//
// A checkpoint is only created after the read-side verification of its
// stream has succeeded; it then anchors later forensic verification and
// degraded reads. Recovery checkpoints are marked and never used as anchors.
package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
)

// Well-known stream names.
const (
	StreamViolations  = "violations"
	StreamBatchEvents = "batch_events"
	StreamFilterAudit = "filter_audit"
)

// Writer is the transactional surface sealing needs. *store.Tx satisfies it.
type Writer interface {
	InsertCheckpoint(ctx context.Context, c *domain.Checkpoint) error
}

// Reader resolves anchors. *store.Store satisfies it.
type Reader interface {
	LatestCheckpoint(ctx context.Context, stream string, includeRecovery bool) (*domain.Checkpoint, error)
}

// Sealer creates checkpoints.
type Sealer struct {
	logger *slog.Logger
}

// NewSealer returns a Sealer logging through logger.
func NewSealer(logger *slog.Logger) *Sealer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sealer{logger: logger}
}

// SnapshotHash derives the sealed snapshot hash:
// sha256(stream ":" last_event_hash ":" committed_at) with the canonical
// timestamp form. A stored checkpoint re-derives from its own columns.
func SnapshotHash(stream, lastEventHash string, committedAt time.Time) string {
	return canonicalize.SHA256Hex(stream + ":" + lastEventHash + ":" + canonicalize.Timestamp(committedAt))
}

// Seal commits a checkpoint at the verified stream position. verified must
// reflect a verification performed immediately before the call; callers pass
// recovery=true only when re-anchoring after a detected break, and such
// checkpoints never serve as anchors.
func (s *Sealer) Seal(ctx context.Context, w Writer, stream string,
	lastEventID uuid.UUID, lastEventHash string, version int, verified, recovery bool) (*domain.Checkpoint, error) {

	if !verified {
		return nil, domain.NewError(domain.CodeForensicIntegrityCompromised,
			"refusing to seal %s: verification did not pass", stream)
	}

	now := time.Now().UTC()
	c := &domain.Checkpoint{
		ID:              uuid.New(),
		StreamName:      stream,
		LastEventID:     lastEventID,
		LastEventHash:   lastEventHash,
		SnapshotHash:    SnapshotHash(stream, lastEventHash, now),
		SnapshotVersion: version,
		CommittedAt:     now,
		IsRecovery:      recovery,
	}
	if err := w.InsertCheckpoint(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("checkpoint sealed",
		"stream", stream, "version", version, "recovery", recovery)
	return c, nil
}

// VerifyStored re-derives a checkpoint's snapshot hash from its own fields.
func VerifyStored(c *domain.Checkpoint) bool {
	return SnapshotHash(c.StreamName, c.LastEventHash, c.CommittedAt) == c.SnapshotHash
}

// Anchor returns the newest non-recovery checkpoint for a stream, or nil.
// Degraded reads and full-level evidence verification anchor here.
func Anchor(ctx context.Context, rd Reader, stream string) (*domain.Checkpoint, error) {
	return rd.LatestCheckpoint(ctx, stream, false)
}

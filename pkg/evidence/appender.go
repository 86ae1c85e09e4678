// Package evidence builds, extends, and re-verifies the per-violation
// forensic chains.
//
// Two chain forms exist over the same hash discipline. The stored chain is
// appended at enforcement time (evidence_chain table) and re-verified link by
// link. The reconstructed chain is rebuilt on demand from the violation,
// policy decision, SOP, and audit records, and its verification level
// reports how much of the story still proves itself.
package evidence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
)

// ChainWriter is the transactional surface for appending stored nodes.
// *store.Tx satisfies it.
type ChainWriter interface {
	LatestEvidenceNode(ctx context.Context, violationID uuid.UUID) (*domain.EvidenceChainNode, error)
	InsertEvidenceNode(ctx context.Context, n *domain.EvidenceChainNode) error
}

// NodeHash computes a chain node hash:
// sha256(canonical(payload) ‖ parent_hash ‖ created_at).
// The genesis node uses an empty parent hash.
func NodeHash(payload map[string]interface{}, parentHash string, createdAt time.Time) (string, error) {
	canonical, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return "", err
	}
	return canonicalize.SHA256Hex(canonical + parentHash + canonicalize.Timestamp(createdAt)), nil
}

// AppendNode appends one node to a violation's stored chain, linking it to
// the current tail. It must run inside the transaction that owns the
// violation write; the chain head is otherwise racy.
func AppendNode(ctx context.Context, w ChainWriter, violationID uuid.UUID,
	eventType domain.EvidenceEventType, sourceID uuid.UUID, payload map[string]interface{}) (*domain.EvidenceChainNode, error) {

	tail, err := w.LatestEvidenceNode(ctx, violationID)
	if err != nil {
		return nil, err
	}
	prevHash := ""
	if tail != nil {
		prevHash = tail.Hash
	}

	now := time.Now().UTC()
	hash, err := NodeHash(payload, prevHash, now)
	if err != nil {
		return nil, err
	}

	node := &domain.EvidenceChainNode{
		ID:          uuid.New(),
		ViolationID: violationID,
		EventType:   eventType,
		SourceID:    sourceID,
		PrevHash:    prevHash,
		Hash:        hash,
		CreatedAt:   now,
	}
	if err := w.InsertEvidenceNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Source payloads for stored nodes. Append and re-verify must derive the
// identical map from the same source record, so the shapes live here.

// ViolationPayload is the node payload for VIOLATION_DETECTED.
func ViolationPayload(v *domain.Violation) map[string]interface{} {
	return v.Payload
}

// SOPPayload is the node payload for SOP_INVOKED.
func SOPPayload(s *domain.SOP) map[string]interface{} {
	return map[string]interface{}{
		"sop_id":         s.ID.String(),
		"name":           s.Name,
		"version":        s.Version,
		"immutable_hash": s.ImmutableHash,
	}
}

// EnforcementPayload is the node payload for ENFORCEMENT_EXECUTED.
func EnforcementPayload(e *domain.EnforcementEvent) map[string]interface{} {
	return map[string]interface{}{
		"action_type": e.ActionType,
		"executed_by": e.ExecutedBy,
		"outcome":     e.Outcome,
	}
}

// FilterPayload is the node payload for FILTER_APPLIED.
func FilterPayload(ev *domain.FilterAuditEvent) map[string]interface{} {
	return map[string]interface{}{
		"user_id":        ev.UserID,
		"screen":         ev.Screen,
		"filter_payload": ev.FilterPayload,
		"hash":           ev.Hash,
	}
}

// ExportPayload is the node payload for EXPORT_GENERATED.
func ExportPayload(exportedBy, format string, chainValid bool) map[string]interface{} {
	return map[string]interface{}{
		"exported_by": exportedBy,
		"format":      format,
		"chain_valid": chainValid,
	}
}

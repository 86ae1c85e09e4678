package evidence

import (
	"context"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/domain"
)

// LinkStatus is the verdict for one stored chain node during re-verification.
type LinkStatus string

const (
	LinkValid    LinkStatus = "valid"
	LinkTampered LinkStatus = "tampered"
	LinkMissing  LinkStatus = "missing"
)

// StoredReader is the read surface stored-chain re-verification needs.
// *store.Store satisfies it.
type StoredReader interface {
	EvidenceNodes(ctx context.Context, violationID uuid.UUID) ([]domain.EvidenceChainNode, error)
	GetViolation(ctx context.Context, violationID uuid.UUID) (*domain.Violation, error)
	SOPByID(ctx context.Context, sopID uuid.UUID) (*domain.SOP, error)
	EnforcementEventByID(ctx context.Context, id uuid.UUID) (*domain.EnforcementEvent, error)
	FilterEventByID(ctx context.Context, id uuid.UUID) (*domain.FilterAuditEvent, error)
}

// LinkReport is the verdict for one stored node.
type LinkReport struct {
	NodeID       uuid.UUID                `json:"node_id"`
	EventType    domain.EvidenceEventType `json:"event_type"`
	Status       LinkStatus               `json:"status"`
	RecordedHash string                   `json:"recorded_hash"`
	ExpectedHash string                   `json:"expected_hash,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
}

// ReverifyReport is the outcome of walking one stored chain.
type ReverifyReport struct {
	ViolationID uuid.UUID    `json:"violation_id"`
	Links       []LinkReport `json:"links"`
	Valid       bool         `json:"valid"`
}

// ReverifyStored walks a violation's stored chain in append order, resolving
// each node's source record and recomputing its hash from the source payload,
// the stored parent link, and the stored creation time. A node whose source
// record no longer resolves is missing; a node whose recomputed hash or
// parent link disagrees with what was recorded is tampered.
func ReverifyStored(ctx context.Context, rd StoredReader, violationID uuid.UUID) (*ReverifyReport, error) {
	nodes, err := rd.EvidenceNodes(ctx, violationID)
	if err != nil {
		return nil, err
	}

	report := &ReverifyReport{ViolationID: violationID, Valid: true}
	prevHash := ""
	for i := range nodes {
		n := &nodes[i]
		link := LinkReport{NodeID: n.ID, EventType: n.EventType, RecordedHash: n.Hash}

		// Export nodes carry no re-resolvable source record; only their
		// position in the chain is checkable.
		if n.EventType == domain.EvidenceExportGenerated {
			if n.PrevHash == prevHash {
				link.Status = LinkValid
			} else {
				link.Status = LinkTampered
				link.Reason = "parent link mismatch"
				report.Valid = false
			}
			report.Links = append(report.Links, link)
			prevHash = n.Hash
			continue
		}

		payload, reason, err := sourcePayload(ctx, rd, n)
		if err != nil {
			return nil, err
		}
		switch {
		case payload == nil:
			link.Status = LinkMissing
			link.Reason = reason
		case n.PrevHash != prevHash:
			link.Status = LinkTampered
			link.Reason = "parent link mismatch"
		default:
			expected, err := NodeHash(payload, n.PrevHash, n.CreatedAt)
			if err != nil {
				return nil, err
			}
			link.ExpectedHash = expected
			if expected == n.Hash {
				link.Status = LinkValid
			} else {
				link.Status = LinkTampered
				link.Reason = "hash mismatch"
			}
		}

		if link.Status != LinkValid {
			report.Valid = false
		}
		report.Links = append(report.Links, link)
		prevHash = n.Hash
	}
	return report, nil
}

func sourcePayload(ctx context.Context, rd StoredReader, n *domain.EvidenceChainNode) (map[string]interface{}, string, error) {
	switch n.EventType {
	case domain.EvidenceViolationDetected:
		v, err := rd.GetViolation(ctx, n.SourceID)
		if err != nil {
			if domain.CodeOf(err) == domain.CodeBatchNotFound {
				return nil, "violation record missing", nil
			}
			return nil, "", err
		}
		return ViolationPayload(v), "", nil
	case domain.EvidenceSOPInvoked:
		s, err := rd.SOPByID(ctx, n.SourceID)
		if err != nil {
			return nil, "", err
		}
		if s == nil {
			return nil, "sop record missing", nil
		}
		return SOPPayload(s), "", nil
	case domain.EvidenceEnforcementExecuted:
		e, err := rd.EnforcementEventByID(ctx, n.SourceID)
		if err != nil {
			return nil, "", err
		}
		if e == nil {
			return nil, "enforcement record missing", nil
		}
		return EnforcementPayload(e), "", nil
	case domain.EvidenceFilterApplied:
		ev, err := rd.FilterEventByID(ctx, n.SourceID)
		if err != nil {
			return nil, "", err
		}
		if ev == nil {
			return nil, "filter event missing", nil
		}
		return FilterPayload(ev), "", nil
	}
	return nil, "unknown node type", nil
}

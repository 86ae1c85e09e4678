package evidence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/policy"
)

// Level is the verification outcome for a reconstructed chain.
type Level string

const (
	LevelFull       Level = "FULL"
	LevelPartial    Level = "PARTIAL"
	LevelUnverified Level = "UNVERIFIED"
)

// NodeType labels reconstructed chain nodes.
type NodeType string

const (
	NodeViolation      NodeType = "VIOLATION"
	NodePolicyDecision NodeType = "POLICY_DECISION"
	NodeSOP            NodeType = "SOP"
	NodeAudit          NodeType = "AUDIT"
)

// AnchorStream is the checkpoint stream whose sealed snapshots anchor full
// verification.
const AnchorStream = "violations"

// Reader is the forensic read surface the builder needs. *store.Store
// satisfies it.
type Reader interface {
	GetViolation(ctx context.Context, violationID uuid.UUID) (*domain.Violation, error)
	PolicyDecisionByHash(ctx context.Context, decisionHash string) (*domain.PolicyDecision, error)
	SOPByID(ctx context.Context, sopID uuid.UUID) (*domain.SOP, error)
	AuditForViolation(ctx context.Context, violationID uuid.UUID) (*domain.AuditLog, error)
	LatestCheckpoint(ctx context.Context, stream string, includeRecovery bool) (*domain.Checkpoint, error)
}

// Node is one reconstructed chain node with its verification verdict.
type Node struct {
	Type       NodeType               `json:"type"`
	SourceID   uuid.UUID              `json:"source_id"`
	Payload    map[string]interface{} `json:"payload"`
	ParentHash string                 `json:"parent_hash,omitempty"`
	Hash       string                 `json:"hash"`
	CreatedAt  time.Time              `json:"created_at"`
	Valid      bool                   `json:"valid"`
	Reason     string                 `json:"reason,omitempty"`
}

// Chain is a reconstructed, verified evidence chain.
type Chain struct {
	ViolationID uuid.UUID  `json:"violation_id"`
	Nodes       []Node     `json:"nodes"`
	ChainHash   string     `json:"chain_hash"`
	Level       Level      `json:"verification_level"`
	Anchored    bool       `json:"anchored"`
	AnchorID    *uuid.UUID `json:"anchor_id,omitempty"`
}

// Builder reconstructs evidence chains from the ledger.
type Builder struct {
	reader Reader
	logger *slog.Logger
}

// NewBuilder returns a Builder over the given reader.
func NewBuilder(reader Reader, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{reader: reader, logger: logger}
}

// Build reconstructs and verifies the chain for one violation. Node order is
// fixed: VIOLATION, then POLICY_DECISION when the violation links a decision
// hash, then SOP when one was invoked, then the FAILURE audit row when it
// exists. chain_hash is sha256 over the concatenated node hashes.
//
// The verification level is FULL when every node verifies and a sealed
// snapshot anchor exists, PARTIAL when exactly one of those holds, and
// UNVERIFIED otherwise.
func (b *Builder) Build(ctx context.Context, violationID uuid.UUID) (*Chain, error) {
	v, err := b.reader.GetViolation(ctx, violationID)
	if err != nil {
		return nil, err
	}

	var nodes []Node

	vNode := Node{
		Type:     NodeViolation,
		SourceID: v.ViolationID,
		Payload:  v.Payload,
	}
	vNode.Valid, vNode.Reason = verifyAgainst(v.Payload, v.ViolationHash, "violation_hash")
	nodes = append(nodes, vNode)

	if v.PolicyDecisionHash != "" {
		d, err := b.reader.PolicyDecisionByHash(ctx, v.PolicyDecisionHash)
		if err != nil {
			return nil, err
		}
		pNode := Node{Type: NodePolicyDecision}
		if d == nil {
			pNode.Valid = false
			pNode.Reason = "linked policy decision missing"
			pNode.Payload = map[string]interface{}{"decision_hash": v.PolicyDecisionHash}
		} else {
			pNode.SourceID = d.DecisionID
			pNode.Payload = d.Payload
			// The row was fetched by its decision hash, so existence alone
			// proves nothing. The decision must re-derive from its own columns.
			if policy.Verify(d) {
				pNode.Valid = true
			} else {
				pNode.Valid = false
				pNode.Reason = "decision hash does not re-derive"
			}
		}
		nodes = append(nodes, pNode)
	}

	if v.SOPID != nil {
		s, err := b.reader.SOPByID(ctx, *v.SOPID)
		if err != nil {
			return nil, err
		}
		sNode := Node{Type: NodeSOP, SourceID: *v.SOPID}
		if s == nil {
			sNode.Valid = false
			sNode.Reason = "linked sop missing"
			sNode.Payload = map[string]interface{}{"sop_id": v.SOPID.String()}
		} else {
			sNode.Valid = true
			sNode.Payload = SOPPayload(s)
		}
		nodes = append(nodes, sNode)
	}

	a, err := b.reader.AuditForViolation(ctx, violationID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		aNode := Node{
			Type:     NodeAudit,
			SourceID: a.AuditID,
			Payload:  a.Payload,
		}
		aNode.Valid, aNode.Reason = verifyAgainst(a.Payload, a.AuditHash, "audit_hash")
		nodes = append(nodes, aNode)
	}

	// Hash the reconstructed chain. Node hashes link through parent_hash so
	// the chain hash commits to order as well as content.
	allValid := true
	parentHash := ""
	var concat string
	for i := range nodes {
		n := &nodes[i]
		n.ParentHash = parentHash
		n.CreatedAt = time.Now().UTC()
		if n.Hash, err = NodeHash(n.Payload, parentHash, n.CreatedAt); err != nil {
			return nil, err
		}
		parentHash = n.Hash
		concat += n.Hash
		if !n.Valid {
			allValid = false
		}
	}

	anchor, err := b.reader.LatestCheckpoint(ctx, AnchorStream, false)
	if err != nil {
		return nil, err
	}

	chain := &Chain{
		ViolationID: violationID,
		Nodes:       nodes,
		ChainHash:   canonicalize.SHA256Hex(concat),
		Anchored:    anchor != nil,
	}
	if anchor != nil {
		chain.AnchorID = &anchor.ID
	}

	switch {
	case allValid && chain.Anchored:
		chain.Level = LevelFull
	case allValid || chain.Anchored:
		chain.Level = LevelPartial
	default:
		chain.Level = LevelUnverified
	}

	if !allValid {
		b.logger.Warn("evidence chain verification failed",
			"violation_id", violationID, "level", string(chain.Level))
	}
	return chain, nil
}

// Compromised reports whether the chain's verification result must surface
// as FORENSIC_INTEGRITY_COMPROMISED to the reading endpoint.
func (c *Chain) Compromised() bool {
	for _, n := range c.Nodes {
		if !n.Valid {
			return true
		}
	}
	return false
}

// Err converts a compromised chain into its domain error, or nil.
func (c *Chain) Err() error {
	if !c.Compromised() {
		return nil
	}
	return domain.NewError(domain.CodeForensicIntegrityCompromised,
		"evidence chain for violation %s failed verification", c.ViolationID)
}

func verifyAgainst(payload map[string]interface{}, storedHash, field string) (bool, string) {
	computed, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return false, "payload not canonicalizable"
	}
	if computed != storedHash {
		return false, field + " mismatch"
	}
	return true, ""
}

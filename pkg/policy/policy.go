// Package policy builds the immutable decision records that anchor every
// enforcement outcome.
//
// The decision hash is the root of trust for a denial: a violation points at
// it, an evidence chain is verified against it, and an export reproduces it.
// Its construction is therefore fixed and versioned with the data, not with
// the code that reads it.
package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
)

// Package names recorded on decisions. Lifecycle covers the batch FSM and
// invariant battery; export covers audit export gating.
const (
	PackageLifecycle = "procguard.lifecycle"
	PackageExport    = "procguard.export"
)

// Input captures the facts a decision was computed over. It is canonicalized
// and hashed; changing any fact changes the decision hash.
type Input struct {
	BatchID      string          `json:"batch_id"`
	Event        domain.Event    `json:"event"`
	ActorID      string          `json:"actor_id"`
	ActorRole    domain.Role     `json:"actor_role"`
	CurrentState domain.State    `json:"current_state"`
	Rule         domain.RuleCode `json:"rule,omitempty"`
	StepID       string          `json:"step_id,omitempty"`
}

// NewDecision constructs a fully hashed decision record.
//
//	input_hash    = sha256(canonical(input))
//	result_hash   = sha256(decision)
//	decision_hash = sha256(pkg ":" input_hash ":" result_hash ":" ts)
//
// ts is the canonical UTC microsecond timestamp. The colon-joined preimage
// means any stored decision can be re-derived from its own columns.
func NewDecision(pkg string, in Input, outcome domain.Decision, at time.Time) (*domain.PolicyDecision, error) {
	inputHash, err := canonicalize.CanonicalHash(in)
	if err != nil {
		return nil, err
	}
	resultHash := canonicalize.SHA256Hex(string(outcome))
	ts := canonicalize.Timestamp(at)
	decisionHash := canonicalize.SHA256Hex(pkg + ":" + inputHash + ":" + resultHash + ":" + ts)

	return &domain.PolicyDecision{
		DecisionID:    uuid.New(),
		Timestamp:     at.UTC(),
		PolicyPackage: pkg,
		Rule:          in.Rule,
		Decision:      outcome,
		ResourceType:  "batch",
		ResourceID:    in.BatchID,
		InputHash:     inputHash,
		ResultHash:    resultHash,
		DecisionHash:  decisionHash,
		Payload: map[string]interface{}{
			"batch_id":      in.BatchID,
			"event":         string(in.Event),
			"actor_id":      in.ActorID,
			"actor_role":    string(in.ActorRole),
			"current_state": string(in.CurrentState),
			"rule":          string(in.Rule),
			"step_id":       in.StepID,
		},
	}, nil
}

// Verify re-derives the three hashes of a stored decision from its own
// fields and reports whether they match. Used by forensic re-verification.
func Verify(d *domain.PolicyDecision) bool {
	resultHash := canonicalize.SHA256Hex(string(d.Decision))
	if resultHash != d.ResultHash {
		return false
	}
	ts := canonicalize.Timestamp(d.Timestamp)
	expected := canonicalize.SHA256Hex(d.PolicyPackage + ":" + d.InputHash + ":" + d.ResultHash + ":" + ts)
	return expected == d.DecisionHash
}

// Package sop resolves standard operating procedures for rule violations and
// executes their enforcement chains.
//
// Resolution is deterministic: a rule code maps to at most one active SOP.
// Execution records every enforcement action and extends the violation's
// evidence chain inside the same transaction that committed the violation.
package sop

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/evidence"
)

// Ledger is the transactional surface enforcement needs. *store.Tx
// satisfies it.
type Ledger interface {
	evidence.ChainWriter
	ResolveSOP(ctx context.Context, rule domain.RuleCode) (*domain.SOP, error)
	EnforcementActions(ctx context.Context, sopID uuid.UUID) ([]domain.EnforcementAction, error)
	InsertEnforcementEvent(ctx context.Context, e *domain.EnforcementEvent) error
	LatestFilterEventForUser(ctx context.Context, userID string) (*domain.FilterAuditEvent, error)
}

// Enforcer runs enforcement chains.
type Enforcer struct {
	logger *slog.Logger
}

// NewEnforcer returns an Enforcer logging through logger.
func NewEnforcer(logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{logger: logger}
}

// Resolve maps a rule code to its active SOP; nil when no mapping is
// configured. Violations without an SOP are still recorded, they just carry
// no enforcement chain.
func (e *Enforcer) Resolve(ctx context.Context, l Ledger, rule domain.RuleCode) (*domain.SOP, error) {
	return l.ResolveSOP(ctx, rule)
}

// Execute runs the enforcement chain for a committed violation. It appends
// the violation's evidence chain in order: the actor's latest filter context
// when one exists, the violation itself, the invoked SOP, then one node per
// executed enforcement action. Nil sop means nothing to enforce; only the
// filter and violation nodes are written.
func (e *Enforcer) Execute(ctx context.Context, l Ledger, v *domain.Violation, sop *domain.SOP, actorID string) error {
	if v.TriggeringFilterEvent != nil {
		fe, err := l.LatestFilterEventForUser(ctx, actorID)
		if err != nil {
			return err
		}
		if fe != nil {
			if _, err := evidence.AppendNode(ctx, l, v.ViolationID,
				domain.EvidenceFilterApplied, fe.ID, evidence.FilterPayload(fe)); err != nil {
				return err
			}
		}
	}

	if _, err := evidence.AppendNode(ctx, l, v.ViolationID,
		domain.EvidenceViolationDetected, v.ViolationID, evidence.ViolationPayload(v)); err != nil {
		return err
	}

	if sop == nil {
		e.logger.Info("violation recorded without sop",
			"violation_id", v.ViolationID, "rule", string(v.RuleCode))
		return nil
	}

	if _, err := evidence.AppendNode(ctx, l, v.ViolationID,
		domain.EvidenceSOPInvoked, sop.ID, evidence.SOPPayload(sop)); err != nil {
		return err
	}

	actions, err := l.EnforcementActions(ctx, sop.ID)
	if err != nil {
		return err
	}
	for _, action := range actions {
		ev := &domain.EnforcementEvent{
			ID:          uuid.New(),
			ViolationID: v.ViolationID,
			SOPID:       sop.ID,
			ActionType:  action.ActionType,
			ExecutedAt:  time.Now().UTC(),
			ExecutedBy:  "system",
			Outcome:     "executed",
		}
		if err := l.InsertEnforcementEvent(ctx, ev); err != nil {
			return err
		}
		if _, err := evidence.AppendNode(ctx, l, v.ViolationID,
			domain.EvidenceEnforcementExecuted, ev.ID, evidence.EnforcementPayload(ev)); err != nil {
			return err
		}
	}

	e.logger.Info("enforcement chain executed",
		"violation_id", v.ViolationID, "sop", sop.Name, "actions", len(actions))
	return nil
}

package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/identity"
	"github.com/procguard-labs/procguard/pkg/procedure"
)

// auditActionResolveViolation labels the audit row for a violation
// resolution. It is not a lifecycle event and never enters the FSM.
const auditActionResolveViolation = domain.Event("resolve_violation")

// PublishProcedure validates and publishes one procedure version. Versions
// are immutable once written; republishing an existing (id, version) fails at
// the ledger.
func (e *Engine) PublishProcedure(ctx context.Context, actor identity.Actor, raw []byte) (*domain.Procedure, error) {
	if actor.Role != domain.RoleSupervisor {
		return nil, domain.NewError(domain.CodeUnauthorized,
			"role %s may not publish procedures", actor.Role)
	}

	p, err := procedure.ValidateDefinition(raw)
	if err != nil {
		return nil, err
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = e.now().UTC()
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.InsertProcedure(ctx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.logger.Info("procedure published",
		"procedure_id", p.ProcedureID, "version", p.Version, "steps", len(p.Steps))
	return p, nil
}

// CreateBatch creates a batch pinned to an existing procedure version.
func (e *Engine) CreateBatch(ctx context.Context, actor identity.Actor, procedureID uuid.UUID, version int) (*domain.Batch, error) {
	if !identity.CanWrite(actor.Role) {
		return nil, domain.NewError(domain.CodeUnauthorized,
			"role %s may not create batches", actor.Role)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The fetch pins the version and fails fast on a dangling reference.
	if _, err := tx.FetchProcedure(ctx, procedureID, version); err != nil {
		return nil, err
	}

	batch := &domain.Batch{
		BatchID:          uuid.New(),
		ProcedureID:      procedureID,
		ProcedureVersion: version,
		CurrentState:     domain.StateCreated,
		CreatedAt:        e.now().UTC(),
	}
	if err := tx.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.logger.Info("batch created",
		"batch_id", batch.BatchID, "procedure_id", procedureID, "version", version)
	return batch, nil
}

// ResolveViolation flips one violation OPEN → RESOLVED and audits the
// resolution. Only supervisors may resolve; the violation row itself admits
// no other change.
func (e *Engine) ResolveViolation(ctx context.Context, actor identity.Actor, violationID uuid.UUID) error {
	if actor.Role != domain.RoleSupervisor {
		return domain.NewError(domain.CodeUnauthorized,
			"role %s may not resolve violations", actor.Role)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.ResolveViolation(ctx, violationID); err != nil {
		return err
	}

	now := e.now().UTC()
	payload := map[string]interface{}{
		"action":       string(auditActionResolveViolation),
		"violation_id": violationID.String(),
		"actor":        actor.ID,
		"actor_role":   string(actor.Role),
		"ts":           canonicalize.Timestamp(now),
	}
	auditHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return err
	}
	audit := &domain.AuditLog{
		AuditID:     uuid.New(),
		Action:      auditActionResolveViolation,
		Result:      domain.AuditSuccess,
		Actor:       actor.ID,
		ActorRole:   actor.Role,
		Timestamp:   now,
		ViolationID: &violationID,
		AuditHash:   auditHash,
		Payload:     payload,
	}
	if err := tx.InsertAudit(ctx, audit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.logger.Info("violation resolved", "violation_id", violationID, "actor", actor.ID)
	return nil
}

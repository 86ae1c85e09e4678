// Package engine is the lifecycle core: it authorizes, validates, and commits
// every batch action under the atomic commit protocol.
//
// A denied action is never a cheap rejection. The engine records the policy
// decision, the violation, the enforcement chain, and the failure audit row
// in one transaction, then raises an error whose code equals the failed
// rule. An accepted action commits the transition, its event, and a success
// audit row in one transaction. Nothing in between ever persists.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/fsm"
	"github.com/procguard-labs/procguard/pkg/identity"
	"github.com/procguard-labs/procguard/pkg/invariants"
	"github.com/procguard-labs/procguard/pkg/observability"
	"github.com/procguard-labs/procguard/pkg/policy"
	"github.com/procguard-labs/procguard/pkg/procedure"
	"github.com/procguard-labs/procguard/pkg/sop"
)

// Tx is the transactional capability set the engine depends on. *store.Tx
// satisfies it; tests supply an in-memory fake.
type Tx interface {
	sop.Ledger

	LoadBatchForUpdate(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error)
	FetchProcedure(ctx context.Context, procedureID uuid.UUID, version int) (*domain.Procedure, error)
	FindExistingApproval(ctx context.Context, batchID uuid.UUID, stepID string) (bool, error)
	StepAlreadyProgressed(ctx context.Context, batchID uuid.UUID, stepID string) (bool, error)
	UpdateBatchState(ctx context.Context, batchID uuid.UUID, to domain.State) error
	AppendEvent(ctx context.Context, ev *domain.BatchEvent) error
	InsertViolation(ctx context.Context, v *domain.Violation) error
	InsertPolicyDecision(ctx context.Context, d *domain.PolicyDecision) error
	InsertAudit(ctx context.Context, a *domain.AuditLog) error
	CreateBatch(ctx context.Context, b *domain.Batch) error
	InsertProcedure(ctx context.Context, p *domain.Procedure) error
	ResolveViolation(ctx context.Context, violationID uuid.UUID) error

	Commit() error
	Rollback() error
}

// BeginTx opens one engine transaction. Wire it to store.Store.Begin.
type BeginTx func(ctx context.Context) (Tx, error)

// Request is one commanded action on a batch.
type Request struct {
	BatchID          uuid.UUID
	Event            domain.Event
	Actor            identity.Actor
	StepID           string
	ProcedureVersion *int
	Payload          map[string]interface{}
}

// Result is the outcome of an accepted action.
type Result struct {
	Batch *domain.Batch
	Event *domain.BatchEvent
	Audit *domain.AuditLog
}

// Engine executes the atomic commit protocol.
type Engine struct {
	begin    BeginTx
	enforcer *sop.Enforcer
	logger   *slog.Logger
	obs      *observability.Provider
	now      func() time.Time
}

// New constructs an Engine.
func New(begin BeginTx, enforcer *sop.Enforcer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if enforcer == nil {
		enforcer = sop.NewEnforcer(logger)
	}
	return &Engine{begin: begin, enforcer: enforcer, logger: logger, now: time.Now}
}

// Instrument attaches the telemetry provider. Every Execute call is then
// traced and counted, and denials increment the violation counter.
func (e *Engine) Instrument(p *observability.Provider) { e.obs = p }

// Execute runs one action end to end. Authorization failures raise with no
// writes. Invariant failures commit the full denial record and raise with
// the failed rule's code. Acceptance commits the transition, the event, and
// a success audit row.
func (e *Engine) Execute(ctx context.Context, req Request) (res *Result, err error) {
	if e.obs != nil {
		var done func(error)
		ctx, done = e.obs.TrackAction(ctx, string(req.Event),
			attribute.String("batch_id", req.BatchID.String()),
			attribute.String("actor_role", string(req.Actor.Role)))
		defer func() { done(err) }()
	}

	if err := identity.Authorize(req.Actor.Role, req.Event); err != nil {
		return nil, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := tx.LoadBatchForUpdate(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}

	facts, err := e.gatherFacts(ctx, tx, batch, req)
	if err != nil {
		return nil, err
	}

	if rule, ok := invariants.Evaluate(facts); !ok {
		return nil, e.commitDenial(ctx, tx, batch, req, rule)
	}

	next, _ := fsm.Next(batch.CurrentState, req.Event)
	if err := tx.UpdateBatchState(ctx, batch.BatchID, next); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	ev := &domain.BatchEvent{
		EventID:    uuid.New(),
		BatchID:    batch.BatchID,
		EventType:  req.Event,
		Payload:    eventPayload(req),
		OccurredAt: now,
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		if domain.CodeOf(err) == domain.CodeDuplicateApproval {
			// The unique index caught a concurrent approval the battery could
			// not see. This transaction holds partial writes; restart the
			// protocol as a recorded denial.
			_ = tx.Rollback()
			return nil, e.denyAfresh(ctx, req, domain.RuleDuplicateApproval)
		}
		return nil, err
	}

	audit := e.buildAudit(batch, req, batch.CurrentState, next, domain.AuditSuccess, nil, "", now)
	if err := tx.InsertAudit(ctx, audit); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	batch.CurrentState = next
	e.logger.Info("action accepted",
		"batch_id", batch.BatchID, "event", string(req.Event),
		"actor", req.Actor.ID, "state", string(next))
	return &Result{Batch: batch, Event: ev, Audit: audit}, nil
}

// gatherFacts assembles the battery snapshot. The approval-required fact is
// resolved from the batch's pinned procedure version only.
func (e *Engine) gatherFacts(ctx context.Context, tx Tx, batch *domain.Batch, req Request) (invariants.Facts, error) {
	facts := invariants.Facts{
		CurrentState:   batch.CurrentState,
		Event:          req.Event,
		ActorRole:      req.Actor.Role,
		BatchVersion:   batch.ProcedureVersion,
		RequestVersion: req.ProcedureVersion,
	}

	if req.StepID == "" {
		return facts, nil
	}

	switch req.Event {
	case domain.EventApproveStep:
		present, err := tx.FindExistingApproval(ctx, batch.BatchID, req.StepID)
		if err != nil {
			return facts, err
		}
		facts.ApprovalPresent = present

		progressed, err := tx.StepAlreadyProgressed(ctx, batch.BatchID, req.StepID)
		if err != nil {
			return facts, err
		}
		facts.AlreadyProgressed = progressed

	case domain.EventProgressStep:
		proc, err := tx.FetchProcedure(ctx, batch.ProcedureID, batch.ProcedureVersion)
		if err != nil {
			return facts, err
		}
		if step, ok := procedure.StepByID(proc, req.StepID); ok {
			facts.ApprovalRequired = step.RequiresApproval
		}
		present, err := tx.FindExistingApproval(ctx, batch.BatchID, req.StepID)
		if err != nil {
			return facts, err
		}
		facts.ApprovalPresent = present
	}
	return facts, nil
}

// commitDenial records the full denial inside the open transaction and
// returns the rule-coded error. The returned error is the denial itself, not
// a failure to record it.
func (e *Engine) commitDenial(ctx context.Context, tx Tx, batch *domain.Batch, req Request, rule domain.RuleCode) error {
	now := e.now().UTC()

	decision, err := policy.NewDecision(policy.PackageLifecycle, policy.Input{
		BatchID:      batch.BatchID.String(),
		Event:        req.Event,
		ActorID:      req.Actor.ID,
		ActorRole:    req.Actor.Role,
		CurrentState: batch.CurrentState,
		Rule:         rule,
		StepID:       req.StepID,
	}, domain.DecisionDeny, now)
	if err != nil {
		return err
	}
	if err := tx.InsertPolicyDecision(ctx, decision); err != nil {
		return err
	}

	sopRec, err := e.enforcer.Resolve(ctx, tx, rule)
	if err != nil {
		return err
	}

	// Terminal states stay put: the violation is recorded against the
	// existing terminal state. Everything else moves to VIOLATED.
	finalState := batch.CurrentState
	if !batch.CurrentState.IsTerminal() {
		finalState = domain.StateViolated
		if err := tx.UpdateBatchState(ctx, batch.BatchID, finalState); err != nil {
			return err
		}
	}

	vPayload := map[string]interface{}{
		"batch_id":      batch.BatchID.String(),
		"rule":          string(rule),
		"event":         string(req.Event),
		"actor_id":      req.Actor.ID,
		"actor_role":    string(req.Actor.Role),
		"step_id":       req.StepID,
		"current_state": string(batch.CurrentState),
		"detected_at":   canonicalize.Timestamp(now),
	}
	vHash, err := canonicalize.CanonicalHash(vPayload)
	if err != nil {
		return err
	}
	violation := &domain.Violation{
		ViolationID:        uuid.New(),
		BatchID:            batch.BatchID,
		RuleCode:           rule,
		DetectedAt:         now,
		Status:             domain.ViolationOpen,
		ViolationHash:      vHash,
		PolicyDecisionHash: decision.DecisionHash,
		Payload:            vPayload,
	}
	if sopRec != nil {
		violation.SOPID = &sopRec.ID
	}
	if err := tx.InsertViolation(ctx, violation); err != nil {
		return err
	}

	if err := e.enforcer.Execute(ctx, tx, violation, sopRec, req.Actor.ID); err != nil {
		return err
	}

	audit := e.buildAudit(batch, req, batch.CurrentState, finalState,
		domain.AuditFailure, &violation.ViolationID, vHash, now)
	if err := tx.InsertAudit(ctx, audit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if e.obs != nil {
		e.obs.RecordViolation(ctx, string(rule))
	}
	e.logger.Warn("action denied",
		"batch_id", batch.BatchID, "event", string(req.Event),
		"actor", req.Actor.ID, "rule", string(rule))
	return domain.ViolationError(rule)
}

// denyAfresh reopens a transaction and records a denial from scratch. Used
// when the success path lost the duplicate-approval race after its own
// transaction became unusable.
func (e *Engine) denyAfresh(ctx context.Context, req Request, rule domain.RuleCode) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := tx.LoadBatchForUpdate(ctx, req.BatchID)
	if err != nil {
		return err
	}
	return e.commitDenial(ctx, tx, batch, req, rule)
}

func (e *Engine) buildAudit(batch *domain.Batch, req Request, expected, actual domain.State,
	result domain.AuditResult, violationID *uuid.UUID, violationHash string, now time.Time) *domain.AuditLog {

	payload := map[string]interface{}{
		"batch_id":       batch.BatchID.String(),
		"action":         string(req.Event),
		"actor":          req.Actor.ID,
		"actor_role":     string(req.Actor.Role),
		"expected_state": string(expected),
		"actual_state":   string(actual),
		"result":         string(result),
		"step_id":        req.StepID,
		"ts":             canonicalize.Timestamp(now),
	}
	auditHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		// The payload is built from strings only; canonicalization cannot
		// fail on it.
		auditHash = ""
	}

	batchID := batch.BatchID
	return &domain.AuditLog{
		AuditID:           uuid.New(),
		BatchID:           &batchID,
		ExpectedState:     expected,
		ActualState:       actual,
		Action:            req.Event,
		Result:            result,
		Actor:             req.Actor.ID,
		ActorRole:         req.Actor.Role,
		Timestamp:         now,
		ViolationID:       violationID,
		AuditHash:         auditHash,
		ViolationHashLink: violationHash,
		Payload:           payload,
	}
}

func eventPayload(req Request) map[string]interface{} {
	payload := make(map[string]interface{}, len(req.Payload)+2)
	for k, v := range req.Payload {
		payload[k] = v
	}
	if req.StepID != "" {
		payload["step_id"] = req.StepID
	}
	payload["actor_id"] = req.Actor.ID
	return payload
}

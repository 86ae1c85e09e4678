package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/procguard-labs/procguard/pkg/domain"
)

// LoadBatchForUpdate reads the batch under a row-scoped lock so concurrent
// actions on the same batch serialize. SQLite transactions already serialize
// writers, so the FOR UPDATE suffix is Postgres-only.
func (t *Tx) LoadBatchForUpdate(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	query := `SELECT batch_id, procedure_id, procedure_version, current_state, created_at
	          FROM batches WHERE batch_id = $1`
	if t.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}

	var (
		b                 domain.Batch
		batchStr, procStr string
		state             string
	)
	err := t.tx.QueryRowContext(ctx, query, batchID.String()).
		Scan(&batchStr, &procStr, &b.ProcedureVersion, &state, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeBatchNotFound, "batch %s not found", batchID)
		}
		return nil, mapOperational(ctx, err)
	}

	if b.BatchID, err = uuid.Parse(batchStr); err != nil {
		return nil, fmt.Errorf("store: corrupt batch id %q: %w", batchStr, err)
	}
	if b.ProcedureID, err = uuid.Parse(procStr); err != nil {
		return nil, fmt.Errorf("store: corrupt procedure id %q: %w", procStr, err)
	}
	if b.CurrentState, err = domain.ParseState(state); err != nil {
		return nil, fmt.Errorf("store: corrupt batch state %q: %w", state, err)
	}
	return &b, nil
}

// FetchProcedure loads one published procedure version.
func (t *Tx) FetchProcedure(ctx context.Context, procedureID uuid.UUID, version int) (*domain.Procedure, error) {
	var (
		p       domain.Procedure
		idStr   string
		raw     []byte
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT procedure_id, version, steps, published_at FROM procedures
		 WHERE procedure_id = $1 AND version = $2`,
		procedureID.String(), version).
		Scan(&idStr, &p.Version, &raw, &p.PublishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeProcedureNotFound, "procedure %s v%d not found", procedureID, version)
		}
		return nil, mapOperational(ctx, err)
	}
	if p.ProcedureID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt procedure id %q: %w", idStr, err)
	}
	if err := json.Unmarshal(raw, &p.Steps); err != nil {
		return nil, fmt.Errorf("store: corrupt step set for %s v%d: %w", procedureID, version, err)
	}
	return &p, nil
}

// InsertProcedure publishes a procedure version. Publishing is the only
// write the procedures table ever accepts.
func (t *Tx) InsertProcedure(ctx context.Context, p *domain.Procedure) error {
	raw, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("store: marshal steps: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO procedures (procedure_id, version, steps, published_at) VALUES ($1, $2, $3, $4)`,
		p.ProcedureID.String(), p.Version, raw, p.PublishedAt.UTC())
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// CreateBatch inserts a new batch pinned to its procedure version.
func (t *Tx) CreateBatch(ctx context.Context, b *domain.Batch) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO batches (batch_id, procedure_id, procedure_version, current_state, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.BatchID.String(), b.ProcedureID.String(), b.ProcedureVersion,
		string(b.CurrentState), b.CreatedAt.UTC())
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// UpdateBatchState moves the batch pointer. The historical tables stay
// untouched; this row is the only mutable one in the model.
func (t *Tx) UpdateBatchState(ctx context.Context, batchID uuid.UUID, to domain.State) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE batches SET current_state = $1 WHERE batch_id = $2`,
		string(to), batchID.String())
	if err != nil {
		return mapOperational(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapOperational(ctx, err)
	}
	if n == 0 {
		return domain.NewError(domain.CodeBatchNotFound, "batch %s not found", batchID)
	}
	return nil
}

// AppendEvent writes one accepted transition to the append-only event table.
// A unique-index failure here is the duplicate-approval race losing.
func (t *Tx) AppendEvent(ctx context.Context, ev *domain.BatchEvent) error {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal event payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO batch_events (event_id, batch_id, event_type, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.EventID.String(), ev.BatchID.String(), string(ev.EventType), raw, ev.OccurredAt.UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.WrapError(domain.CodeDuplicateApproval, err,
				"approval already recorded for this step")
		}
		return mapOperational(ctx, err)
	}
	return nil
}

// FindExistingApproval reports whether an approve_step event already exists
// for (batch, step).
func (t *Tx) FindExistingApproval(ctx context.Context, batchID uuid.UUID, stepID string) (bool, error) {
	return t.eventExists(ctx, batchID, string(domain.EventApproveStep), stepID)
}

// StepAlreadyProgressed reports whether a progress_step event already exists
// for (batch, step).
func (t *Tx) StepAlreadyProgressed(ctx context.Context, batchID uuid.UUID, stepID string) (bool, error) {
	return t.eventExists(ctx, batchID, string(domain.EventProgressStep), stepID)
}

func (t *Tx) eventExists(ctx context.Context, batchID uuid.UUID, eventType, stepID string) (bool, error) {
	extract := `payload->>'step_id'`
	if t.dialect == DialectSQLite {
		extract = `json_extract(payload, '$.step_id')`
	}
	query := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM batch_events WHERE batch_id = $1 AND event_type = $2 AND %s = $3)`,
		extract)

	var exists bool
	if err := t.tx.QueryRowContext(ctx, query, batchID.String(), eventType, stepID).Scan(&exists); err != nil {
		return false, mapOperational(ctx, err)
	}
	return exists, nil
}

// InsertViolation writes the irreversible denial record.
func (t *Tx) InsertViolation(ctx context.Context, v *domain.Violation) error {
	raw, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal violation payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO violations
		 (violation_id, batch_id, rule_code, sop_id, detected_at, status,
		  violation_hash, opa_decision_hash, triggering_filter_event_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ViolationID.String(), v.BatchID.String(), string(v.RuleCode),
		uuidOrNil(v.SOPID), v.DetectedAt.UTC(), string(v.Status),
		v.ViolationHash, v.PolicyDecisionHash, uuidOrNil(v.TriggeringFilterEvent), raw)
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// ResolveViolation flips status OPEN → RESOLVED; the trigger rejects any
// other change.
func (t *Tx) ResolveViolation(ctx context.Context, violationID uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE violations SET status = $1 WHERE violation_id = $2 AND status = $3`,
		string(domain.ViolationResolved), violationID.String(), string(domain.ViolationOpen))
	if err != nil {
		return mapOperational(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapOperational(ctx, err)
	}
	if n == 0 {
		return domain.NewError(domain.CodeBatchNotFound, "open violation %s not found", violationID)
	}
	return nil
}

// InsertPolicyDecision writes the root-of-trust record for a deny/allow.
func (t *Tx) InsertPolicyDecision(ctx context.Context, d *domain.PolicyDecision) error {
	raw, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal decision payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO policy_decisions
		 (decision_id, ts, policy_package, rule, decision, resource_type, resource_id,
		  input_hash, result_hash, decision_hash, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.DecisionID.String(), d.Timestamp.UTC(), d.PolicyPackage, string(d.Rule),
		string(d.Decision), d.ResourceType, d.ResourceID,
		d.InputHash, d.ResultHash, d.DecisionHash, raw)
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// InsertAudit writes the per-action audit row.
func (t *Tx) InsertAudit(ctx context.Context, a *domain.AuditLog) error {
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal audit payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO audit_logs
		 (audit_id, batch_id, expected_state, actual_state, action, result,
		  actor, actor_role, ts, violation_id, audit_hash, violation_hash_link, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.AuditID.String(), uuidOrNil(a.BatchID), string(a.ExpectedState), string(a.ActualState),
		string(a.Action), string(a.Result), a.Actor, string(a.ActorRole), a.Timestamp.UTC(),
		uuidOrNil(a.ViolationID), a.AuditHash, nullIfEmpty(a.ViolationHashLink), raw)
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// ResolveSOP maps a rule code to its active SOP; nil when no mapping exists.
// The lookup is deterministic: rule_code is the primary key of sop_rules.
func (t *Tx) ResolveSOP(ctx context.Context, rule domain.RuleCode) (*domain.SOP, error) {
	var (
		s     domain.SOP
		idStr string
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT s.id, s.name, s.version, s.immutable_hash, s.is_active
		 FROM sop_rules r JOIN sops s ON s.id = r.sop_id
		 WHERE r.rule_code = $1 AND s.is_active`,
		string(rule)).
		Scan(&idStr, &s.Name, &s.Version, &s.ImmutableHash, &s.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	if s.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt sop id %q: %w", idStr, err)
	}
	return &s, nil
}

// EnforcementActions lists the configured responses for an SOP.
func (t *Tx) EnforcementActions(ctx context.Context, sopID uuid.UUID) ([]domain.EnforcementAction, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, sop_id, action_type FROM enforcement_actions WHERE sop_id = $1 ORDER BY id`,
		sopID.String())
	if err != nil {
		return nil, mapOperational(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	var actions []domain.EnforcementAction
	for rows.Next() {
		var (
			a            domain.EnforcementAction
			idStr, sopStr string
		)
		if err := rows.Scan(&idStr, &sopStr, &a.ActionType); err != nil {
			return nil, mapOperational(ctx, err)
		}
		if a.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("store: corrupt action id %q: %w", idStr, err)
		}
		if a.SOPID, err = uuid.Parse(sopStr); err != nil {
			return nil, fmt.Errorf("store: corrupt sop id %q: %w", sopStr, err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapOperational(ctx, err)
	}
	return actions, nil
}

// InsertEnforcementEvent records one executed enforcement action.
func (t *Tx) InsertEnforcementEvent(ctx context.Context, e *domain.EnforcementEvent) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO enforcement_events (id, violation_id, sop_id, action_type, executed_at, executed_by, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID.String(), e.ViolationID.String(), e.SOPID.String(),
		e.ActionType, e.ExecutedAt.UTC(), e.ExecutedBy, e.Outcome)
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// LatestEvidenceNode returns the chain tail for a violation, or nil for a
// fresh chain.
func (t *Tx) LatestEvidenceNode(ctx context.Context, violationID uuid.UUID) (*domain.EvidenceChainNode, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, violation_id, event_type, source_id, prev_hash, hash, created_at
		 FROM evidence_chain WHERE violation_id = $1
		 ORDER BY `+appendOrder(t.dialect)+` DESC LIMIT 1`,
		violationID.String())
	node, err := scanEvidenceNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	return node, nil
}

// InsertEvidenceNode appends one node to a violation's chain.
func (t *Tx) InsertEvidenceNode(ctx context.Context, n *domain.EvidenceChainNode) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO evidence_chain (id, violation_id, event_type, source_id, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID.String(), n.ViolationID.String(), string(n.EventType),
		n.SourceID.String(), nullIfEmpty(n.PrevHash), n.Hash, n.CreatedAt.UTC())
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// LatestFilterEventForUser returns the user's most recent recorded filter
// action, used to link filter context into evidence chains.
func (t *Tx) LatestFilterEventForUser(ctx context.Context, userID string) (*domain.FilterAuditEvent, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, screen, filter_payload, created_at, prev_hash, hash
		 FROM filter_audit_events WHERE user_id = $1
		 ORDER BY `+appendOrder(t.dialect)+` DESC LIMIT 1`,
		userID)
	ev, err := scanFilterEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	return ev, nil
}

// LatestFilterEvent returns the whole-ledger chain tail.
func (t *Tx) LatestFilterEvent(ctx context.Context) (*domain.FilterAuditEvent, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, screen, filter_payload, created_at, prev_hash, hash
		 FROM filter_audit_events
		 ORDER BY `+appendOrder(t.dialect)+` DESC LIMIT 1`)
	ev, err := scanFilterEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	return ev, nil
}

// InsertFilterEvent appends one filter audit event.
func (t *Tx) InsertFilterEvent(ctx context.Context, ev *domain.FilterAuditEvent) error {
	raw, err := json.Marshal(ev.FilterPayload)
	if err != nil {
		return fmt.Errorf("store: marshal filter payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO filter_audit_events (id, user_id, screen, filter_payload, created_at, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID.String(), ev.UserID, ev.Screen, raw, ev.CreatedAt.UTC(),
		nullIfEmpty(ev.PrevHash), ev.Hash)
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

// InsertCheckpoint seals a checkpoint for a stream.
func (t *Tx) InsertCheckpoint(ctx context.Context, c *domain.Checkpoint) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO checkpoints
		 (id, stream_name, last_event_id, last_event_hash, snapshot_hash, snapshot_version, committed_at, is_recovery)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID.String(), c.StreamName, c.LastEventID.String(), c.LastEventHash,
		c.SnapshotHash, c.SnapshotVersion, c.CommittedAt.UTC(), c.IsRecovery)
	if err != nil {
		return mapOperational(ctx, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFilterEvent(row rowScanner) (*domain.FilterAuditEvent, error) {
	var (
		ev       domain.FilterAuditEvent
		idStr    string
		raw      []byte
		prevHash sql.NullString
	)
	if err := row.Scan(&idStr, &ev.UserID, &ev.Screen, &raw, &ev.CreatedAt, &prevHash, &ev.Hash); err != nil {
		return nil, err
	}
	var err error
	if ev.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt filter event id %q: %w", idStr, err)
	}
	if err := json.Unmarshal(raw, &ev.FilterPayload); err != nil {
		return nil, fmt.Errorf("store: corrupt filter payload for %s: %w", idStr, err)
	}
	ev.PrevHash = prevHash.String
	return &ev, nil
}

func scanEvidenceNode(row rowScanner) (*domain.EvidenceChainNode, error) {
	var (
		n                    domain.EvidenceChainNode
		idStr, vioStr, srcStr string
		eventType            string
		prevHash             sql.NullString
	)
	if err := row.Scan(&idStr, &vioStr, &eventType, &srcStr, &prevHash, &n.Hash, &n.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if n.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt evidence node id %q: %w", idStr, err)
	}
	if n.ViolationID, err = uuid.Parse(vioStr); err != nil {
		return nil, fmt.Errorf("store: corrupt violation id %q: %w", vioStr, err)
	}
	if n.SourceID, err = uuid.Parse(srcStr); err != nil {
		return nil, fmt.Errorf("store: corrupt source id %q: %w", srcStr, err)
	}
	n.EventType = domain.EvidenceEventType(eventType)
	n.PrevHash = prevHash.String
	return &n, nil
}

func uuidOrNil(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

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

// Read-side queries for the forensic verifiers and exporters. These run
// outside the engine transaction; they never write.

// GetViolation loads one violation by id.
func (s *Store) GetViolation(ctx context.Context, violationID uuid.UUID) (*domain.Violation, error) {
	var (
		v                  domain.Violation
		idStr, batchStr    string
		rule, status       string
		sopStr, filterStr  sql.NullString
		decisionHash       sql.NullString
		raw                []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT violation_id, batch_id, rule_code, sop_id, detected_at, status,
		        violation_hash, opa_decision_hash, triggering_filter_event_id, payload
		 FROM violations WHERE violation_id = $1`,
		violationID.String()).
		Scan(&idStr, &batchStr, &rule, &sopStr, &v.DetectedAt, &status,
			&v.ViolationHash, &decisionHash, &filterStr, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.CodeBatchNotFound, "violation %s not found", violationID)
		}
		return nil, mapOperational(ctx, err)
	}

	if v.ViolationID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt violation id %q: %w", idStr, err)
	}
	if v.BatchID, err = uuid.Parse(batchStr); err != nil {
		return nil, fmt.Errorf("store: corrupt batch id %q: %w", batchStr, err)
	}
	v.RuleCode = domain.RuleCode(rule)
	v.Status = domain.ViolationStatus(status)
	v.PolicyDecisionHash = decisionHash.String
	if v.SOPID, err = parseNullUUID(sopStr); err != nil {
		return nil, err
	}
	if v.TriggeringFilterEvent, err = parseNullUUID(filterStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &v.Payload); err != nil {
		return nil, fmt.Errorf("store: corrupt violation payload for %s: %w", idStr, err)
	}
	return &v, nil
}

// ViolationsForBatch lists a batch's violations, oldest first.
func (s *Store) ViolationsForBatch(ctx context.Context, batchID uuid.UUID) ([]domain.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT violation_id FROM violations WHERE batch_id = $1 ORDER BY detected_at, violation_id`,
		batchID.String())
	if err != nil {
		return nil, mapOperational(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, mapOperational(ctx, err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt violation id %q: %w", idStr, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapOperational(ctx, err)
	}

	out := make([]domain.Violation, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetViolation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// PolicyDecisionByHash loads the decision record a violation points at.
func (s *Store) PolicyDecisionByHash(ctx context.Context, decisionHash string) (*domain.PolicyDecision, error) {
	var (
		d          domain.PolicyDecision
		idStr      string
		rule, dec  string
		raw        []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT decision_id, ts, policy_package, rule, decision, resource_type, resource_id,
		        input_hash, result_hash, decision_hash, payload
		 FROM policy_decisions WHERE decision_hash = $1`,
		decisionHash).
		Scan(&idStr, &d.Timestamp, &d.PolicyPackage, &rule, &dec,
			&d.ResourceType, &d.ResourceID, &d.InputHash, &d.ResultHash, &d.DecisionHash, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	if d.DecisionID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt decision id %q: %w", idStr, err)
	}
	d.Rule = domain.RuleCode(rule)
	d.Decision = domain.Decision(dec)
	if err := json.Unmarshal(raw, &d.Payload); err != nil {
		return nil, fmt.Errorf("store: corrupt decision payload for %s: %w", idStr, err)
	}
	return &d, nil
}

// AuditForViolation loads the FAILURE audit row linked to a violation, or nil
// when none exists.
func (s *Store) AuditForViolation(ctx context.Context, violationID uuid.UUID) (*domain.AuditLog, error) {
	var (
		a                     domain.AuditLog
		idStr                 string
		batchStr, vioStr      sql.NullString
		expected, actual      string
		action, result, role  string
		linkHash              sql.NullString
		raw                   []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT audit_id, batch_id, expected_state, actual_state, action, result,
		        actor, actor_role, ts, violation_id, audit_hash, violation_hash_link, payload
		 FROM audit_logs WHERE violation_id = $1
		 ORDER BY ts, audit_id LIMIT 1`,
		violationID.String()).
		Scan(&idStr, &batchStr, &expected, &actual, &action, &result,
			&a.Actor, &role, &a.Timestamp, &vioStr, &a.AuditHash, &linkHash, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	if a.AuditID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt audit id %q: %w", idStr, err)
	}
	a.ExpectedState = domain.State(expected)
	a.ActualState = domain.State(actual)
	a.Action = domain.Event(action)
	a.Result = domain.AuditResult(result)
	a.ActorRole = domain.Role(role)
	a.ViolationHashLink = linkHash.String
	if a.BatchID, err = parseNullUUID(batchStr); err != nil {
		return nil, err
	}
	if a.ViolationID, err = parseNullUUID(vioStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &a.Payload); err != nil {
		return nil, fmt.Errorf("store: corrupt audit payload for %s: %w", idStr, err)
	}
	return &a, nil
}

// EvidenceNodes lists a violation's chain in append order.
func (s *Store) EvidenceNodes(ctx context.Context, violationID uuid.UUID) ([]domain.EvidenceChainNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, violation_id, event_type, source_id, prev_hash, hash, created_at
		 FROM evidence_chain WHERE violation_id = $1
		 ORDER BY `+appendOrder(s.dialect),
		violationID.String())
	if err != nil {
		return nil, mapOperational(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []domain.EvidenceChainNode
	for rows.Next() {
		n, err := scanEvidenceNode(rows)
		if err != nil {
			return nil, mapOperational(ctx, err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, mapOperational(ctx, err)
	}
	return nodes, nil
}

// FilterEvents lists the whole filter audit ledger in chain order.
func (s *Store) FilterEvents(ctx context.Context) ([]domain.FilterAuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, screen, filter_payload, created_at, prev_hash, hash
		 FROM filter_audit_events
		 ORDER BY `+appendOrder(s.dialect))
	if err != nil {
		return nil, mapOperational(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.FilterAuditEvent
	for rows.Next() {
		ev, err := scanFilterEvent(rows)
		if err != nil {
			return nil, mapOperational(ctx, err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapOperational(ctx, err)
	}
	return events, nil
}

// LatestCheckpoint returns the newest checkpoint for a stream. Recovery
// checkpoints are excluded unless includeRecovery is set; degraded reads must
// anchor to a checkpoint sealed by a clean verification.
func (s *Store) LatestCheckpoint(ctx context.Context, stream string, includeRecovery bool) (*domain.Checkpoint, error) {
	query := `SELECT id, stream_name, last_event_id, last_event_hash, snapshot_hash,
	                 snapshot_version, committed_at, is_recovery
	          FROM checkpoints WHERE stream_name = $1`
	if !includeRecovery {
		query += ` AND NOT is_recovery`
	}
	query += ` ORDER BY committed_at DESC, id DESC LIMIT 1`

	var (
		c              domain.Checkpoint
		idStr, evStr   string
	)
	err := s.db.QueryRowContext(ctx, query, stream).
		Scan(&idStr, &c.StreamName, &evStr, &c.LastEventHash, &c.SnapshotHash,
			&c.SnapshotVersion, &c.CommittedAt, &c.IsRecovery)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	if c.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt checkpoint id %q: %w", idStr, err)
	}
	if c.LastEventID, err = uuid.Parse(evStr); err != nil {
		return nil, fmt.Errorf("store: corrupt event id %q: %w", evStr, err)
	}
	return &c, nil
}

// SOPByID loads one SOP regardless of active flag; evidence reconstruction
// must resolve SOPs that were deactivated after the violation.
func (s *Store) SOPByID(ctx context.Context, sopID uuid.UUID) (*domain.SOP, error) {
	var (
		sop   domain.SOP
		idStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, immutable_hash, is_active FROM sops WHERE id = $1`,
		sopID.String()).
		Scan(&idStr, &sop.Name, &sop.Version, &sop.ImmutableHash, &sop.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	if sop.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt sop id %q: %w", idStr, err)
	}
	return &sop, nil
}

// EnforcementEventByID loads one executed enforcement record.
func (s *Store) EnforcementEventByID(ctx context.Context, id uuid.UUID) (*domain.EnforcementEvent, error) {
	var (
		e                     domain.EnforcementEvent
		idStr, vioStr, sopStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, violation_id, sop_id, action_type, executed_at, executed_by, outcome
		 FROM enforcement_events WHERE id = $1`,
		id.String()).
		Scan(&idStr, &vioStr, &sopStr, &e.ActionType, &e.ExecutedAt, &e.ExecutedBy, &e.Outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	if e.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("store: corrupt enforcement id %q: %w", idStr, err)
	}
	if e.ViolationID, err = uuid.Parse(vioStr); err != nil {
		return nil, fmt.Errorf("store: corrupt violation id %q: %w", vioStr, err)
	}
	if e.SOPID, err = uuid.Parse(sopStr); err != nil {
		return nil, fmt.Errorf("store: corrupt sop id %q: %w", sopStr, err)
	}
	return &e, nil
}

// FilterEventByID loads one filter audit event.
func (s *Store) FilterEventByID(ctx context.Context, id uuid.UUID) (*domain.FilterAuditEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, screen, filter_payload, created_at, prev_hash, hash
		 FROM filter_audit_events WHERE id = $1`,
		id.String())
	ev, err := scanFilterEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapOperational(ctx, err)
	}
	return ev, nil
}

func parseNullUUID(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt uuid %q: %w", ns.String, err)
	}
	return &id, nil
}

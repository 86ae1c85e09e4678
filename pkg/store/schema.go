package store

// The ledger schema is append-only by construction: every historical table
// carries a BEFORE UPDATE OR DELETE trigger that raises, so no code path and
// no direct operator can rewrite history. Violations get the single narrow
// exception the model allows: status OPEN → RESOLVED with every other column
// bit-identical.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS procedures (
    procedure_id UUID NOT NULL,
    version INTEGER NOT NULL CHECK (version > 0),
    steps JSONB NOT NULL CHECK (jsonb_typeof(steps) = 'array' AND jsonb_array_length(steps) > 0),
    published_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (procedure_id, version)
);

CREATE OR REPLACE FUNCTION forbid_procedure_mutation()
RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'procedures are immutable once published';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS procedures_no_mutation ON procedures;
CREATE TRIGGER procedures_no_mutation
BEFORE UPDATE OR DELETE ON procedures
FOR EACH ROW EXECUTE FUNCTION forbid_procedure_mutation();

CREATE TABLE IF NOT EXISTS batches (
    batch_id UUID PRIMARY KEY,
    procedure_id UUID NOT NULL,
    procedure_version INTEGER NOT NULL,
    current_state TEXT NOT NULL CHECK (
        current_state IN ('CREATED','IN_PROGRESS','AWAITING_APPROVAL','APPROVED','COMPLETED','VIOLATED','REJECTED')
    ),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    FOREIGN KEY (procedure_id, procedure_version) REFERENCES procedures(procedure_id, version)
);

CREATE TABLE IF NOT EXISTS batch_events (
    event_id UUID PRIMARY KEY,
    batch_id UUID NOT NULL REFERENCES batches(batch_id),
    event_type TEXT NOT NULL,
    payload JSONB NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_events_batch_id ON batch_events(batch_id);

-- Defense in depth against the duplicate-approval race: the ledger itself
-- admits at most one approve_step per (batch, step).
CREATE UNIQUE INDEX IF NOT EXISTS uq_one_approval_per_step
ON batch_events (batch_id, (payload->>'step_id'))
WHERE event_type = 'approve_step';

CREATE OR REPLACE FUNCTION forbid_event_mutation()
RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'batch events are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS batch_events_no_mutation ON batch_events;
CREATE TRIGGER batch_events_no_mutation
BEFORE UPDATE OR DELETE ON batch_events
FOR EACH ROW EXECUTE FUNCTION forbid_event_mutation();

CREATE TABLE IF NOT EXISTS violations (
    violation_id UUID PRIMARY KEY,
    batch_id UUID NOT NULL REFERENCES batches(batch_id),
    rule_code TEXT NOT NULL,
    sop_id UUID,
    detected_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN','RESOLVED')),
    violation_hash TEXT NOT NULL,
    opa_decision_hash TEXT NOT NULL,
    triggering_filter_event_id UUID,
    payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_batch_id ON violations(batch_id);

CREATE OR REPLACE FUNCTION forbid_violation_mutation()
RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'UPDATE'
        AND OLD.status = 'OPEN' AND NEW.status = 'RESOLVED'
        AND NEW.violation_id = OLD.violation_id
        AND NEW.batch_id = OLD.batch_id
        AND NEW.rule_code = OLD.rule_code
        AND NEW.sop_id IS NOT DISTINCT FROM OLD.sop_id
        AND NEW.detected_at = OLD.detected_at
        AND NEW.violation_hash = OLD.violation_hash
        AND NEW.opa_decision_hash = OLD.opa_decision_hash
        AND NEW.triggering_filter_event_id IS NOT DISTINCT FROM OLD.triggering_filter_event_id
        AND NEW.payload::text = OLD.payload::text
    THEN
        RETURN NEW;
    END IF;
    RAISE EXCEPTION 'violations are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS violations_no_mutation ON violations;
CREATE TRIGGER violations_no_mutation
BEFORE UPDATE OR DELETE ON violations
FOR EACH ROW EXECUTE FUNCTION forbid_violation_mutation();

CREATE TABLE IF NOT EXISTS policy_decisions (
    decision_id UUID PRIMARY KEY,
    ts TIMESTAMPTZ NOT NULL,
    policy_package TEXT NOT NULL,
    rule TEXT NOT NULL,
    decision TEXT NOT NULL CHECK (decision IN ('allow','deny')),
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    result_hash TEXT NOT NULL,
    decision_hash TEXT NOT NULL UNIQUE,
    payload JSONB NOT NULL
);

CREATE OR REPLACE FUNCTION forbid_policy_decision_mutation()
RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'policy decisions are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS policy_decisions_no_mutation ON policy_decisions;
CREATE TRIGGER policy_decisions_no_mutation
BEFORE UPDATE OR DELETE ON policy_decisions
FOR EACH ROW EXECUTE FUNCTION forbid_policy_decision_mutation();

CREATE TABLE IF NOT EXISTS audit_logs (
    audit_id UUID PRIMARY KEY,
    batch_id UUID,
    expected_state TEXT NOT NULL,
    actual_state TEXT NOT NULL,
    action TEXT NOT NULL,
    result TEXT NOT NULL CHECK (result IN ('SUCCESS','FAILURE')),
    actor TEXT NOT NULL,
    actor_role TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    violation_id UUID,
    audit_hash TEXT NOT NULL,
    violation_hash_link TEXT,
    payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_batch_id ON audit_logs(batch_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_violation_id ON audit_logs(violation_id);

CREATE OR REPLACE FUNCTION forbid_audit_mutation()
RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'audit logs are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_logs_no_mutation ON audit_logs;
CREATE TRIGGER audit_logs_no_mutation
BEFORE UPDATE OR DELETE ON audit_logs
FOR EACH ROW EXECUTE FUNCTION forbid_audit_mutation();

CREATE TABLE IF NOT EXISTS filter_audit_events (
    id UUID PRIMARY KEY,
    seq BIGSERIAL,
    user_id TEXT NOT NULL,
    screen TEXT NOT NULL,
    filter_payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    prev_hash TEXT,
    hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_filter_audit_created_at ON filter_audit_events(created_at);

CREATE TABLE IF NOT EXISTS evidence_chain (
    id UUID PRIMARY KEY,
    seq BIGSERIAL,
    violation_id UUID NOT NULL REFERENCES violations(violation_id),
    event_type TEXT NOT NULL CHECK (
        event_type IN ('FILTER_APPLIED','VIOLATION_DETECTED','SOP_INVOKED','ENFORCEMENT_EXECUTED','EXPORT_GENERATED')
    ),
    source_id UUID NOT NULL,
    prev_hash TEXT,
    hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_chain_violation ON evidence_chain(violation_id, seq);

CREATE TABLE IF NOT EXISTS checkpoints (
    id UUID PRIMARY KEY,
    stream_name TEXT NOT NULL,
    last_event_id UUID NOT NULL,
    last_event_hash TEXT NOT NULL,
    snapshot_hash TEXT NOT NULL,
    snapshot_version INTEGER NOT NULL,
    committed_at TIMESTAMPTZ NOT NULL,
    is_recovery BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_stream ON checkpoints(stream_name, committed_at);

CREATE TABLE IF NOT EXISTS sops (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    immutable_hash TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS sop_rules (
    rule_code TEXT PRIMARY KEY,
    sop_id UUID NOT NULL REFERENCES sops(id)
);

CREATE TABLE IF NOT EXISTS enforcement_actions (
    id UUID PRIMARY KEY,
    sop_id UUID NOT NULL REFERENCES sops(id),
    action_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS enforcement_events (
    id UUID PRIMARY KEY,
    violation_id UUID NOT NULL REFERENCES violations(violation_id),
    sop_id UUID NOT NULL,
    action_type TEXT NOT NULL,
    executed_at TIMESTAMPTZ NOT NULL,
    executed_by TEXT NOT NULL,
    outcome TEXT NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS procedures (
    procedure_id TEXT NOT NULL,
    version INTEGER NOT NULL CHECK (version > 0),
    steps TEXT NOT NULL,
    published_at TIMESTAMP NOT NULL,
    PRIMARY KEY (procedure_id, version)
);

CREATE TRIGGER IF NOT EXISTS procedures_no_update BEFORE UPDATE ON procedures
BEGIN SELECT RAISE(ABORT, 'procedures are immutable once published'); END;
CREATE TRIGGER IF NOT EXISTS procedures_no_delete BEFORE DELETE ON procedures
BEGIN SELECT RAISE(ABORT, 'procedures are immutable once published'); END;

CREATE TABLE IF NOT EXISTS batches (
    batch_id TEXT PRIMARY KEY,
    procedure_id TEXT NOT NULL,
    procedure_version INTEGER NOT NULL,
    current_state TEXT NOT NULL CHECK (
        current_state IN ('CREATED','IN_PROGRESS','AWAITING_APPROVAL','APPROVED','COMPLETED','VIOLATED','REJECTED')
    ),
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_events (
    event_id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_events_batch_id ON batch_events(batch_id);

CREATE UNIQUE INDEX IF NOT EXISTS uq_one_approval_per_step
ON batch_events (batch_id, json_extract(payload, '$.step_id'))
WHERE event_type = 'approve_step';

CREATE TRIGGER IF NOT EXISTS batch_events_no_update BEFORE UPDATE ON batch_events
BEGIN SELECT RAISE(ABORT, 'batch events are append-only'); END;
CREATE TRIGGER IF NOT EXISTS batch_events_no_delete BEFORE DELETE ON batch_events
BEGIN SELECT RAISE(ABORT, 'batch events are append-only'); END;

CREATE TABLE IF NOT EXISTS violations (
    violation_id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    rule_code TEXT NOT NULL,
    sop_id TEXT,
    detected_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN','RESOLVED')),
    violation_hash TEXT NOT NULL,
    opa_decision_hash TEXT NOT NULL,
    triggering_filter_event_id TEXT,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_batch_id ON violations(batch_id);

CREATE TRIGGER IF NOT EXISTS violations_limited_update BEFORE UPDATE ON violations
WHEN NOT (
    OLD.status = 'OPEN' AND NEW.status = 'RESOLVED'
    AND NEW.violation_id = OLD.violation_id
    AND NEW.batch_id = OLD.batch_id
    AND NEW.rule_code = OLD.rule_code
    AND NEW.sop_id IS OLD.sop_id
    AND NEW.detected_at = OLD.detected_at
    AND NEW.violation_hash = OLD.violation_hash
    AND NEW.opa_decision_hash = OLD.opa_decision_hash
    AND NEW.triggering_filter_event_id IS OLD.triggering_filter_event_id
    AND NEW.payload = OLD.payload
)
BEGIN SELECT RAISE(ABORT, 'violations are immutable'); END;
CREATE TRIGGER IF NOT EXISTS violations_no_delete BEFORE DELETE ON violations
BEGIN SELECT RAISE(ABORT, 'violations are immutable'); END;

CREATE TABLE IF NOT EXISTS policy_decisions (
    decision_id TEXT PRIMARY KEY,
    ts TIMESTAMP NOT NULL,
    policy_package TEXT NOT NULL,
    rule TEXT NOT NULL,
    decision TEXT NOT NULL CHECK (decision IN ('allow','deny')),
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    result_hash TEXT NOT NULL,
    decision_hash TEXT NOT NULL UNIQUE,
    payload TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS policy_decisions_no_update BEFORE UPDATE ON policy_decisions
BEGIN SELECT RAISE(ABORT, 'policy decisions are immutable'); END;
CREATE TRIGGER IF NOT EXISTS policy_decisions_no_delete BEFORE DELETE ON policy_decisions
BEGIN SELECT RAISE(ABORT, 'policy decisions are immutable'); END;

CREATE TABLE IF NOT EXISTS audit_logs (
    audit_id TEXT PRIMARY KEY,
    batch_id TEXT,
    expected_state TEXT NOT NULL,
    actual_state TEXT NOT NULL,
    action TEXT NOT NULL,
    result TEXT NOT NULL CHECK (result IN ('SUCCESS','FAILURE')),
    actor TEXT NOT NULL,
    actor_role TEXT NOT NULL,
    ts TIMESTAMP NOT NULL,
    violation_id TEXT,
    audit_hash TEXT NOT NULL,
    violation_hash_link TEXT,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_batch_id ON audit_logs(batch_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_violation_id ON audit_logs(violation_id);

CREATE TRIGGER IF NOT EXISTS audit_logs_no_update BEFORE UPDATE ON audit_logs
BEGIN SELECT RAISE(ABORT, 'audit logs are immutable'); END;
CREATE TRIGGER IF NOT EXISTS audit_logs_no_delete BEFORE DELETE ON audit_logs
BEGIN SELECT RAISE(ABORT, 'audit logs are immutable'); END;

CREATE TABLE IF NOT EXISTS filter_audit_events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    screen TEXT NOT NULL,
    filter_payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    prev_hash TEXT,
    hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_filter_audit_created_at ON filter_audit_events(created_at);

CREATE TABLE IF NOT EXISTS evidence_chain (
    id TEXT PRIMARY KEY,
    violation_id TEXT NOT NULL,
    event_type TEXT NOT NULL CHECK (
        event_type IN ('FILTER_APPLIED','VIOLATION_DETECTED','SOP_INVOKED','ENFORCEMENT_EXECUTED','EXPORT_GENERATED')
    ),
    source_id TEXT NOT NULL,
    prev_hash TEXT,
    hash TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_chain_violation ON evidence_chain(violation_id, created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    stream_name TEXT NOT NULL,
    last_event_id TEXT NOT NULL,
    last_event_hash TEXT NOT NULL,
    snapshot_hash TEXT NOT NULL,
    snapshot_version INTEGER NOT NULL,
    committed_at TIMESTAMP NOT NULL,
    is_recovery BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_stream ON checkpoints(stream_name, committed_at);

CREATE TABLE IF NOT EXISTS sops (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    immutable_hash TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS sop_rules (
    rule_code TEXT PRIMARY KEY,
    sop_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS enforcement_actions (
    id TEXT PRIMARY KEY,
    sop_id TEXT NOT NULL,
    action_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS enforcement_events (
    id TEXT PRIMARY KEY,
    violation_id TEXT NOT NULL,
    sop_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    executed_at TIMESTAMP NOT NULL,
    executed_by TEXT NOT NULL,
    outcome TEXT NOT NULL
);
`

// Package domain defines the ProcGuard core model: batch lifecycle states and
// events, actor roles, rule codes, and the immutable record shapes persisted
// by the ledger store.
//
// Every enumeration here is closed. Strings arriving at the boundary must be
// parsed into the enum or rejected; nothing downstream operates on raw
// strings.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// State is a batch lifecycle state.
type State string

const (
	StateCreated          State = "CREATED"
	StateInProgress       State = "IN_PROGRESS"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateApproved         State = "APPROVED"
	StateCompleted        State = "COMPLETED"
	StateViolated         State = "VIOLATED"
	StateRejected         State = "REJECTED"
)

// Event is a commanded transition attempt on a batch.
type Event string

const (
	EventStartBatch      Event = "start_batch"
	EventRequestApproval Event = "request_approval"
	EventApproveStep     Event = "approve_step"
	EventProgressStep    Event = "progress_step"
	EventRejectBatch     Event = "reject_batch"
)

// Role is an actor role. The set is closed; unknown role strings fail with
// INVALID_ROLE before any state is inspected.
type Role string

const (
	RoleOperator   Role = "OPERATOR"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAuditor    Role = "AUDITOR"
)

// ParseState validates a state string against the closed set.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateCreated, StateInProgress, StateAwaitingApproval, StateApproved,
		StateCompleted, StateViolated, StateRejected:
		return State(s), nil
	}
	return "", NewError(CodeInvalidEvent, "unknown state %q", s)
}

// ParseEvent validates an event string against the closed set.
func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventStartBatch, EventRequestApproval, EventApproveStep,
		EventProgressStep, EventRejectBatch:
		return Event(s), nil
	}
	return "", NewError(CodeInvalidEvent, "unknown event %q", s)
}

// ParseRole validates a role string against the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOperator, RoleSupervisor, RoleAuditor:
		return Role(s), nil
	}
	return "", NewError(CodeInvalidRole, "unknown role %q", s)
}

// Step is one unit of work within a procedure version.
type Step struct {
	StepID           string `json:"step_id"`
	Order            int    `json:"order"`
	Name             string `json:"name"`
	RequiresApproval bool   `json:"requires_approval"`
	ApproverRole     Role   `json:"approver_role,omitempty"`
}

// Procedure is immutable law: a published, versioned, ordered set of steps.
// Once published no mutation or deletion is possible.
type Procedure struct {
	ProcedureID uuid.UUID `json:"procedure_id"`
	Version     int       `json:"version"`
	Steps       []Step    `json:"steps"`
	PublishedAt time.Time `json:"published_at"`
}

// Batch is the single source of truth for one execution of a procedure.
// It pins (ProcedureID, ProcedureVersion) at creation.
type Batch struct {
	BatchID          uuid.UUID `json:"batch_id"`
	ProcedureID      uuid.UUID `json:"procedure_id"`
	ProcedureVersion int       `json:"procedure_version"`
	CurrentState     State     `json:"current_state"`
	CreatedAt        time.Time `json:"created_at"`
}

// BatchEvent is an append-only record of an accepted transition.
type BatchEvent struct {
	EventID    uuid.UUID              `json:"event_id"`
	BatchID    uuid.UUID              `json:"batch_id"`
	EventType  Event                  `json:"event_type"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// ViolationStatus is the only mutable facet of a violation, and only in the
// direction OPEN → RESOLVED through an explicit, audited resolution.
type ViolationStatus string

const (
	ViolationOpen     ViolationStatus = "OPEN"
	ViolationResolved ViolationStatus = "RESOLVED"
)

// Violation is the irreversible record of a denied transition.
type Violation struct {
	ViolationID            uuid.UUID              `json:"violation_id"`
	BatchID                uuid.UUID              `json:"batch_id"`
	RuleCode               RuleCode               `json:"rule_code"`
	SOPID                  *uuid.UUID             `json:"sop_id,omitempty"`
	DetectedAt             time.Time              `json:"detected_at"`
	Status                 ViolationStatus        `json:"status"`
	ViolationHash          string                 `json:"violation_hash"`
	PolicyDecisionHash     string                 `json:"opa_decision_hash"`
	TriggeringFilterEvent  *uuid.UUID             `json:"triggering_filter_event_id,omitempty"`
	Payload                map[string]interface{} `json:"payload"`
}

// Decision is a policy evaluation outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PolicyDecision is the immutable root-of-trust record for a deny/allow
// outcome, with canonical input and result hashes.
type PolicyDecision struct {
	DecisionID    uuid.UUID              `json:"decision_id"`
	Timestamp     time.Time              `json:"timestamp"`
	PolicyPackage string                 `json:"policy_package"`
	Rule          RuleCode               `json:"rule"`
	Decision      Decision               `json:"decision"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id"`
	InputHash     string                 `json:"input_hash"`
	ResultHash    string                 `json:"result_hash"`
	DecisionHash  string                 `json:"decision_hash"`
	Payload       map[string]interface{} `json:"payload"`
}

// AuditResult distinguishes accepted from rejected actions.
type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFailure AuditResult = "FAILURE"
)

// AuditLog is the courtroom-safe per-action record. Exactly one row is
// written per action that reaches the ledger path.
type AuditLog struct {
	AuditID           uuid.UUID              `json:"audit_id"`
	BatchID           *uuid.UUID             `json:"batch_id,omitempty"`
	ExpectedState     State                  `json:"expected_state"`
	ActualState       State                  `json:"actual_state"`
	Action            Event                  `json:"action"`
	Result            AuditResult            `json:"result"`
	Actor             string                 `json:"actor"`
	ActorRole         Role                   `json:"actor_role"`
	Timestamp         time.Time              `json:"timestamp"`
	ViolationID       *uuid.UUID             `json:"violation_id,omitempty"`
	AuditHash         string                 `json:"audit_hash"`
	ViolationHashLink string                 `json:"violation_hash_link,omitempty"`
	Payload           map[string]interface{} `json:"payload"`
}

// FilterAuditEvent is one link in the tamper-evident whole-ledger chain of
// query/filter actions against the audit surface.
type FilterAuditEvent struct {
	ID            uuid.UUID              `json:"id"`
	UserID        string                 `json:"user_id"`
	Screen        string                 `json:"screen"`
	FilterPayload map[string]interface{} `json:"filter_payload"`
	CreatedAt     time.Time              `json:"created_at"`
	PrevHash      string                 `json:"prev_hash,omitempty"`
	Hash          string                 `json:"hash"`
}

// EvidenceEventType categorizes evidence chain nodes.
type EvidenceEventType string

const (
	EvidenceFilterApplied       EvidenceEventType = "FILTER_APPLIED"
	EvidenceViolationDetected   EvidenceEventType = "VIOLATION_DETECTED"
	EvidenceSOPInvoked          EvidenceEventType = "SOP_INVOKED"
	EvidenceEnforcementExecuted EvidenceEventType = "ENFORCEMENT_EXECUTED"
	EvidenceExportGenerated     EvidenceEventType = "EXPORT_GENERATED"
)

// EvidenceChainNode is one link in a per-violation append-only chain.
type EvidenceChainNode struct {
	ID          uuid.UUID         `json:"id"`
	ViolationID uuid.UUID         `json:"violation_id"`
	EventType   EvidenceEventType `json:"event_type"`
	SourceID    uuid.UUID         `json:"source_id"`
	PrevHash    string            `json:"prev_hash,omitempty"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Checkpoint binds a named stream to its last verified event and snapshot.
type Checkpoint struct {
	ID              uuid.UUID `json:"id"`
	StreamName      string    `json:"stream_name"`
	LastEventID     uuid.UUID `json:"last_event_id"`
	LastEventHash   string    `json:"last_event_hash"`
	SnapshotHash    string    `json:"snapshot_hash"`
	SnapshotVersion int       `json:"snapshot_version"`
	CommittedAt     time.Time `json:"committed_at"`
	IsRecovery      bool      `json:"is_recovery"`
}

// SOP is a standard operating procedure referenced by violations.
type SOP struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Version       int       `json:"version"`
	ImmutableHash string    `json:"immutable_hash"`
	IsActive      bool      `json:"is_active"`
}

// EnforcementAction is a configured response bound to an SOP.
type EnforcementAction struct {
	ID         uuid.UUID `json:"id"`
	SOPID      uuid.UUID `json:"sop_id"`
	ActionType string    `json:"action_type"`
}

// EnforcementEvent records one executed enforcement action.
type EnforcementEvent struct {
	ID          uuid.UUID `json:"id"`
	ViolationID uuid.UUID `json:"violation_id"`
	SOPID       uuid.UUID `json:"sop_id"`
	ActionType  string    `json:"action_type"`
	ExecutedAt  time.Time `json:"executed_at"`
	ExecutedBy  string    `json:"executed_by"`
	Outcome     string    `json:"outcome"`
}

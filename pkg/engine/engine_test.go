package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/identity"
	"github.com/procguard-labs/procguard/pkg/observability"
)

// fakeStore is the in-memory ledger backing fakeTx. Writes land immediately;
// commits and rollbacks are counted so tests can assert the protocol shape.
type fakeStore struct {
	batches    map[uuid.UUID]*domain.Batch
	procedures map[uuid.UUID]map[int]*domain.Procedure
	events     []domain.BatchEvent
	violations []domain.Violation
	decisions  []domain.PolicyDecision
	audits     []domain.AuditLog
	nodes      []domain.EvidenceChainNode
	enforced   []domain.EnforcementEvent

	sops        map[domain.RuleCode]*domain.SOP
	sopActions  map[uuid.UUID][]domain.EnforcementAction
	filterTails map[string]*domain.FilterAuditEvent

	commits   int
	rollbacks int

	failAppendWithDuplicate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:     map[uuid.UUID]*domain.Batch{},
		procedures:  map[uuid.UUID]map[int]*domain.Procedure{},
		sops:        map[domain.RuleCode]*domain.SOP{},
		sopActions:  map[uuid.UUID][]domain.EnforcementAction{},
		filterTails: map[string]*domain.FilterAuditEvent{},
	}
}

func (s *fakeStore) begin(context.Context) (Tx, error) {
	return &fakeTx{s: s}, nil
}

type fakeTx struct {
	s         *fakeStore
	finished  bool
}

func (t *fakeTx) Commit() error {
	t.s.commits++
	t.finished = true
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.finished {
		t.s.rollbacks++
		t.finished = true
	}
	return nil
}

func (t *fakeTx) LoadBatchForUpdate(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	b, ok := t.s.batches[id]
	if !ok {
		return nil, domain.NewError(domain.CodeBatchNotFound, "batch %s not found", id)
	}
	cp := *b
	return &cp, nil
}

func (t *fakeTx) FetchProcedure(_ context.Context, id uuid.UUID, version int) (*domain.Procedure, error) {
	if p, ok := t.s.procedures[id][version]; ok {
		return p, nil
	}
	return nil, domain.NewError(domain.CodeProcedureNotFound, "procedure %s v%d not found", id, version)
}

func (t *fakeTx) FindExistingApproval(_ context.Context, batchID uuid.UUID, stepID string) (bool, error) {
	return t.s.hasEvent(batchID, domain.EventApproveStep, stepID), nil
}

func (t *fakeTx) StepAlreadyProgressed(_ context.Context, batchID uuid.UUID, stepID string) (bool, error) {
	return t.s.hasEvent(batchID, domain.EventProgressStep, stepID), nil
}

func (s *fakeStore) hasEvent(batchID uuid.UUID, eventType domain.Event, stepID string) bool {
	for _, ev := range s.events {
		if ev.BatchID == batchID && ev.EventType == eventType && ev.Payload["step_id"] == stepID {
			return true
		}
	}
	return false
}

func (t *fakeTx) UpdateBatchState(_ context.Context, id uuid.UUID, to domain.State) error {
	b, ok := t.s.batches[id]
	if !ok {
		return domain.NewError(domain.CodeBatchNotFound, "batch %s not found", id)
	}
	b.CurrentState = to
	return nil
}

func (t *fakeTx) AppendEvent(_ context.Context, ev *domain.BatchEvent) error {
	if t.s.failAppendWithDuplicate && ev.EventType == domain.EventApproveStep {
		t.s.failAppendWithDuplicate = false
		return domain.NewError(domain.CodeDuplicateApproval, "approval already recorded for this step")
	}
	t.s.events = append(t.s.events, *ev)
	return nil
}

func (t *fakeTx) InsertViolation(_ context.Context, v *domain.Violation) error {
	t.s.violations = append(t.s.violations, *v)
	return nil
}

func (t *fakeTx) InsertPolicyDecision(_ context.Context, d *domain.PolicyDecision) error {
	t.s.decisions = append(t.s.decisions, *d)
	return nil
}

func (t *fakeTx) InsertAudit(_ context.Context, a *domain.AuditLog) error {
	t.s.audits = append(t.s.audits, *a)
	return nil
}

func (t *fakeTx) CreateBatch(_ context.Context, b *domain.Batch) error {
	cp := *b
	t.s.batches[b.BatchID] = &cp
	return nil
}

func (t *fakeTx) InsertProcedure(_ context.Context, p *domain.Procedure) error {
	if t.s.procedures[p.ProcedureID] == nil {
		t.s.procedures[p.ProcedureID] = map[int]*domain.Procedure{}
	}
	t.s.procedures[p.ProcedureID][p.Version] = p
	return nil
}

func (t *fakeTx) ResolveViolation(_ context.Context, id uuid.UUID) error {
	for i := range t.s.violations {
		v := &t.s.violations[i]
		if v.ViolationID == id && v.Status == domain.ViolationOpen {
			v.Status = domain.ViolationResolved
			return nil
		}
	}
	return domain.NewError(domain.CodeBatchNotFound, "open violation %s not found", id)
}

func (t *fakeTx) ResolveSOP(_ context.Context, rule domain.RuleCode) (*domain.SOP, error) {
	return t.s.sops[rule], nil
}

func (t *fakeTx) EnforcementActions(_ context.Context, sopID uuid.UUID) ([]domain.EnforcementAction, error) {
	return t.s.sopActions[sopID], nil
}

func (t *fakeTx) InsertEnforcementEvent(_ context.Context, e *domain.EnforcementEvent) error {
	t.s.enforced = append(t.s.enforced, *e)
	return nil
}

func (t *fakeTx) LatestFilterEventForUser(_ context.Context, userID string) (*domain.FilterAuditEvent, error) {
	return t.s.filterTails[userID], nil
}

func (t *fakeTx) LatestEvidenceNode(_ context.Context, violationID uuid.UUID) (*domain.EvidenceChainNode, error) {
	for i := len(t.s.nodes) - 1; i >= 0; i-- {
		if t.s.nodes[i].ViolationID == violationID {
			n := t.s.nodes[i]
			return &n, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) InsertEvidenceNode(_ context.Context, n *domain.EvidenceChainNode) error {
	t.s.nodes = append(t.s.nodes, *n)
	return nil
}

// Fixtures.

var (
	operator   = identity.Actor{ID: "op-1", Role: domain.RoleOperator}
	supervisor = identity.Actor{ID: "sup-1", Role: domain.RoleSupervisor}
	auditor    = identity.Actor{ID: "aud-1", Role: domain.RoleAuditor}
)

func seedProcedure(s *fakeStore, requiresApproval bool) *domain.Procedure {
	p := &domain.Procedure{
		ProcedureID: uuid.New(),
		Version:     1,
		Steps: []domain.Step{
			{StepID: "S1", Order: 1, Name: "Weigh", RequiresApproval: requiresApproval, ApproverRole: domain.RoleSupervisor},
			{StepID: "S2", Order: 2, Name: "Blend"},
		},
		PublishedAt: time.Now().UTC(),
	}
	s.procedures[p.ProcedureID] = map[int]*domain.Procedure{1: p}
	return p
}

func seedBatch(s *fakeStore, p *domain.Procedure, state domain.State) *domain.Batch {
	b := &domain.Batch{
		BatchID:          uuid.New(),
		ProcedureID:      p.ProcedureID,
		ProcedureVersion: p.Version,
		CurrentState:     state,
		CreatedAt:        time.Now().UTC(),
	}
	s.batches[b.BatchID] = b
	return b
}

func newEngine(s *fakeStore) *Engine {
	return New(s.begin, nil, nil)
}

func TestExecute_HappyPath(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateCreated)
	e := newEngine(s)
	ctx := context.Background()

	steps := []struct {
		actor identity.Actor
		event domain.Event
		step  string
		want  domain.State
	}{
		{operator, domain.EventStartBatch, "", domain.StateInProgress},
		{operator, domain.EventRequestApproval, "S1", domain.StateAwaitingApproval},
		{supervisor, domain.EventApproveStep, "S1", domain.StateApproved},
		{operator, domain.EventProgressStep, "S1", domain.StateInProgress},
	}
	for _, st := range steps {
		res, err := e.Execute(ctx, Request{
			BatchID: b.BatchID, Event: st.event, Actor: st.actor, StepID: st.step,
		})
		require.NoError(t, err, "event %s", st.event)
		assert.Equal(t, st.want, res.Batch.CurrentState)
	}

	assert.Equal(t, domain.StateInProgress, s.batches[b.BatchID].CurrentState)
	assert.Len(t, s.events, 4)
	assert.Len(t, s.audits, 4)
	for _, a := range s.audits {
		assert.Equal(t, domain.AuditSuccess, a.Result)
		assert.Len(t, a.AuditHash, 64)
	}
	assert.Empty(t, s.violations)
	assert.Empty(t, s.decisions)
	assert.Equal(t, 4, s.commits)
}

func TestExecute_ProgressWithoutApproval(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateInProgress)
	e := newEngine(s)

	_, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventProgressStep, Actor: operator, StepID: "S1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeProgressWithoutApproval, domain.CodeOf(err))

	assert.Equal(t, domain.StateViolated, s.batches[b.BatchID].CurrentState)
	require.Len(t, s.violations, 1)
	v := s.violations[0]
	assert.Equal(t, domain.RuleProgressWithoutApproval, v.RuleCode)
	assert.Equal(t, domain.ViolationOpen, v.Status)

	require.Len(t, s.decisions, 1)
	assert.Equal(t, domain.DecisionDeny, s.decisions[0].Decision)
	assert.Equal(t, s.decisions[0].DecisionHash, v.PolicyDecisionHash)

	require.Len(t, s.audits, 1)
	a := s.audits[0]
	assert.Equal(t, domain.AuditFailure, a.Result)
	assert.Equal(t, v.ViolationHash, a.ViolationHashLink)
	require.NotNil(t, a.ViolationID)
	assert.Equal(t, v.ViolationID, *a.ViolationID)

	// The violation hash commits to the recorded payload.
	computed, err := canonicalize.CanonicalHash(v.Payload)
	require.NoError(t, err)
	assert.Equal(t, computed, v.ViolationHash)

	assert.Empty(t, s.events)
	assert.Equal(t, 1, s.commits)
}

func TestExecute_TerminalStateStaysPut(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, false)
	b := seedBatch(s, p, domain.StateCompleted)
	e := newEngine(s)

	_, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventStartBatch, Actor: operator,
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeTerminalStateMutation, domain.CodeOf(err))

	// The violation is recorded against the existing terminal state.
	assert.Equal(t, domain.StateCompleted, s.batches[b.BatchID].CurrentState)
	require.Len(t, s.violations, 1)
	assert.Equal(t, domain.RuleTerminalStateMutation, s.violations[0].RuleCode)
	require.Len(t, s.audits, 1)
	assert.Equal(t, domain.AuditFailure, s.audits[0].Result)
	assert.Equal(t, domain.StateCompleted, s.audits[0].ActualState)
}

func TestExecute_DuplicateApproval(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateAwaitingApproval)
	e := newEngine(s)
	ctx := context.Background()

	_, err := e.Execute(ctx, Request{
		BatchID: b.BatchID, Event: domain.EventApproveStep, Actor: supervisor, StepID: "S1",
	})
	require.NoError(t, err)

	// The FSM moved to APPROVED, so the second attempt fails the transition
	// check before the duplicate predicate. Rewind the state to isolate the
	// duplicate rule.
	s.batches[b.BatchID].CurrentState = domain.StateAwaitingApproval

	_, err = e.Execute(ctx, Request{
		BatchID: b.BatchID, Event: domain.EventApproveStep, Actor: supervisor, StepID: "S1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicateApproval, domain.CodeOf(err))
	require.Len(t, s.violations, 1)
	assert.Equal(t, domain.RuleDuplicateApproval, s.violations[0].RuleCode)
}

func TestExecute_DuplicateApprovalRaceAtUniqueIndex(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateAwaitingApproval)
	s.failAppendWithDuplicate = true
	e := newEngine(s)

	_, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventApproveStep, Actor: supervisor, StepID: "S1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicateApproval, domain.CodeOf(err))

	// The losing transaction rolled back; a fresh one committed the denial.
	require.Len(t, s.violations, 1)
	assert.Equal(t, domain.RuleDuplicateApproval, s.violations[0].RuleCode)
	require.Len(t, s.audits, 1)
	assert.Equal(t, domain.AuditFailure, s.audits[0].Result)
	assert.Empty(t, s.events)
	assert.Equal(t, 1, s.commits)
	assert.GreaterOrEqual(t, s.rollbacks, 1)
}

func TestExecute_ProcedureVersionMismatch(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, false)
	b := seedBatch(s, p, domain.StateCreated)
	e := newEngine(s)

	v2 := 2
	_, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventStartBatch, Actor: operator, ProcedureVersion: &v2,
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeProcedureVersionMismatch, domain.CodeOf(err))
	require.Len(t, s.violations, 1)
	require.Len(t, s.audits, 1)
	assert.Equal(t, domain.AuditFailure, s.audits[0].Result)
}

func TestExecute_AuthorizationFailureWritesNothing(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, false)
	b := seedBatch(s, p, domain.StateCreated)
	e := newEngine(s)
	ctx := context.Background()

	// Auditors are read-only.
	_, err := e.Execute(ctx, Request{BatchID: b.BatchID, Event: domain.EventStartBatch, Actor: auditor})
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))

	// Operators cannot approve; the matrix rejects before the ledger.
	_, err = e.Execute(ctx, Request{BatchID: b.BatchID, Event: domain.EventApproveStep, Actor: operator, StepID: "S1"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))

	assert.Empty(t, s.audits)
	assert.Empty(t, s.violations)
	assert.Empty(t, s.decisions)
	assert.Equal(t, 0, s.commits)
}

func TestExecute_ApprovalAfterProgress(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateAwaitingApproval)
	s.events = append(s.events, domain.BatchEvent{
		EventID: uuid.New(), BatchID: b.BatchID, EventType: domain.EventProgressStep,
		Payload: map[string]interface{}{"step_id": "S1"}, OccurredAt: time.Now().UTC(),
	})
	e := newEngine(s)

	_, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventApproveStep, Actor: supervisor, StepID: "S1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeApprovalAfterProgress, domain.CodeOf(err))
}

func TestExecute_DenialRunsEnforcementChain(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateInProgress)

	sopID := uuid.New()
	s.sops[domain.RuleProgressWithoutApproval] = &domain.SOP{
		ID: sopID, Name: "Deviation handling", Version: 1, IsActive: true,
	}
	s.sopActions[sopID] = []domain.EnforcementAction{
		{ID: uuid.New(), SOPID: sopID, ActionType: "halt_line"},
	}
	e := newEngine(s)

	_, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventProgressStep, Actor: operator, StepID: "S1",
	})
	require.Error(t, err)

	require.Len(t, s.violations, 1)
	require.NotNil(t, s.violations[0].SOPID)
	assert.Equal(t, sopID, *s.violations[0].SOPID)

	require.Len(t, s.enforced, 1)
	assert.Equal(t, "halt_line", s.enforced[0].ActionType)

	// VIOLATION_DETECTED, SOP_INVOKED, ENFORCEMENT_EXECUTED.
	require.Len(t, s.nodes, 3)
	assert.Equal(t, domain.EvidenceViolationDetected, s.nodes[0].EventType)
	assert.Equal(t, domain.EvidenceSOPInvoked, s.nodes[1].EventType)
	assert.Equal(t, domain.EvidenceEnforcementExecuted, s.nodes[2].EventType)
}

func TestExecute_BatchNotFound(t *testing.T) {
	s := newFakeStore()
	e := newEngine(s)

	_, err := e.Execute(context.Background(), Request{
		BatchID: uuid.New(), Event: domain.EventStartBatch, Actor: operator,
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeBatchNotFound, domain.CodeOf(err))
}

func TestExecute_RejectBatch(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, false)
	b := seedBatch(s, p, domain.StateInProgress)
	e := newEngine(s)

	res, err := e.Execute(context.Background(), Request{
		BatchID: b.BatchID, Event: domain.EventRejectBatch, Actor: supervisor,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, res.Batch.CurrentState)
}

func TestCreateBatch(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, false)
	e := newEngine(s)
	ctx := context.Background()

	b, err := e.CreateBatch(ctx, operator, p.ProcedureID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, b.CurrentState)
	assert.Equal(t, 1, b.ProcedureVersion)

	_, err = e.CreateBatch(ctx, operator, p.ProcedureID, 9)
	require.Error(t, err)
	assert.Equal(t, domain.CodeProcedureNotFound, domain.CodeOf(err))

	_, err = e.CreateBatch(ctx, auditor, p.ProcedureID, 1)
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
}

func TestPublishProcedure(t *testing.T) {
	s := newFakeStore()
	e := newEngine(s)
	ctx := context.Background()

	raw := []byte(`{
	  "procedure_id": "0d1f6a34-7a8e-4c2b-a1f3-6f0f8d1e9b21",
	  "version": 1,
	  "steps": [{"step_id": "S1", "order": 1, "name": "Weigh", "requires_approval": true, "approver_role": "SUPERVISOR"}]
	}`)

	p, err := e.PublishProcedure(ctx, supervisor, raw)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.False(t, p.PublishedAt.IsZero())

	_, err = e.PublishProcedure(ctx, operator, raw)
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))

	_, err = e.PublishProcedure(ctx, supervisor, []byte(`{"version": 0}`))
	require.Error(t, err)
}

func TestResolveViolation(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, true)
	b := seedBatch(s, p, domain.StateInProgress)
	e := newEngine(s)
	ctx := context.Background()

	_, err := e.Execute(ctx, Request{
		BatchID: b.BatchID, Event: domain.EventProgressStep, Actor: operator, StepID: "S1",
	})
	require.Error(t, err)
	require.Len(t, s.violations, 1)
	vioID := s.violations[0].ViolationID

	err = e.ResolveViolation(ctx, operator, vioID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))

	require.NoError(t, e.ResolveViolation(ctx, supervisor, vioID))
	assert.Equal(t, domain.ViolationResolved, s.violations[0].Status)

	// Resolution is audited.
	last := s.audits[len(s.audits)-1]
	assert.Equal(t, auditActionResolveViolation, last.Action)
	assert.Equal(t, domain.AuditSuccess, last.Result)
	require.NotNil(t, last.ViolationID)
	assert.Equal(t, vioID, *last.ViolationID)

	// Already resolved.
	err = e.ResolveViolation(ctx, supervisor, vioID)
	require.Error(t, err)
}

func TestExecute_Instrumented(t *testing.T) {
	s := newFakeStore()
	p := seedProcedure(s, false)
	b := seedBatch(s, p, domain.StateCreated)
	ctx := context.Background()

	// A disabled provider is a functional no-op; the instrumented path must
	// behave exactly like the bare one for acceptance and denial alike.
	obs, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	e := newEngine(s)
	e.Instrument(obs)

	res, err := e.Execute(ctx, Request{
		BatchID: b.BatchID, Event: domain.EventStartBatch, Actor: operator,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, res.Batch.CurrentState)

	_, err = e.Execute(ctx, Request{
		BatchID: b.BatchID, Event: domain.EventApproveStep, Actor: supervisor, StepID: "S1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidFSMTransition, domain.CodeOf(err))
	require.Len(t, s.violations, 1)
}

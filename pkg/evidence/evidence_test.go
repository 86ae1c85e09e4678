package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procguard-labs/procguard/pkg/canonicalize"
	"github.com/procguard-labs/procguard/pkg/domain"
	"github.com/procguard-labs/procguard/pkg/policy"
)

// memReader is an in-memory Reader and StoredReader.
type memReader struct {
	violations   map[uuid.UUID]*domain.Violation
	decisions    map[string]*domain.PolicyDecision
	sops         map[uuid.UUID]*domain.SOP
	audits       map[uuid.UUID]*domain.AuditLog
	checkpoints  []*domain.Checkpoint
	nodes        map[uuid.UUID][]domain.EvidenceChainNode
	enforcements map[uuid.UUID]*domain.EnforcementEvent
	filters      map[uuid.UUID]*domain.FilterAuditEvent
}

func newMemReader() *memReader {
	return &memReader{
		violations:   map[uuid.UUID]*domain.Violation{},
		decisions:    map[string]*domain.PolicyDecision{},
		sops:         map[uuid.UUID]*domain.SOP{},
		audits:       map[uuid.UUID]*domain.AuditLog{},
		nodes:        map[uuid.UUID][]domain.EvidenceChainNode{},
		enforcements: map[uuid.UUID]*domain.EnforcementEvent{},
		filters:      map[uuid.UUID]*domain.FilterAuditEvent{},
	}
}

func (m *memReader) GetViolation(_ context.Context, id uuid.UUID) (*domain.Violation, error) {
	v, ok := m.violations[id]
	if !ok {
		return nil, domain.NewError(domain.CodeBatchNotFound, "violation %s not found", id)
	}
	return v, nil
}

func (m *memReader) PolicyDecisionByHash(_ context.Context, hash string) (*domain.PolicyDecision, error) {
	return m.decisions[hash], nil
}

func (m *memReader) SOPByID(_ context.Context, id uuid.UUID) (*domain.SOP, error) {
	return m.sops[id], nil
}

func (m *memReader) AuditForViolation(_ context.Context, id uuid.UUID) (*domain.AuditLog, error) {
	return m.audits[id], nil
}

func (m *memReader) LatestCheckpoint(_ context.Context, stream string, includeRecovery bool) (*domain.Checkpoint, error) {
	for i := len(m.checkpoints) - 1; i >= 0; i-- {
		c := m.checkpoints[i]
		if c.StreamName == stream && (includeRecovery || !c.IsRecovery) {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memReader) EvidenceNodes(_ context.Context, id uuid.UUID) ([]domain.EvidenceChainNode, error) {
	return m.nodes[id], nil
}

func (m *memReader) LatestEvidenceNode(_ context.Context, id uuid.UUID) (*domain.EvidenceChainNode, error) {
	chain := m.nodes[id]
	if len(chain) == 0 {
		return nil, nil
	}
	tail := chain[len(chain)-1]
	return &tail, nil
}

func (m *memReader) InsertEvidenceNode(_ context.Context, n *domain.EvidenceChainNode) error {
	m.nodes[n.ViolationID] = append(m.nodes[n.ViolationID], *n)
	return nil
}

func (m *memReader) EnforcementEventByID(_ context.Context, id uuid.UUID) (*domain.EnforcementEvent, error) {
	return m.enforcements[id], nil
}

func (m *memReader) FilterEventByID(_ context.Context, id uuid.UUID) (*domain.FilterAuditEvent, error) {
	return m.filters[id], nil
}

func mustHash(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	h, err := canonicalize.CanonicalHash(payload)
	require.NoError(t, err)
	return h
}

// seedViolation stores a violation with a consistent violation_hash plus the
// linked decision, sop, and audit rows.
func seedViolation(t *testing.T, m *memReader) *domain.Violation {
	t.Helper()

	sopID := uuid.New()
	m.sops[sopID] = &domain.SOP{
		ID: sopID, Name: "Deviation handling", Version: 2,
		ImmutableHash: canonicalize.SHA256Hex("sop-2"), IsActive: true,
	}

	payload := map[string]interface{}{"event": "approve_step", "actor_role": "OPERATOR"}
	decision, err := policy.NewDecision(policy.PackageLifecycle, policy.Input{
		BatchID:      uuid.New().String(),
		Event:        domain.EventApproveStep,
		ActorID:      "op-7",
		ActorRole:    domain.RoleOperator,
		CurrentState: domain.StateAwaitingApproval,
		Rule:         domain.RuleUnauthorizedApproval,
	}, domain.DecisionDeny, time.Now())
	require.NoError(t, err)
	m.decisions[decision.DecisionHash] = decision

	v := &domain.Violation{
		ViolationID:        uuid.New(),
		BatchID:            uuid.New(),
		RuleCode:           domain.RuleUnauthorizedApproval,
		SOPID:              &sopID,
		DetectedAt:         time.Now().UTC(),
		Status:             domain.ViolationOpen,
		ViolationHash:      mustHash(t, payload),
		PolicyDecisionHash: decision.DecisionHash,
		Payload:            payload,
	}
	m.violations[v.ViolationID] = v

	auditPayload := map[string]interface{}{"action": "approve_step", "result": "FAILURE"}
	m.audits[v.ViolationID] = &domain.AuditLog{
		AuditID:   uuid.New(),
		Result:    domain.AuditFailure,
		AuditHash: mustHash(t, auditPayload),
		Payload:   auditPayload,
	}
	return v
}

func TestBuild_FullLevelWithAnchor(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)
	m.checkpoints = append(m.checkpoints, &domain.Checkpoint{
		ID: uuid.New(), StreamName: AnchorStream, CommittedAt: time.Now().UTC(),
	})

	chain, err := NewBuilder(m, nil).Build(context.Background(), v.ViolationID)
	require.NoError(t, err)

	require.Len(t, chain.Nodes, 4)
	assert.Equal(t, NodeViolation, chain.Nodes[0].Type)
	assert.Equal(t, NodePolicyDecision, chain.Nodes[1].Type)
	assert.Equal(t, NodeSOP, chain.Nodes[2].Type)
	assert.Equal(t, NodeAudit, chain.Nodes[3].Type)

	assert.Equal(t, LevelFull, chain.Level)
	assert.True(t, chain.Anchored)
	assert.False(t, chain.Compromised())
	assert.NoError(t, chain.Err())
	assert.Len(t, chain.ChainHash, 64)

	// Node hashes link in order.
	assert.Empty(t, chain.Nodes[0].ParentHash)
	for i := 1; i < len(chain.Nodes); i++ {
		assert.Equal(t, chain.Nodes[i-1].Hash, chain.Nodes[i].ParentHash)
	}
}

func TestBuild_PartialWithoutAnchor(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)

	chain, err := NewBuilder(m, nil).Build(context.Background(), v.ViolationID)
	require.NoError(t, err)
	assert.Equal(t, LevelPartial, chain.Level)
	assert.False(t, chain.Anchored)
	assert.False(t, chain.Compromised())
}

func TestBuild_RecoveryCheckpointIsNotAnAnchor(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)
	m.checkpoints = append(m.checkpoints, &domain.Checkpoint{
		ID: uuid.New(), StreamName: AnchorStream, IsRecovery: true,
	})

	chain, err := NewBuilder(m, nil).Build(context.Background(), v.ViolationID)
	require.NoError(t, err)
	assert.False(t, chain.Anchored)
	assert.Equal(t, LevelPartial, chain.Level)
}

func TestBuild_TamperedViolationPayload(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)
	m.checkpoints = append(m.checkpoints, &domain.Checkpoint{
		ID: uuid.New(), StreamName: AnchorStream,
	})
	v.Payload["actor_role"] = "SUPERVISOR"

	chain, err := NewBuilder(m, nil).Build(context.Background(), v.ViolationID)
	require.NoError(t, err)

	assert.False(t, chain.Nodes[0].Valid)
	assert.Equal(t, "violation_hash mismatch", chain.Nodes[0].Reason)
	assert.Equal(t, LevelPartial, chain.Level)
	assert.True(t, chain.Compromised())
	assert.Equal(t, domain.CodeForensicIntegrityCompromised, domain.CodeOf(chain.Err()))
}

func TestBuild_TamperedPolicyDecision(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)
	m.checkpoints = append(m.checkpoints, &domain.Checkpoint{
		ID: uuid.New(), StreamName: AnchorStream, CommittedAt: time.Now().UTC(),
	})

	// Rewrite the root-of-trust record in place; the row is still found by
	// its decision hash but no longer re-derives from its own columns.
	m.decisions[v.PolicyDecisionHash].InputHash = canonicalize.SHA256Hex("forged input")

	chain, err := NewBuilder(m, nil).Build(context.Background(), v.ViolationID)
	require.NoError(t, err)

	assert.False(t, chain.Nodes[1].Valid)
	assert.Equal(t, "decision hash does not re-derive", chain.Nodes[1].Reason)
	assert.NotEqual(t, LevelFull, chain.Level)
	assert.True(t, chain.Compromised())
	assert.Equal(t, domain.CodeForensicIntegrityCompromised, domain.CodeOf(chain.Err()))
}

func TestBuild_MissingDecisionAndNoAnchor(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)
	delete(m.decisions, v.PolicyDecisionHash)

	chain, err := NewBuilder(m, nil).Build(context.Background(), v.ViolationID)
	require.NoError(t, err)
	assert.Equal(t, LevelUnverified, chain.Level)
	assert.False(t, chain.Nodes[1].Valid)
	assert.Equal(t, "linked policy decision missing", chain.Nodes[1].Reason)
}

func TestAppendAndReverifyStored(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)

	_, err := AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceViolationDetected, v.ViolationID, ViolationPayload(v))
	require.NoError(t, err)

	sop := m.sops[*v.SOPID]
	_, err = AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceSOPInvoked, sop.ID, SOPPayload(sop))
	require.NoError(t, err)

	enf := &domain.EnforcementEvent{
		ID: uuid.New(), ViolationID: v.ViolationID, SOPID: sop.ID,
		ActionType: "halt_line", ExecutedAt: time.Now().UTC(),
		ExecutedBy: "system", Outcome: "executed",
	}
	m.enforcements[enf.ID] = enf
	_, err = AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceEnforcementExecuted, enf.ID, EnforcementPayload(enf))
	require.NoError(t, err)

	report, err := ReverifyStored(context.Background(), m, v.ViolationID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	require.Len(t, report.Links, 3)
	for _, link := range report.Links {
		assert.Equal(t, LinkValid, link.Status)
	}
}

func TestReverifyStored_TamperedSource(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)

	_, err := AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceViolationDetected, v.ViolationID, ViolationPayload(v))
	require.NoError(t, err)

	v.Payload["event"] = "progress_step"

	report, err := ReverifyStored(context.Background(), m, v.ViolationID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, LinkTampered, report.Links[0].Status)
	assert.Equal(t, "hash mismatch", report.Links[0].Reason)
}

func TestReverifyStored_MissingSource(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)
	sop := m.sops[*v.SOPID]

	_, err := AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceSOPInvoked, sop.ID, SOPPayload(sop))
	require.NoError(t, err)

	delete(m.sops, sop.ID)

	report, err := ReverifyStored(context.Background(), m, v.ViolationID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, LinkMissing, report.Links[0].Status)
}

func TestReverifyStored_ExportNodeLinkOnly(t *testing.T) {
	m := newMemReader()
	v := seedViolation(t, m)

	_, err := AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceViolationDetected, v.ViolationID, ViolationPayload(v))
	require.NoError(t, err)
	_, err = AppendNode(context.Background(), m, v.ViolationID,
		domain.EvidenceExportGenerated, uuid.New(), ExportPayload("auditor-1", "json", true))
	require.NoError(t, err)

	report, err := ReverifyStored(context.Background(), m, v.ViolationID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, LinkValid, report.Links[1].Status)
}

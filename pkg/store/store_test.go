package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procguard-labs/procguard/pkg/domain"
)

func newMockStore(t *testing.T, driver string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := Open(db, driver, nil)
	require.NoError(t, err)
	return s, mock
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = Open(db, "mysql", nil)
	require.Error(t, err)
}

func TestLoadBatchForUpdate_PostgresLocksRow(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	batchID := uuid.New()
	procID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(batchID.String()).
		WillReturnRows(sqlmock.NewRows(
			[]string{"batch_id", "procedure_id", "procedure_version", "current_state", "created_at"}).
			AddRow(batchID.String(), procID.String(), 3, "IN_PROGRESS", time.Now().UTC()))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	b, err := tx.LoadBatchForUpdate(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, batchID, b.BatchID)
	assert.Equal(t, 3, b.ProcedureVersion)
	assert.Equal(t, domain.StateInProgress, b.CurrentState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBatchForUpdate_SQLiteOmitsForUpdate(t *testing.T) {
	s, mock := newMockStore(t, "sqlite")
	batchID := uuid.New()
	procID := uuid.New()

	mock.ExpectBegin()
	// The expectation is anchored on the end of the statement: no FOR UPDATE.
	mock.ExpectQuery(`WHERE batch_id = \$1$`).
		WithArgs(batchID.String()).
		WillReturnRows(sqlmock.NewRows(
			[]string{"batch_id", "procedure_id", "procedure_version", "current_state", "created_at"}).
			AddRow(batchID.String(), procID.String(), 1, "CREATED", time.Now().UTC()))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.LoadBatchForUpdate(context.Background(), batchID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBatchForUpdate_MissingBatch(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	batchID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT batch_id").
		WithArgs(batchID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.LoadBatchForUpdate(context.Background(), batchID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeBatchNotFound, domain.CodeOf(err))
}

func TestAppendEvent_DuplicateApprovalRace(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batch_events").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_one_approval_per_step"})

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	ev := &domain.BatchEvent{
		EventID:    uuid.New(),
		BatchID:    uuid.New(),
		EventType:  domain.EventApproveStep,
		Payload:    map[string]interface{}{"step_id": "S1"},
		OccurredAt: time.Now().UTC(),
	}
	err = tx.AppendEvent(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicateApproval, domain.CodeOf(err))
}

func TestUpdateBatchState_MissingBatch(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	batchID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE batches SET current_state").
		WithArgs("VIOLATED", batchID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	err = tx.UpdateBatchState(context.Background(), batchID, domain.StateViolated)
	require.Error(t, err)
	assert.Equal(t, domain.CodeBatchNotFound, domain.CodeOf(err))
}

func TestResolveViolation_RequiresOpenStatus(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	vioID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE violations SET status").
		WithArgs("RESOLVED", vioID.String(), "OPEN").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.ResolveViolation(context.Background(), vioID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSOP_NoMappingIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectBegin()
	mock.ExpectQuery("FROM sop_rules").
		WithArgs("INVALID_FSM_TRANSITION").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "immutable_hash", "is_active"}))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	sop, err := tx.ResolveSOP(context.Background(), domain.RuleInvalidFSMTransition)
	require.NoError(t, err)
	assert.Nil(t, sop)
}

func TestLatestEvidenceNode_EmptyChain(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	vioID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM evidence_chain").
		WithArgs(vioID.String()).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "violation_id", "event_type", "source_id", "prev_hash", "hash", "created_at"}))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	node, err := tx.LatestEvidenceNode(context.Background(), vioID)
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestChainReads_OrderByInsertionSequence(t *testing.T) {
	// Hash chains replay in insertion order, not timestamp order; same-clock
	// appends must not reorder on a UUID tie-break.
	cols := []string{"id", "violation_id", "event_type", "source_id", "prev_hash", "hash", "created_at"}
	vioID := uuid.New()

	t.Run("postgres uses seq", func(t *testing.T) {
		s, mock := newMockStore(t, "postgres")
		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq")).
			WithArgs(vioID.String()).
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := s.EvidenceNodes(context.Background(), vioID)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sqlite uses rowid", func(t *testing.T) {
		s, mock := newMockStore(t, "sqlite")
		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY rowid")).
			WithArgs(vioID.String()).
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := s.EvidenceNodes(context.Background(), vioID)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tail query descends the same expression", func(t *testing.T) {
		s, mock := newMockStore(t, "postgres")
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq DESC LIMIT 1")).
			WithArgs(vioID.String()).
			WillReturnRows(sqlmock.NewRows(cols))

		tx, err := s.Begin(context.Background())
		require.NoError(t, err)
		node, err := tx.LatestEvidenceNode(context.Background(), vioID)
		require.NoError(t, err)
		assert.Nil(t, node)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLatestCheckpoint_ExcludesRecoveryByDefault(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectQuery(regexp.QuoteMeta("AND NOT is_recovery")).
		WithArgs("batch_events").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "stream_name", "last_event_id", "last_event_hash", "snapshot_hash",
				"snapshot_version", "committed_at", "is_recovery"}))

	c, err := s.LatestCheckpoint(context.Background(), "batch_events", false)
	require.NoError(t, err)
	assert.Nil(t, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: batch_events.payload")))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("connection refused")))
}

func TestMapOperational_Timeout(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := mapOperational(ctx, errors.New("driver: bad connection"))
	assert.Equal(t, domain.CodeTimeout, domain.CodeOf(err))

	err = mapOperational(context.Background(), errors.New("driver: bad connection"))
	assert.Equal(t, domain.CodeLedgerUnavailable, domain.CodeOf(err))
}

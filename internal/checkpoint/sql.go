package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/db"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

var schemas = map[string]string{
	db.DriverPostgres: `
CREATE TABLE IF NOT EXISTS research_checkpoints (
    session_id         TEXT        NOT NULL,
    sequence_no        BIGINT      NOT NULL,
    parent_sequence_no BIGINT      NOT NULL,
    state_blob         TEXT        NOT NULL,
    label              TEXT        NOT NULL DEFAULT '',
    status             TEXT        NOT NULL,
    written_at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, sequence_no)
);
CREATE INDEX IF NOT EXISTS idx_research_checkpoints_written_at ON research_checkpoints (written_at);`,
	db.DriverSQLite: `
CREATE TABLE IF NOT EXISTS research_checkpoints (
    session_id         TEXT      NOT NULL,
    sequence_no        INTEGER   NOT NULL,
    parent_sequence_no INTEGER   NOT NULL,
    state_blob         TEXT      NOT NULL,
    label              TEXT      NOT NULL DEFAULT '',
    status             TEXT      NOT NULL,
    written_at         TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, sequence_no)
);
CREATE INDEX IF NOT EXISTS idx_research_checkpoints_written_at ON research_checkpoints (written_at);`,
}

type checkpointRow struct {
	SessionID        string    `db:"session_id"`
	SequenceNo       int64     `db:"sequence_no"`
	ParentSequenceNo int64     `db:"parent_sequence_no"`
	StateBlob        string    `db:"state_blob"`
	Label            string    `db:"label"`
	Status           string    `db:"status"`
	WrittenAt        time.Time `db:"written_at"`
}

func (r checkpointRow) toCheckpoint() Checkpoint {
	return Checkpoint{
		SessionID:        r.SessionID,
		SequenceNo:       r.SequenceNo,
		ParentSequenceNo: r.ParentSequenceNo,
		StateBlob:        []byte(r.StateBlob),
		Label:            r.Label,
		Status:           r.Status,
		WrittenAt:        r.WrittenAt.UTC(),
	}
}

// SQLStore keeps the log in Postgres or SQLite.
type SQLStore struct {
	client *db.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore creates a store over client. Call Migrate before first use.
func NewSQLStore(client *db.Client, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{client: client, logger: logger, now: time.Now}
}

// Migrate creates the checkpoint table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema, ok := schemas[s.client.Driver()]
	if !ok {
		return fmt.Errorf("no checkpoint schema for driver %q", s.client.Driver())
	}
	if _, err := s.client.DB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate checkpoints: %w", err)
	}
	return nil
}

const selectColumns = `SELECT session_id, sequence_no, parent_sequence_no, state_blob, label, status, written_at FROM research_checkpoints`

func (s *SQLStore) ReadLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.client.DB().GetContext(ctx, &row,
		selectColumns+` WHERE session_id = ? ORDER BY sequence_no DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}
	cp := row.toCheckpoint()
	return &cp, nil
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, parentSeq int64, blob []byte, meta Meta) (*Checkpoint, error) {
	row := checkpointRow{
		SessionID:        sessionID,
		SequenceNo:       parentSeq + 1,
		ParentSequenceNo: parentSeq,
		StateBlob:        string(blob),
		Label:            meta.Label,
		Status:           meta.Status,
		WrittenAt:        s.now().UTC(),
	}

	var conflict *models.SequenceConflictError
	err := s.client.DB().WithTx(ctx, func(tx *sqlx.Tx) error {
		var latest int64
		if err := tx.GetContext(ctx, &latest, tx.Rebind(
			`SELECT COALESCE(MAX(sequence_no), 0) FROM research_checkpoints WHERE session_id = ?`), sessionID); err != nil {
			return err
		}
		if latest != parentSeq {
			// a stale parent is a caller problem, not a database failure
			conflict = &models.SequenceConflictError{SessionID: sessionID, Expected: parentSeq, Latest: latest}
			return nil
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO research_checkpoints
			(session_id, sequence_no, parent_sequence_no, state_blob, label, status, written_at)
			VALUES (:session_id, :sequence_no, :parent_sequence_no, :state_blob, :label, :status, :written_at)`, row)
		return err
	})
	if conflict != nil {
		return nil, conflict
	}
	if isUniqueViolation(err) {
		// another writer committed the same sequence between our read and insert
		s.logger.Warn("Checkpoint insert lost race",
			zap.String("session_id", sessionID),
			zap.Int64("parent_sequence_no", parentSeq),
		)
		return nil, &models.SequenceConflictError{SessionID: sessionID, Expected: parentSeq, Latest: parentSeq + 1}
	}
	if err != nil {
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}
	cp := row.toCheckpoint()
	return &cp, nil
}

func (s *SQLStore) ReadAll(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	var rows []checkpointRow
	if err := s.client.DB().SelectContext(ctx, &rows,
		selectColumns+` WHERE session_id = ? ORDER BY sequence_no ASC`, sessionID); err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCheckpoint())
	}
	return out, nil
}

func (s *SQLStore) ListStale(ctx context.Context, olderThan time.Time) ([]StaleSession, error) {
	var rows []StaleSession
	err := s.client.DB().SelectContext(ctx, &rows, `
		SELECT c.session_id, c.sequence_no, c.status, c.written_at
		FROM research_checkpoints c
		JOIN (SELECT session_id, MAX(sequence_no) AS seq FROM research_checkpoints GROUP BY session_id) m
		  ON c.session_id = m.session_id AND c.sequence_no = m.seq
		WHERE c.status NOT IN ('completed', 'failed', 'cancelled', 'paused')
		  AND c.written_at < ?
		ORDER BY c.written_at ASC`, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	for i := range rows {
		rows[i].WrittenAt = rows[i].WrittenAt.UTC()
	}
	return rows, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

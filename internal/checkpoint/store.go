// Package checkpoint is the append-only log of session snapshots. Recovery
// always resumes from the highest sequence number of a session.
package checkpoint

import (
	"context"
	"time"
)

// LabelIterationComplete marks the checkpoint written when an iteration's evaluation finishes.
const LabelIterationComplete = "iteration_complete"

// Checkpoint is an immutable snapshot of a session's full state.
type Checkpoint struct {
	SessionID        string    `json:"session_id"`
	SequenceNo       int64     `json:"sequence_no"`
	ParentSequenceNo int64     `json:"parent_sequence_no"`
	StateBlob        []byte    `json:"state_blob"`
	Label            string    `json:"label,omitempty"`
	Status           string    `json:"status"`
	WrittenAt        time.Time `json:"written_at"`
}

// Meta is stored next to the blob so the log can be queried without decoding it.
type Meta struct {
	Label  string
	Status string
}

// StaleSession is a non-terminal session whose latest checkpoint is old enough
// to be considered abandoned.
type StaleSession struct {
	SessionID  string    `db:"session_id" json:"session_id"`
	SequenceNo int64     `db:"sequence_no" json:"sequence_no"`
	Status     string    `db:"status" json:"status"`
	WrittenAt  time.Time `db:"written_at" json:"written_at"`
}

// Store persists checkpoints with optimistic concurrency.
type Store interface {
	// ReadLatest returns nil, nil when the session has no checkpoints.
	ReadLatest(ctx context.Context, sessionID string) (*Checkpoint, error)
	// Append writes sequence parentSeq+1, or fails with *models.SequenceConflictError
	// when the latest sequence is not parentSeq. The first checkpoint has parent 0.
	Append(ctx context.Context, sessionID string, parentSeq int64, blob []byte, meta Meta) (*Checkpoint, error)
	ReadAll(ctx context.Context, sessionID string) ([]Checkpoint, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]StaleSession, error)
}

// resumable statuses are the ones a sweeper may pick up.
func resumable(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "paused":
		return false
	}
	return true
}

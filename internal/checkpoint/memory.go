package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// MemoryStore keeps the log in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]Checkpoint
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]Checkpoint), now: time.Now}
}

func (s *MemoryStore) ReadLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionID]
	if len(log) == 0 {
		return nil, nil
	}
	cp := clone(log[len(log)-1])
	return &cp, nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, parentSeq int64, blob []byte, meta Meta) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sessionID]
	var latest int64
	if len(log) > 0 {
		latest = log[len(log)-1].SequenceNo
	}
	if latest != parentSeq {
		return nil, &models.SequenceConflictError{SessionID: sessionID, Expected: parentSeq, Latest: latest}
	}

	cp := Checkpoint{
		SessionID:        sessionID,
		SequenceNo:       parentSeq + 1,
		ParentSequenceNo: parentSeq,
		StateBlob:        append([]byte(nil), blob...),
		Label:            meta.Label,
		Status:           meta.Status,
		WrittenAt:        s.now().UTC(),
	}
	s.logs[sessionID] = append(log, cp)
	out := clone(cp)
	return &out, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionID]
	out := make([]Checkpoint, len(log))
	for i := range log {
		out[i] = clone(log[i])
	}
	return out, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, olderThan time.Time) ([]StaleSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StaleSession
	for id, log := range s.logs {
		if len(log) == 0 {
			continue
		}
		last := log[len(log)-1]
		if resumable(last.Status) && last.WrittenAt.Before(olderThan) {
			out = append(out, StaleSession{SessionID: id, SequenceNo: last.SequenceNo, Status: last.Status, WrittenAt: last.WrittenAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrittenAt.Before(out[j].WrittenAt) })
	return out, nil
}

func clone(cp Checkpoint) Checkpoint {
	cp.StateBlob = append([]byte(nil), cp.StateBlob...)
	return cp
}

// Package streaming fans session events out to subscribers and keeps a
// bounded per-session history for Last-Event-ID replay.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/metrics"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// Event types
const (
	TypeIterationComplete = "iteration_complete"
	TypeStatus            = "status"
)

// Event is published after every completed iteration and on status changes.
type Event struct {
	SessionID      string                       `json:"session_id"`
	Type           string                       `json:"type"`
	Iteration      int                          `json:"iteration"`
	Phase          models.Phase                 `json:"phase,omitempty"`
	Status         models.SessionStatus         `json:"status,omitempty"`
	NewFindings    []models.Finding             `json:"new_findings"`
	QualityMetrics []models.QualityMetricRecord `json:"quality_metrics"`
	StopDecision   *models.StopDecision         `json:"stop_decision,omitempty"`
	Reason         string                       `json:"reason,omitempty"`
	Timestamp      time.Time                    `json:"timestamp"`
	Seq            uint64                       `json:"seq"`
}

// Marshal returns JSON for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Mirror receives every published event, e.g. to share it across workers.
type Mirror interface {
	Append(ctx context.Context, evt Event) error
}

const defaultCapacity = 256

// Manager is an in-memory pub/sub keyed by session id.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	mirror      Mirror
	logger      *zap.Logger
}

// NewManager creates a Manager keeping capacity events per session.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// SetMirror installs a mirror for published events.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel; the caller must drain it and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[sessionID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	metrics.StreamSubscribers.Dec()
	if len(subs) == 0 {
		delete(m.subscribers, sessionID)
	}
}

// Publish assigns the next sequence number and sends evt to every
// subscriber without blocking. Slow subscribers lose the event.
func (m *Manager) Publish(sessionID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
	mirror := m.mirror
	m.mu.Unlock()

	if mirror != nil {
		if err := mirror.Append(context.Background(), evt); err != nil {
			m.logger.Warn("Failed to mirror event",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", evt.Seq),
				zap.Error(err))
		}
	}
	return evt
}

// ReplaySince returns retained events with Seq > since.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history of a finished session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

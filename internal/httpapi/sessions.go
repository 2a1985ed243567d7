package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/formatting"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/session"
)

const maxBodyBytes = 1 << 20

type createRequest struct {
	Query string `json:"query"`
	Owner string `json:"owner,omitempty"`
	// Config overrides fields of the engine defaults; durations are
	// nanoseconds.
	Config json.RawMessage `json:"config,omitempty"`
}

type createResponse struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
}

type resumeRequest struct {
	ExtraInput string `json:"extra_input,omitempty"`
}

// sessionView is the public shape of a session.
type sessionView struct {
	Session        models.ResearchSession  `json:"session"`
	Phase          models.Phase            `json:"phase"`
	PausedFrom     models.Phase            `json:"paused_from,omitempty"`
	Tasks          int                     `json:"tasks"`
	Findings       []models.Finding        `json:"findings"`
	Summary        string                  `json:"summary,omitempty"`
	Sources        int                     `json:"sources"`
	Saturation     models.SaturationState  `json:"saturation"`
	TargetTopics   []string                `json:"target_topics"`
	StopDecision   *models.StopDecision    `json:"stop_decision,omitempty"`
	Recommendation *session.Recommendation `json:"recommendation,omitempty"`
	SpentUSD       float64                 `json:"spent_usd"`
	Calls          int                     `json:"calls"`
	Errors         []models.ErrorRecord    `json:"errors,omitempty"`
	FailureReason  string                  `json:"failure_reason,omitempty"`
}

func viewOf(st *session.State) sessionView {
	return sessionView{
		Session:        st.Session,
		Phase:          st.Phase,
		PausedFrom:     st.PausedFrom,
		Tasks:          len(st.Tasks),
		Findings:       st.Findings,
		Summary:        st.Summary,
		Sources:        len(st.Sources),
		Saturation:     st.Saturation,
		TargetTopics:   st.TargetTopics,
		StopDecision:   st.StopDecision,
		Recommendation: st.Recommendation,
		SpentUSD:       st.Budget.SpentUSD,
		Calls:          st.Budget.Calls,
		Errors:         st.Errors,
		FailureReason:  st.FailureReason,
	}
}

// POST /sessions
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg := h.sessions.Defaults()
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
			return
		}
	}
	id, err := h.sessions.Create(r.Context(), req.Owner, req.Query, cfg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sessions.Start(id)
	h.logger.Info("Session started", zap.String("session_id", id), zap.String("owner", req.Owner))
	writeJSON(w, http.StatusCreated, createResponse{SessionID: id, Status: models.StatusActive})
}

// GET /sessions/{id}
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

// GET /sessions/{id}/checkpoints
func (h *Handler) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	history, err := h.sessions.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": history})
}

// GET /sessions/{id}/report renders the findings so far as Markdown.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rep := formatting.Report{
		Query:          st.Session.Query,
		Status:         st.Session.Status,
		Summary:        st.Summary,
		Findings:       st.Findings,
		Sources:        st.Sources,
		Contradictions: st.Contradictions,
	}
	if st.StopDecision != nil {
		rep.StopReason = st.StopDecision.Reason
	}
	if st.Recommendation != nil {
		rep.Decision = st.Recommendation.Decision
		rep.Consensus = st.Recommendation.Consensus
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, formatting.Render(rep))
}

// POST /sessions/{id}/pause
func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// POST /sessions/{id}/resume
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	id := r.PathValue("id")
	sess, err := h.sessions.Resume(r.Context(), id, req.ExtraInput)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sessions.Start(id)
	writeJSON(w, http.StatusOK, sess)
}

// POST /sessions/{id}/cancel
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

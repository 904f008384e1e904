package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/safeops/internal/assessment"
	"github.com/ashureev/safeops/internal/identity"
	"github.com/ashureev/safeops/internal/store"
	"github.com/go-chi/chi/v5"
)

// AssessmentHandler exposes assessment sessions over HTTP.
type AssessmentHandler struct {
	sessions *assessment.Registry
	limiter  *RateLimiter
}

// NewAssessmentHandler creates a handler over the session registry.
func NewAssessmentHandler(sessions *assessment.Registry) *AssessmentHandler {
	return &AssessmentHandler{sessions: sessions}
}

// WithRateLimit limits how often an operator may open sessions.
func (h *AssessmentHandler) WithRateLimit(rl *RateLimiter) *AssessmentHandler {
	h.limiter = rl
	return h
}

// RegisterRoutes registers assessment routes.
func (h *AssessmentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assessments", func(r chi.Router) {
		if h.limiter != nil {
			r.With(h.limiter.Middleware).Post("/", h.Create)
		} else {
			r.Post("/", h.Create)
		}
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Close)
			r.Post("/decision", h.Decide)
			r.Post("/choice", h.Choose)
			r.Put("/draft", h.Edit)
			r.Post("/commit", h.Commit)
			r.Get("/options", h.Options)
			r.Post("/pick", h.Pick)
		})
	})
}

type sessionView struct {
	State assessment.SessionState `json:"state"`
	Input *assessment.InputView   `json:"input,omitempty"`
}

func viewOf(s *assessment.Session) sessionView {
	v := sessionView{State: s.State()}
	if in, ok := s.Input(); ok {
		v.Input = &in
	}
	return v
}

// sessionError maps engine errors to HTTP statuses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assessment.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, assessment.ErrValidation):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, assessment.ErrSubjectAssessed),
		errors.Is(err, assessment.ErrNotAwaitingInput),
		errors.Is(err, assessment.ErrWrongInputKind),
		errors.Is(err, assessment.ErrSessionClosed),
		errors.Is(err, assessment.ErrSessionOpen):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Assessment request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *AssessmentHandler) session(w http.ResponseWriter, r *http.Request) (*assessment.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		sessionError(w, err)
		return nil, false
	}
	return s, true
}

type createRequest struct {
	SubjectID string `json:"subject_id"`
}

// Create opens a session for an incident. The scope comes from the
// operator's identity.
func (h *AssessmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		Error(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	op := identity.OperatorFromContext(r.Context())
	s, err := h.sessions.Open(r.Context(), req.SubjectID, op)
	if err != nil {
		slog.Warn("Failed to open assessment", "subject_id", req.SubjectID, "operator_id", op.ID, "error", err)
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusCreated, viewOf(s))
}

// Get returns the session state and the input it currently accepts.
func (h *AssessmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, viewOf(s))
}

// Close ends and forgets the session.
func (h *AssessmentHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "id")); err != nil {
		sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionRequest struct {
	Accept *bool `json:"accept"`
}

// Decide answers the greeting.
func (h *AssessmentHandler) Decide(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Accept == nil {
		Error(w, http.StatusBadRequest, "accept is required")
		return
	}
	if err := s.Decide(*req.Accept); err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(s))
}

type valueRequest struct {
	Value *assessment.Value `json:"value"`
}

// Choose answers a choice question.
func (h *AssessmentHandler) Choose(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		Error(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := s.Choose(*req.Value); err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(s))
}

type draftRequest struct {
	Text string `json:"text"`
}

// Edit replaces the text draft and reports whether it can be committed.
func (h *AssessmentHandler) Edit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req draftRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	can, err := s.Edit(req.Text)
	if err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"can_commit": can})
}

// Commit submits the text draft.
func (h *AssessmentHandler) Commit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Commit(); err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(s))
}

// Options lists the options of the current question filtered by ?q=.
func (h *AssessmentHandler) Options(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	opts, err := s.Options(r.URL.Query().Get("q"))
	if err != nil {
		sessionError(w, err)
		return
	}
	if opts == nil {
		opts = []assessment.Option{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"options": opts})
}

type pickRequest struct {
	Value string `json:"value"`
}

// Pick answers a select question.
func (h *AssessmentHandler) Pick(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req pickRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Pick(req.Value); err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(s))
}

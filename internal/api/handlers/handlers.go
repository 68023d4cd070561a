// Package handlers implements the HTTP handlers for the StockScope control
// plane: session lifecycle, assessment grading, and the research process
// surface (start, status polling, handoffs, and the research database).
package handlers

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/internal/coordinator"
	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/internal/sessions"
	"github.com/stockscope/stockscope/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Sessions    *sessions.Store
	Coordinator *coordinator.Coordinator
	ResearchDB  *researchdb.Store
}

// New creates a new Handlers instance with all dependencies.
func New(sess *sessions.Store, coord *coordinator.Coordinator, db *researchdb.Store) *Handlers {
	return &Handlers{
		Sessions:    sess,
		Coordinator: coord,
		ResearchDB:  db,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Sessions.Create(r.Context(), req.Ticker)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("session_id", session.ID).Str("ticker", session.Ticker).Msg("Session created")
	respondJSON(w, http.StatusCreated, session)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		if notFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// CompleteAssessment grades the session's knowledge assessment and derives
// the expertise level the research agents will calibrate their output to.
func (h *Handlers) CompleteAssessment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req models.AssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Sessions.CompleteAssessment(r.Context(), sessionID, req.Score, req.Total)
	if err != nil {
		if notFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	log.Info().
		Str("session_id", sessionID).
		Int("expertise_level", session.ExpertiseLevel).
		Msg("Assessment completed")
	respondJSON(w, http.StatusOK, session)
}

// DeleteSession tears down the session and any research process tracking.
// Research files already written stay on disk; there is no automatic expiry.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.Sessions.Delete(r.Context(), sessionID); err != nil {
		if notFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.Coordinator.CleanupSession(sessionID)

	log.Info().Str("session_id", sessionID).Msg("Session deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": sessionID})
}

// ══════════════════════════════════════════════════════════════
// ── Research Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// StartResearch launches the research workflow for an assessed session.
// Returns 202: the process runs in the background and the process id equals
// the session id, so callers poll the status endpoint with the same id.
func (h *Handlers) StartResearch(w http.ResponseWriter, r *http.Request) {
	var req models.StartResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := h.Sessions.Get(r.Context(), req.SessionID)
	if err != nil {
		if notFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if !session.AssessmentCompleted || session.ExpertiseLevel == 0 {
		respondError(w, http.StatusBadRequest, "Session must complete assessment before starting research")
		return
	}

	if err := h.ResearchDB.CreateSessionStructure(r.Context(), session.ID, session.Ticker); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	processID, err := h.Coordinator.StartResearchProcess(session.ID, session.Ticker, session.ExpertiseLevel)
	if err != nil {
		var exists *coordinator.ErrSessionExists
		if errors.As(err, &exists) {
			respondError(w, http.StatusConflict, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := h.Sessions.MarkResearchStarted(r.Context(), session.ID); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Session state not advanced to research")
	}

	respondJSON(w, http.StatusAccepted, models.StartResearchResponse{
		ProcessID: processID,
		SessionID: session.ID,
		Status:    "started",
	})
}

func (h *Handlers) GetResearchStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status, err := h.Coordinator.GetResearchStatus(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *Handlers) GetSessionHandoffs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	handoffs := h.Coordinator.GetSessionHandoffs(sessionID)
	respondJSON(w, http.StatusOK, models.HandoffListResponse{
		SessionID: sessionID,
		Handoffs:  handoffs,
		Count:     len(handoffs),
	})
}

// GetSessionDatabase returns the full research database view for a session:
// every indexed file plus the accumulated handoff records.
func (h *Handlers) GetSessionDatabase(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		if notFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	files, err := h.ResearchDB.ListSessionFiles(r.Context(), sessionID, session.Ticker)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []models.SessionFile{}
	}
	handoffs := h.Coordinator.GetSessionHandoffs(sessionID)

	respondJSON(w, http.StatusOK, models.SessionDatabaseResponse{
		SessionID:    sessionID,
		Ticker:       session.Ticker,
		Files:        files,
		FileCount:    len(files),
		Handoffs:     handoffs,
		HandoffCount: len(handoffs),
	})
}

// GetResearchFile serves one research file with its parsed front matter. The
// path is session-relative ("{ticker}/{agent_type}/{filename}") and strictly
// validated before it touches the filesystem.
func (h *Handlers) GetResearchFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	filePath := chi.URLParam(r, "*")

	session, err := h.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		if notFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	content, meta, err := h.ResearchDB.ReadResearchFile(r.Context(), sessionID, filePath)
	if err != nil {
		switch {
		case errors.Is(err, researchdb.ErrInvalidPath):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, researchdb.ErrFileTooLarge):
			respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		case notFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, models.ResearchFileResponse{
		SessionID:     sessionID,
		Ticker:        session.Ticker,
		FilePath:      filePath,
		Metadata:      meta,
		Content:       content,
		ContentLength: len(content),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// notFound reports whether the error is any of the not-found shapes the
// stores produce.
func notFound(err error) bool {
	var sessErr *sessions.ErrNotFound
	return errors.As(err, &sessErr) || errors.Is(err, fs.ErrNotExist)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

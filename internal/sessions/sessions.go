// Package sessions provides in-memory session management for research runs.
// A session pins a ticker and the user's assessed expertise level; both are
// preconditions for starting the research pipeline.
package sessions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/pkg/models"
)

// ErrNotFound reports a lookup for a session that does not exist.
type ErrNotFound struct {
	SessionID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// Store is a thread-safe in-memory session store. Callers always receive
// copies; the store owns the canonical records.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
	}
}

// Create registers a new session. Tickers are normalized to upper case.
func (s *Store) Create(_ context.Context, ticker string) (*models.Session, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		Ticker:    ticker,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Info().
		Str("session_id", session.ID).
		Str("ticker", ticker).
		Msg("Session created")

	copied := *session
	return &copied, nil
}

// Get retrieves a session by ID.
func (s *Store) Get(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ErrNotFound{SessionID: sessionID}
	}
	copied := *session
	return &copied, nil
}

// CompleteAssessment records the assessment outcome and derives the user's
// expertise level (1-10) from the score ratio.
func (s *Store) CompleteAssessment(_ context.Context, sessionID string, score, total int) (*models.Session, error) {
	if total <= 0 {
		return nil, fmt.Errorf("assessment total must be positive")
	}
	if score < 0 || score > total {
		return nil, fmt.Errorf("assessment score %d out of range 0-%d", score, total)
	}

	level := int(math.Round(float64(score) / float64(total) * 10))
	if level < 1 {
		level = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ErrNotFound{SessionID: sessionID}
	}
	session.ExpertiseLevel = level
	session.AssessmentCompleted = true
	session.UpdatedAt = time.Now().UTC()

	log.Info().
		Str("session_id", sessionID).
		Int("expertise_level", level).
		Msg("Assessment completed")

	copied := *session
	return &copied, nil
}

// MarkResearchStarted flips the session into its research phase.
func (s *Store) MarkResearchStarted(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return &ErrNotFound{SessionID: sessionID}
	}
	session.Status = models.SessionResearching
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes a session.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return &ErrNotFound{SessionID: sessionID}
	}
	delete(s.sessions, sessionID)
	log.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

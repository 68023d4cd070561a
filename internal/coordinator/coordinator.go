// Package coordinator sequences the research agents for each session, carries
// context between them through validated handoffs, and recovers from agent
// failures with retry and exponential backoff.
//
// It is the system's only state machine. A session's research status moves
// pending → active → {completed | failed}; both end states are terminal and
// immutable. For every session the coordinator runs one background workflow
// goroutine that walks the fixed agent order:
//
//  1. Abandon quietly if the session was cleaned up mid-flight
//  2. Mark the agent as current
//  3. Assemble context from the session's committed handoffs
//  4. Execute the agent (bounded by the configured timeout)
//  5. Route failures through retry with backoff; exhaustion fails the session
//  6. Commit a validated handoff to the next agent; a rejected handoff is
//     treated exactly like an agent failure, never silently skipped
//
// All shared state lives in maps keyed by session id behind one coarse
// RWMutex. Queries return deep copies so callers can never mutate
// coordinator state through a snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockscope/stockscope/internal/agents"
	"github.com/stockscope/stockscope/pkg/models"
)

var tracer = otel.Tracer("stockscope-coordinator")

// ── Errors ───────────────────────────────────────────────────

// ErrSessionExists reports an attempt to start research for a session that
// already has a tracked process. The caller must clean up the existing run
// before starting another.
type ErrSessionExists struct {
	SessionID string
}

func (e *ErrSessionExists) Error() string {
	return fmt.Sprintf("research already started for session %s", e.SessionID)
}

// ErrSessionNotFound reports a query for a session the coordinator is not
// tracking.
type ErrSessionNotFound struct {
	SessionID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("no research process for session %s", e.SessionID)
}

// ── Coordinator ──────────────────────────────────────────────

// Config tunes the coordinator's failure handling.
type Config struct {
	// MaxRetries is the per-agent retry budget within one session. Zero
	// disables retries entirely: the first failure is final.
	MaxRetries int

	// AgentTimeout bounds a single agent execution. Zero disables the bound.
	AgentTimeout time.Duration

	// BackoffBase is the unit delay for exponential backoff between retries
	// (base, 2x, 4x, ...). Defaults to one second when unset.
	BackoffBase time.Duration
}

// Coordinator owns all research-process state and drives one workflow
// goroutine per session. Construct with New and share a single instance;
// the maps below are guarded by mu.
type Coordinator struct {
	registry map[models.AgentName]agents.Agent
	order    []models.AgentName
	cfg      Config

	mu          sync.RWMutex
	statuses    map[string]*models.ResearchStatus
	handoffs    map[string][]models.AgentHandoff
	retryCounts map[string]map[models.AgentName]int
	cancels     map[string]context.CancelFunc
}

// New creates a coordinator over the given agent registry.
func New(registry map[models.AgentName]agents.Agent, cfg Config) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Coordinator{
		registry:    registry,
		order:       models.AgentOrder(),
		cfg:         cfg,
		statuses:    make(map[string]*models.ResearchStatus),
		handoffs:    make(map[string][]models.AgentHandoff),
		retryCounts: make(map[string]map[models.AgentName]int),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// StartResearchProcess registers a research run for the session and launches
// its workflow in the background. The call returns immediately; the returned
// process id equals the session id. Starting a session that is still tracked
// is rejected with ErrSessionExists.
func (c *Coordinator) StartResearchProcess(sessionID, ticker string, expertiseLevel int) (string, error) {
	c.mu.Lock()
	if _, exists := c.statuses[sessionID]; exists {
		c.mu.Unlock()
		return "", &ErrSessionExists{SessionID: sessionID}
	}

	c.statuses[sessionID] = &models.ResearchStatus{
		SessionID:       sessionID,
		Ticker:          ticker,
		ExpertiseLevel:  expertiseLevel,
		Status:          models.ResearchActive,
		CurrentAgent:    c.order[0],
		AgentsCompleted: []models.AgentName{},
		AgentsFailed:    []models.AgentName{},
		StartedAt:       time.Now().UTC(),
	}
	c.retryCounts[sessionID] = make(map[models.AgentName]int)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancels[sessionID] = cancel
	c.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Int("expertise_level", expertiseLevel).
		Int("agents", len(c.order)).
		Msg("🔬 Research process started")

	go c.runWorkflow(runCtx, sessionID, ticker, expertiseLevel)

	return sessionID, nil
}

// ── Workflow ─────────────────────────────────────────────────

// runWorkflow walks one session through the agent order. Cleanup doubles as
// cooperative cancellation: every loop iteration re-checks that the session
// is still tracked and abandons the run when it is not. Panics anywhere in
// the loop are routed into the failed state rather than killing the process.
func (c *Coordinator) runWorkflow(ctx context.Context, sessionID, ticker string, expertiseLevel int) {
	ctx, span := tracer.Start(ctx, "coordinator.run_research",
		trace.WithAttributes(
			attribute.String("stockscope.session_id", sessionID),
			attribute.String("stockscope.ticker", ticker),
		))
	defer span.End()
	defer c.releaseCancel(sessionID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session_id", sessionID).
				Interface("panic", r).
				Msg("Research workflow panicked")
			c.failSession(sessionID, fmt.Sprintf("workflow panic: %v", r))
		}
	}()

	for i, agentName := range c.order {
		if !c.tracked(sessionID) {
			log.Warn().
				Str("session_id", sessionID).
				Msg("Session no longer tracked, stopping workflow")
			return
		}

		c.setCurrentAgent(sessionID, agentName)

		result := c.executeAgent(ctx, sessionID, agentName, ticker, expertiseLevel, 0)

		if !result.Success {
			message := result.ErrorMessage
			if message == "" {
				message = "agent execution failed"
			}
			recovered, ok := c.HandleAgentFailure(ctx, sessionID, agentName, errors.New(message))
			if !ok {
				return
			}
			result = recovered
		}

		if i == len(c.order)-1 {
			break
		}

		next := c.order[i+1]
		for {
			err := c.commitHandoff(sessionID, agentName, next, models.NewHandoffData(result))
			if err == nil {
				break
			}
			recovered, ok := c.HandleAgentFailure(ctx, sessionID, agentName, fmt.Errorf("handoff to %s rejected: %w", next, err))
			if !ok {
				return
			}
			result = recovered
		}
	}

	c.completeSession(sessionID)
}

// executeAgent runs a single agent with freshly assembled context. Go errors
// and timeouts are normalized into a failed result here so that every kind
// of failure flows through the same handling path.
func (c *Coordinator) executeAgent(ctx context.Context, sessionID string, agentName models.AgentName, ticker string, expertiseLevel, attempt int) *models.AgentResult {
	agent, ok := c.registry[agentName]
	if !ok {
		return &models.AgentResult{
			AgentName:    agentName,
			Success:      false,
			Summary:      fmt.Sprintf("Agent %s failed during execution", agentName),
			ErrorMessage: fmt.Sprintf("agent %s not registered", agentName),
		}
	}

	prior := c.assembleContext(sessionID)

	execCtx := ctx
	if c.cfg.AgentTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.cfg.AgentTimeout)
		defer cancel()
	}

	execCtx, span := tracer.Start(execCtx, "coordinator.execute_agent",
		trace.WithAttributes(
			attribute.String("stockscope.session_id", sessionID),
			attribute.String("stockscope.agent", string(agentName)),
			attribute.Int("stockscope.attempt", attempt),
		))
	defer span.End()

	start := time.Now()
	result, err := agent.ConductResearch(execCtx, sessionID, ticker, expertiseLevel, prior)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("agent", string(agentName)).
			Msg("Agent execution error")
		return &models.AgentResult{
			AgentName:            agentName,
			Success:              false,
			Summary:              fmt.Sprintf("Agent %s failed during execution", agentName),
			ErrorMessage:         err.Error(),
			ExecutionTimeSeconds: time.Since(start).Seconds(),
		}
	}
	if result == nil {
		return &models.AgentResult{
			AgentName:    agentName,
			Success:      false,
			Summary:      fmt.Sprintf("Agent %s failed during execution", agentName),
			ErrorMessage: fmt.Sprintf("agent %s returned no result", agentName),
		}
	}

	log.Info().
		Str("session_id", sessionID).
		Str("agent", string(agentName)).
		Bool("success", result.Success).
		Int("files", len(result.ResearchFilesCreated)).
		Int("tokens", result.TokenUsage).
		Float64("seconds", result.ExecutionTimeSeconds).
		Msg("Agent execution finished")

	return result
}

// assembleContext builds the prior-research view for the next agent from the
// session's committed handoffs. A later handoff from the same source replaces
// the earlier one. Only agents that already ran have committed handoffs, so
// the mapping is naturally limited to predecessors.
func (c *Coordinator) assembleContext(sessionID string) models.ResearchContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prior := make(models.ResearchContext, len(c.handoffs[sessionID]))
	for _, h := range c.handoffs[sessionID] {
		prior[h.SourceAgent] = models.PriorResearch{
			ResearchFiles:     append([]string(nil), h.ResearchFiles...),
			Summary:           h.ContextSummary,
			CrossReferences:   append([]string(nil), h.CrossReferences...),
			ConfidenceMetrics: cloneMetrics(h.ConfidenceMetrics),
			TokenUsage:        h.TokenUsage,
			Timestamp:         h.CreatedAt,
		}
	}
	return prior
}

// ── Failure handling ─────────────────────────────────────────

// HandleAgentFailure retries a failed agent with exponential backoff until it
// recovers or the per-agent budget is exhausted. On recovery the retried
// result is returned so the caller can commit its handoff. On exhaustion the
// session transitions to failed, since every agent in the pipeline is
// critical, and ok is false: the workflow must stop.
func (c *Coordinator) HandleAgentFailure(ctx context.Context, sessionID string, agentName models.AgentName, cause error) (*models.AgentResult, bool) {
	log.Error().
		Err(cause).
		Str("session_id", sessionID).
		Str("agent", string(agentName)).
		Msg("Agent failed")

	if !c.tracked(sessionID) {
		return nil, false
	}

	for {
		c.mu.Lock()
		counts := c.retryCounts[sessionID]
		if counts == nil {
			counts = make(map[models.AgentName]int)
			c.retryCounts[sessionID] = counts
		}
		count := counts[agentName]
		if count >= c.cfg.MaxRetries {
			c.mu.Unlock()
			break
		}
		counts[agentName] = count + 1
		c.mu.Unlock()

		attempt := count + 1
		delay := c.cfg.BackoffBase << (attempt - 1)
		log.Info().
			Str("session_id", sessionID).
			Str("agent", string(agentName)).
			Int("attempt", attempt).
			Int("max_retries", c.cfg.MaxRetries).
			Dur("delay", delay).
			Msg("Retrying agent")

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		// Re-check after the sleep: cleanup may have raced the backoff.
		ticker, expertiseLevel, ok := c.sessionInputs(sessionID)
		if !ok {
			return nil, false
		}

		result := c.executeAgent(ctx, sessionID, agentName, ticker, expertiseLevel, attempt)
		if result.Success {
			c.clearFailed(sessionID, agentName)
			log.Info().
				Str("session_id", sessionID).
				Str("agent", string(agentName)).
				Int("attempt", attempt).
				Msg("Agent recovered on retry")
			return result, true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[sessionID]
	if !ok || status.Status != models.ResearchActive {
		return nil, false
	}
	if !containsAgent(status.AgentsFailed, agentName) {
		status.AgentsFailed = append(status.AgentsFailed, agentName)
	}
	status.Status = models.ResearchFailed
	status.ErrorMessage = fmt.Sprintf("Critical agent %s failed after %d retries: %v", agentName, c.cfg.MaxRetries, cause)
	now := time.Now().UTC()
	status.CompletedAt = &now

	log.Error().
		Str("session_id", sessionID).
		Str("agent", string(agentName)).
		Int("max_retries", c.cfg.MaxRetries).
		Msg("Critical agent failure, research aborted")

	return nil, false
}

// ── Handoffs ─────────────────────────────────────────────────

// CoordinateAgentHandoff validates and commits a handoff between two agents.
// On validation failure, or when the session is no longer tracked, nothing
// is mutated and the handoff is reported as failed.
func (c *Coordinator) CoordinateAgentHandoff(sessionID string, source, target models.AgentName, data models.HandoffData) bool {
	return c.commitHandoff(sessionID, source, target, data) == nil
}

func (c *Coordinator) commitHandoff(sessionID string, source, target models.AgentName, data models.HandoffData) error {
	handoff := models.AgentHandoff{
		SourceAgent:       source,
		TargetAgent:       target,
		ResearchFiles:     data.ResearchFiles,
		ContextSummary:    data.ContextSummary,
		CrossReferences:   data.CrossReferences,
		ConfidenceMetrics: data.ConfidenceMetrics,
		TokenUsage:        data.TokenUsage,
		CreatedAt:         time.Now().UTC(),
	}
	if err := handoff.Validate(); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("source", string(source)).
			Str("target", string(target)).
			Msg("Handoff validation failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[sessionID]
	if !ok {
		// The session was cleaned up while the source agent ran. Drop the
		// handoff instead of resurrecting state for a dead session.
		return &ErrSessionNotFound{SessionID: sessionID}
	}
	if status.Status != models.ResearchActive {
		return fmt.Errorf("session %s is %s, refusing handoff", sessionID, status.Status)
	}

	c.handoffs[sessionID] = append(c.handoffs[sessionID], handoff)
	if !containsAgent(status.AgentsCompleted, source) {
		status.AgentsCompleted = append(status.AgentsCompleted, source)
	}
	status.CurrentAgent = target
	status.ProgressPercentage = 100 * float64(len(status.AgentsCompleted)) / float64(len(c.order))

	log.Info().
		Str("session_id", sessionID).
		Str("source", string(source)).
		Str("target", string(target)).
		Int("files", len(handoff.ResearchFiles)).
		Float64("progress", status.ProgressPercentage).
		Msg("Agent handoff committed")

	return nil
}

// ── Queries ──────────────────────────────────────────────────

// GetResearchStatus returns a snapshot of the session's research status.
// The snapshot is a deep copy; mutating it cannot affect coordinator state.
func (c *Coordinator) GetResearchStatus(sessionID string) (*models.ResearchStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status, ok := c.statuses[sessionID]
	if !ok {
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	}
	return copyStatus(status), nil
}

// GetSessionHandoffs returns the session's committed handoffs in commit
// order. Unknown sessions yield an empty list, not an error.
func (c *Coordinator) GetSessionHandoffs(sessionID string) []models.AgentHandoff {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.handoffs[sessionID]
	out := make([]models.AgentHandoff, len(list))
	for i, h := range list {
		h.ResearchFiles = append([]string(nil), h.ResearchFiles...)
		h.CrossReferences = append([]string(nil), h.CrossReferences...)
		h.ConfidenceMetrics = cloneMetrics(h.ConfidenceMetrics)
		out[i] = h
	}
	return out
}

// CleanupSession removes all coordinator state for a session and cancels its
// workflow context. Safe to call for unknown sessions and safe to call twice.
// A workflow that is mid-flight observes the missing status at its next loop
// iteration and abandons the run; the in-flight agent call is not awaited and
// its eventual result is discarded.
func (c *Coordinator) CleanupSession(sessionID string) {
	c.mu.Lock()
	_, existed := c.statuses[sessionID]
	delete(c.statuses, sessionID)
	delete(c.handoffs, sessionID)
	delete(c.retryCounts, sessionID)
	if cancel, ok := c.cancels[sessionID]; ok {
		cancel()
		delete(c.cancels, sessionID)
	}
	c.mu.Unlock()

	if existed {
		log.Info().Str("session_id", sessionID).Msg("Session research state cleaned up")
	}
}

// ── State transitions ────────────────────────────────────────

func (c *Coordinator) setCurrentAgent(sessionID string, agentName models.AgentName) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[sessionID]
	if !ok || status.Status.Terminal() {
		return
	}
	status.CurrentAgent = agentName
}

// completeSession records the terminal happy path. The last agent has no
// outgoing handoff, so it joins the completed list here.
func (c *Coordinator) completeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[sessionID]
	if !ok || status.Status != models.ResearchActive {
		return
	}

	last := c.order[len(c.order)-1]
	if !containsAgent(status.AgentsCompleted, last) {
		status.AgentsCompleted = append(status.AgentsCompleted, last)
	}
	status.Status = models.ResearchCompleted
	status.CurrentAgent = ""
	status.ProgressPercentage = 100
	now := time.Now().UTC()
	status.CompletedAt = &now

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", status.Ticker).
		Msg("✅ Research workflow completed")
}

// clearFailed removes the agent from the failed list after a successful
// retry, if an earlier exhaustion had recorded it.
func (c *Coordinator) clearFailed(sessionID string, agentName models.AgentName) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[sessionID]
	if !ok {
		return
	}
	kept := status.AgentsFailed[:0]
	for _, a := range status.AgentsFailed {
		if a != agentName {
			kept = append(kept, a)
		}
	}
	status.AgentsFailed = kept
}

// failSession is the outermost safety net for workflow panics. Designed
// failure paths go through HandleAgentFailure instead.
func (c *Coordinator) failSession(sessionID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[sessionID]
	if !ok || status.Status.Terminal() {
		return
	}
	status.Status = models.ResearchFailed
	status.ErrorMessage = message
	now := time.Now().UTC()
	status.CompletedAt = &now
}

func (c *Coordinator) releaseCancel(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.cancels[sessionID]; ok {
		cancel()
		delete(c.cancels, sessionID)
	}
}

func (c *Coordinator) tracked(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.statuses[sessionID]
	return ok
}

// sessionInputs re-reads the ticker and expertise level from the tracked
// status so retries run with the same inputs as the original attempt.
func (c *Coordinator) sessionInputs(sessionID string) (string, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status, ok := c.statuses[sessionID]
	if !ok {
		return "", 0, false
	}
	return status.Ticker, status.ExpertiseLevel, true
}

// ── Helpers ──────────────────────────────────────────────────

func copyStatus(s *models.ResearchStatus) *models.ResearchStatus {
	cp := *s
	cp.AgentsCompleted = append([]models.AgentName(nil), s.AgentsCompleted...)
	cp.AgentsFailed = append([]models.AgentName(nil), s.AgentsFailed...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func containsAgent(list []models.AgentName, name models.AgentName) bool {
	for _, a := range list {
		if a == name {
			return true
		}
	}
	return false
}

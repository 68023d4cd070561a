package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Agent Identity ───────────────────────────────────────────

// AgentName identifies one research agent in the pipeline.
type AgentName string

const (
	AgentValuation AgentName = "valuation"
	AgentStrategic AgentName = "strategic"
	AgentHistorian AgentName = "historian"
	AgentSynthesis AgentName = "synthesis"
)

// AgentOrder returns the fixed execution order of the research pipeline.
// The order is significant: it defines both the execution sequence and the
// set of predecessors whose output each agent may read. Returns a fresh
// slice on every call.
func AgentOrder() []AgentName {
	return []AgentName{AgentValuation, AgentStrategic, AgentHistorian, AgentSynthesis}
}

// Valid reports whether the name is one of the four pipeline agents.
func (a AgentName) Valid() bool {
	switch a {
	case AgentValuation, AgentStrategic, AgentHistorian, AgentSynthesis:
		return true
	}
	return false
}

// ── Research Status ──────────────────────────────────────────

// ResearchState is the overall lifecycle state of a research run.
type ResearchState string

const (
	ResearchPending   ResearchState = "pending"
	ResearchActive    ResearchState = "active"
	ResearchCompleted ResearchState = "completed"
	ResearchFailed    ResearchState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ResearchState) Terminal() bool {
	return s == ResearchCompleted || s == ResearchFailed
}

// ResearchStatus tracks the observable progress of one session's research
// run. It is owned exclusively by the coordinator; readers only ever see
// copies. CurrentAgent is empty when no agent is running. CompletedAt is
// set once, when the run reaches a terminal state.
type ResearchStatus struct {
	SessionID          string        `json:"session_id"`
	Ticker             string        `json:"ticker"`
	ExpertiseLevel     int           `json:"expertise_level"`
	Status             ResearchState `json:"status"`
	CurrentAgent       AgentName     `json:"current_agent,omitempty"`
	AgentsCompleted    []AgentName   `json:"agents_completed"`
	AgentsFailed       []AgentName   `json:"agents_failed"`
	ProgressPercentage float64       `json:"progress_percentage"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// ── Agent Handoff ────────────────────────────────────────────

const (
	// MinSummaryLength is the trimmed character count a handoff summary
	// must exceed to carry enough context for the receiving agent.
	MinSummaryLength = 100
	// MaxSummaryLength caps the summary so a handoff stays a condensed
	// narrative rather than raw research content.
	MaxSummaryLength = 5000
)

// AgentHandoff is the structured data transfer between two agents. Records
// are immutable once committed and accumulate per session until cleanup.
type AgentHandoff struct {
	SourceAgent       AgentName          `json:"source_agent"`
	TargetAgent       AgentName          `json:"target_agent"`
	ResearchFiles     []string           `json:"research_files"`
	ContextSummary    string             `json:"context_summary"`
	CrossReferences   []string           `json:"cross_references"`
	ConfidenceMetrics map[string]float64 `json:"confidence_metrics"`
	TokenUsage        int                `json:"token_usage"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Validate checks the structural invariants a handoff must satisfy before
// it may be committed. A handoff that fails validation is never stored.
func (h *AgentHandoff) Validate() error {
	if len(h.ResearchFiles) == 0 {
		return fmt.Errorf("handoff from %s carries no research files", h.SourceAgent)
	}
	if len(strings.TrimSpace(h.ContextSummary)) <= MinSummaryLength {
		return fmt.Errorf("context summary must exceed %d characters (trimmed)", MinSummaryLength)
	}
	if len(h.ContextSummary) > MaxSummaryLength {
		return fmt.Errorf("context summary exceeds %d character limit", MaxSummaryLength)
	}
	if h.SourceAgent == h.TargetAgent {
		return fmt.Errorf("agent %s cannot hand off to itself", h.SourceAgent)
	}
	return nil
}

// HandoffData is the payload an agent's result contributes to a handoff,
// before routing metadata (source/target) is attached.
type HandoffData struct {
	ResearchFiles     []string           `json:"research_files"`
	ContextSummary    string             `json:"context_summary"`
	CrossReferences   []string           `json:"cross_references"`
	ConfidenceMetrics map[string]float64 `json:"confidence_metrics"`
	TokenUsage        int                `json:"token_usage"`
}

// NewHandoffData builds a handoff payload from an agent result. Confidence
// metrics default to the agent's reported score plus a neutral completeness
// when the result carries none.
func NewHandoffData(res *AgentResult) HandoffData {
	metrics := res.ConfidenceMetrics
	if len(metrics) == 0 {
		metrics = map[string]float64{
			"confidence":   res.ConfidenceScore,
			"completeness": 0.5,
		}
	}
	return HandoffData{
		ResearchFiles:     res.ResearchFilesCreated,
		ContextSummary:    res.Summary,
		CrossReferences:   res.CrossReferences,
		ConfidenceMetrics: metrics,
		TokenUsage:        res.TokenUsage,
	}
}

// ── Agent Result ─────────────────────────────────────────────

// AgentResult is the outcome of one agent execution. It is consumed
// immediately by the coordinator to build a handoff or to trigger failure
// handling. Agents report operational failures through Success=false and
// ErrorMessage rather than returning an error.
type AgentResult struct {
	AgentName            AgentName          `json:"agent_name"`
	Success              bool               `json:"success"`
	ResearchFilesCreated []string           `json:"research_files_created"`
	Summary              string             `json:"summary"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	TokenUsage           int                `json:"token_usage"`
	ExecutionTimeSeconds float64            `json:"execution_time_seconds"`
	ConfidenceScore      float64            `json:"confidence_score"`
	CrossReferences      []string           `json:"cross_references,omitempty"`
	ConfidenceMetrics    map[string]float64 `json:"confidence_metrics,omitempty"`
}

// ── Research Context ─────────────────────────────────────────

// PriorResearch is one predecessor agent's contribution as seen by a later
// agent: the condensed summary plus file paths and quality metadata.
type PriorResearch struct {
	ResearchFiles     []string           `json:"research_files"`
	Summary           string             `json:"summary"`
	CrossReferences   []string           `json:"cross_references"`
	ConfidenceMetrics map[string]float64 `json:"confidence_metrics"`
	TokenUsage        int                `json:"token_usage"`
	Timestamp         time.Time          `json:"timestamp"`
}

// ResearchContext maps each predecessor agent to its contribution. Built
// fresh from the session's accumulated handoffs before every agent
// execution; only agents that already committed a handoff appear.
type ResearchContext map[AgentName]PriorResearch

// ── Session ──────────────────────────────────────────────────

// SessionState tracks where a session sits in its lifecycle.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionResearching SessionState = "research"
)

// Session is one end-to-end research run for one ticker. ExpertiseLevel is
// computed from the assessment and must be set before research starts.
type Session struct {
	ID                  string       `json:"id"`
	Ticker              string       `json:"ticker"`
	Status              SessionState `json:"status"`
	ExpertiseLevel      int          `json:"expertise_level"`
	AssessmentCompleted bool         `json:"assessment_completed"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// ── Research Files ───────────────────────────────────────────

// ResearchFileMeta is the YAML front matter attached to every research
// file written into a session's directory tree.
type ResearchFileMeta struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Ticker    string    `json:"ticker" yaml:"ticker"`
	AgentType string    `json:"agent_type" yaml:"agent_type"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Version   int       `json:"version" yaml:"version"`
}

// SessionFile describes one file in a session's research database.
type SessionFile struct {
	Path      string    `json:"path"`
	AgentType string    `json:"agent_type"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CrossReference links two research files across agents.
type CrossReference struct {
	SourceFile   string    `json:"source_file" yaml:"source_file"`
	TargetFile   string    `json:"target_file" yaml:"target_file"`
	Relationship string    `json:"relationship" yaml:"relationship"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// ── API Envelopes ────────────────────────────────────────────

type CreateSessionRequest struct {
	Ticker string `json:"ticker"`
}

type AssessmentRequest struct {
	Score int `json:"score"`
	Total int `json:"total"`
}

type StartResearchRequest struct {
	SessionID string `json:"session_id"`
}

// StartResearchResponse acknowledges an accepted research run. ProcessID
// equals the session id.
type StartResearchResponse struct {
	ProcessID string `json:"process_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type HandoffListResponse struct {
	SessionID string         `json:"session_id"`
	Handoffs  []AgentHandoff `json:"handoffs"`
	Count     int            `json:"count"`
}

type SessionDatabaseResponse struct {
	SessionID    string         `json:"session_id"`
	Ticker       string         `json:"ticker"`
	Files        []SessionFile  `json:"files"`
	FileCount    int            `json:"file_count"`
	Handoffs     []AgentHandoff `json:"handoffs"`
	HandoffCount int            `json:"handoff_count"`
}

// ResearchFileResponse is one research file with its parsed front matter.
type ResearchFileResponse struct {
	SessionID     string           `json:"session_id"`
	Ticker        string           `json:"ticker"`
	FilePath      string           `json:"file_path"`
	Metadata      ResearchFileMeta `json:"metadata"`
	Content       string           `json:"content"`
	ContentLength int              `json:"content_length"`
}

// Package agents implements the four research agents of the pipeline:
// valuation, strategic, historian and synthesis. Each agent runs one or two
// LLM phases, persists its output through the research database, and
// reports a structured result. Operational failures never escape as errors;
// they come back as a failed result with the cause recorded.
package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stockscope/stockscope/internal/llm"
	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/pkg/models"
)

// Agent is the capability contract the coordinator sequences. Context
// carries the condensed findings of every agent that ran earlier.
type Agent interface {
	Name() models.AgentName
	ConductResearch(ctx context.Context, sessionID, ticker string, expertiseLevel int, prior models.ResearchContext) (*models.AgentResult, error)
}

// Completer is the LLM surface agents depend on.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
	Model() string
	ResearchModel() string
}

// All builds the full agent registry in pipeline order.
func All(client Completer, db *researchdb.Store) map[models.AgentName]Agent {
	return map[models.AgentName]Agent{
		models.AgentValuation: NewValuation(client, db),
		models.AgentStrategic: NewStrategic(client, db),
		models.AgentHistorian: NewHistorian(client, db),
		models.AgentSynthesis: NewSynthesis(client, db),
	}
}

// ── Shared base ──────────────────────────────────────────────

type base struct {
	name models.AgentName
	llm  Completer
	db   *researchdb.Store
}

func (b base) Name() models.AgentName { return b.name }

// errorResult normalizes an operational failure into a failed result.
func (b base) errorResult(ticker string, start time.Time, err error) *models.AgentResult {
	return &models.AgentResult{
		AgentName:            b.name,
		Success:              false,
		Summary:              fmt.Sprintf("%s analysis failed for %s: %v", b.name, ticker, err),
		ErrorMessage:         err.Error(),
		ExecutionTimeSeconds: time.Since(start).Seconds(),
	}
}

// writeFiles persists each named artifact and returns the session-relative
// paths in write order.
func (b base) writeFiles(ctx context.Context, sessionID, ticker string, artifacts []artifact) ([]string, error) {
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		rel, err := b.db.WriteResearchFile(ctx, sessionID, ticker, b.name, a.filename, a.content)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", a.filename, err)
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

type artifact struct {
	filename string
	content  string
}

// complete runs one chat completion and rejects empty responses.
func (b base) complete(ctx context.Context, model, system, user string) (string, int, error) {
	resp, err := b.llm.Complete(ctx, llm.ChatRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", resp.Usage.TotalTokens, fmt.Errorf("model returned an empty completion")
	}
	return resp.Content, resp.Usage.TotalTokens, nil
}

// ── Expertise depth ──────────────────────────────────────────

// depthConfig maps the user's expertise level to how deep and long the
// generated analysis should be. Lower expertise gets longer, more
// explanatory reports.
type depthConfig struct {
	Name   string
	Pages  string
	Detail string
}

func depthFor(expertiseLevel int) depthConfig {
	switch {
	case expertiseLevel <= 2:
		return depthConfig{Name: "Foundational", Pages: "250-300", Detail: "comprehensive"}
	case expertiseLevel <= 4:
		return depthConfig{Name: "Educational", Pages: "150-200", Detail: "detailed"}
	case expertiseLevel <= 6:
		return depthConfig{Name: "Intermediate", Pages: "80-100", Detail: "focused"}
	case expertiseLevel <= 8:
		return depthConfig{Name: "Advanced", Pages: "50-60", Detail: "executive"}
	default:
		return depthConfig{Name: "Executive", Pages: "10-20", Detail: "summary"}
	}
}

// ── Context rendering ────────────────────────────────────────

// renderPrior formats predecessor summaries for inclusion in a prompt,
// in pipeline order.
func renderPrior(prior models.ResearchContext) string {
	if len(prior) == 0 {
		return "No prior research context is available."
	}
	var b strings.Builder
	for _, agent := range models.AgentOrder() {
		pr, ok := prior[agent]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s FINDINGS\n%s\n\n", strings.ToUpper(string(agent)), pr.Summary)
	}
	return strings.TrimSpace(b.String())
}

// truncate caps prompt inclusions so a long predecessor file cannot blow
// the context window.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n\n[truncated]"
}

// priorFiles returns the predecessor's reported research files, if any.
func priorFiles(prior models.ResearchContext, agent models.AgentName) []string {
	if pr, ok := prior[agent]; ok {
		return pr.ResearchFiles
	}
	return nil
}

// analysisFile picks the predecessor's main analysis artifact: the last
// file it reported, which by convention is the analysis rather than the
// raw research dump.
func analysisFile(prior models.ResearchContext, agent models.AgentName) string {
	files := priorFiles(prior, agent)
	if len(files) == 0 {
		return ""
	}
	return files[len(files)-1]
}

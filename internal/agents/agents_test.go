package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stockscope/stockscope/internal/llm"
	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/pkg/models"
)

type fakeCompleter struct {
	mu      sync.Mutex
	calls   []llm.ChatRequest
	content string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	content := f.content
	if content == "" {
		content = "Generated research with figures and citations throughout, long enough to stand in for a real completion body."
	}
	return &llm.ChatResponse{Content: content, Usage: llm.Usage{TotalTokens: 100}}, nil
}

func (f *fakeCompleter) Model() string         { return "analysis-model" }
func (f *fakeCompleter) ResearchModel() string { return "research-model" }

func (f *fakeCompleter) request(t *testing.T, i int) llm.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		t.Fatalf("want at least %d LLM calls, got %d", i+1, len(f.calls))
	}
	return f.calls[i]
}

func newTestDB(t *testing.T) *researchdb.Store {
	t.Helper()
	db := researchdb.New(t.TempDir())
	if err := db.CreateSessionStructure(context.Background(), "sess-1", "AAPL"); err != nil {
		t.Fatalf("CreateSessionStructure() error = %v", err)
	}
	return db
}

func TestValuationAgentSuccess(t *testing.T) {
	fake := &fakeCompleter{}
	db := newTestDB(t)
	agent := NewValuation(fake, db)
	ctx := context.Background()

	result, err := agent.ConductResearch(ctx, "sess-1", "AAPL", 5, nil)
	if err != nil {
		t.Fatalf("ConductResearch() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false, error message: %s", result.ErrorMessage)
	}
	want := []string{"AAPL/valuation/temp.md", "AAPL/valuation/valuation.md"}
	if len(result.ResearchFilesCreated) != 2 || result.ResearchFilesCreated[0] != want[0] || result.ResearchFilesCreated[1] != want[1] {
		t.Errorf("ResearchFilesCreated = %v, want %v", result.ResearchFilesCreated, want)
	}
	if len(strings.TrimSpace(result.Summary)) <= models.MinSummaryLength {
		t.Errorf("Summary length %d, must exceed %d for the handoff to validate", len(result.Summary), models.MinSummaryLength)
	}
	if result.TokenUsage != 200 {
		t.Errorf("TokenUsage = %d, want 200 across two phases", result.TokenUsage)
	}
	if result.ConfidenceScore != 0.8 {
		t.Errorf("ConfidenceScore = %v, want 0.8", result.ConfidenceScore)
	}

	// Research phase runs on the cheaper model, analysis on the main one.
	if got := fake.request(t, 0).Model; got != "research-model" {
		t.Errorf("phase 1 model = %q, want research-model", got)
	}
	if got := fake.request(t, 1).Model; got != "analysis-model" {
		t.Errorf("phase 2 model = %q, want analysis-model", got)
	}

	// The written files round-trip through the database with metadata.
	content, meta, err := db.ReadResearchFile(ctx, "sess-1", "AAPL/valuation/valuation.md")
	if err != nil {
		t.Fatalf("ReadResearchFile() error = %v", err)
	}
	if content == "" || meta.AgentType != "valuation" {
		t.Errorf("round trip content %q, agent type %q", content, meta.AgentType)
	}
}

func TestValuationAgentLLMFailure(t *testing.T) {
	fake := &fakeCompleter{err: errors.New("upstream unavailable")}
	agent := NewValuation(fake, newTestDB(t))

	result, err := agent.ConductResearch(context.Background(), "sess-1", "AAPL", 5, nil)
	if err != nil {
		t.Fatalf("ConductResearch() error = %v, operational failures must not escape", err)
	}
	if result.Success {
		t.Fatal("Success = true, want failed result")
	}
	if !strings.Contains(result.ErrorMessage, "upstream unavailable") {
		t.Errorf("ErrorMessage = %q, want cause preserved", result.ErrorMessage)
	}
	if !strings.Contains(result.Summary, "AAPL") {
		t.Errorf("Summary = %q, want ticker named", result.Summary)
	}
	if len(result.ResearchFilesCreated) != 0 {
		t.Errorf("ResearchFilesCreated = %v, want none on failure", result.ResearchFilesCreated)
	}
}

func TestStrategicAgentUsesValuationContext(t *testing.T) {
	fake := &fakeCompleter{}
	agent := NewStrategic(fake, newTestDB(t))

	prior := models.ResearchContext{
		models.AgentValuation: {
			ResearchFiles: []string{"AAPL/valuation/temp.md", "AAPL/valuation/valuation.md"},
			Summary:       "Valuation pegs AAPL fair value at a 10% IRR around $140 with a 4.1% starting FCF yield.",
		},
	}

	result, err := agent.ConductResearch(context.Background(), "sess-1", "AAPL", 5, prior)
	if err != nil {
		t.Fatalf("ConductResearch() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.ErrorMessage)
	}

	analysisReq := fake.request(t, 1)
	userPrompt := analysisReq.Messages[1].Content
	if !strings.Contains(userPrompt, "fair value at a 10% IRR") {
		t.Errorf("analysis prompt missing valuation summary")
	}
	if len(result.CrossReferences) != 1 || result.CrossReferences[0] != "AAPL/valuation/valuation.md" {
		t.Errorf("CrossReferences = %v, want the valuation analysis file", result.CrossReferences)
	}
}

func TestStrategicAgentWithoutPriorContext(t *testing.T) {
	fake := &fakeCompleter{}
	agent := NewStrategic(fake, newTestDB(t))

	result, err := agent.ConductResearch(context.Background(), "sess-1", "AAPL", 5, nil)
	if err != nil {
		t.Fatalf("ConductResearch() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.ErrorMessage)
	}
	if !strings.Contains(fake.request(t, 1).Messages[1].Content, "No valuation context provided.") {
		t.Errorf("analysis prompt missing the no-context placeholder")
	}
	if len(result.CrossReferences) != 0 {
		t.Errorf("CrossReferences = %v, want none without predecessors", result.CrossReferences)
	}
}

func TestHistorianWritesHistoricalPaths(t *testing.T) {
	fake := &fakeCompleter{}
	agent := NewHistorian(fake, newTestDB(t))

	result, err := agent.ConductResearch(context.Background(), "sess-1", "AAPL", 5, nil)
	if err != nil {
		t.Fatalf("ConductResearch() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.ErrorMessage)
	}
	want := []string{"AAPL/historical/temp_history.md", "AAPL/historical/company_history.md"}
	if len(result.ResearchFilesCreated) != 2 || result.ResearchFilesCreated[0] != want[0] || result.ResearchFilesCreated[1] != want[1] {
		t.Errorf("ResearchFilesCreated = %v, want %v", result.ResearchFilesCreated, want)
	}
}

func TestSynthesisReadsPredecessorFiles(t *testing.T) {
	fake := &fakeCompleter{}
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentValuation, "valuation.md", "FCF yield 4.1% at current price."); err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}

	agent := NewSynthesis(fake, db)
	prior := models.ResearchContext{
		models.AgentValuation: {
			ResearchFiles: []string{"AAPL/valuation/valuation.md"},
			Summary:       "Valuation summary from the handoff chain.",
		},
	}

	result, err := agent.ConductResearch(ctx, "sess-1", "AAPL", 5, prior)
	if err != nil {
		t.Fatalf("ConductResearch() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.ErrorMessage)
	}
	if len(result.ResearchFilesCreated) != 1 || result.ResearchFilesCreated[0] != "AAPL/synthesis/investment_report.md" {
		t.Errorf("ResearchFilesCreated = %v, want the investment report", result.ResearchFilesCreated)
	}

	prompt := fake.request(t, 0).Messages[1].Content
	if !strings.Contains(prompt, "FCF yield 4.1% at current price.") {
		t.Errorf("synthesis prompt missing predecessor file body")
	}
	if !strings.Contains(prompt, "Valuation summary from the handoff chain.") {
		t.Errorf("synthesis prompt missing handoff summary")
	}
}

func TestDepthFor(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{1, "Foundational"},
		{2, "Foundational"},
		{3, "Educational"},
		{5, "Intermediate"},
		{7, "Advanced"},
		{9, "Executive"},
		{10, "Executive"},
	}
	for _, tt := range tests {
		if got := depthFor(tt.level).Name; got != tt.want {
			t.Errorf("depthFor(%d) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestRenderPriorOrdering(t *testing.T) {
	prior := models.ResearchContext{
		models.AgentStrategic: {Summary: "strategic summary"},
		models.AgentValuation: {Summary: "valuation summary"},
	}
	rendered := renderPrior(prior)
	valIdx := strings.Index(rendered, "VALUATION")
	stratIdx := strings.Index(rendered, "STRATEGIC")
	if valIdx == -1 || stratIdx == -1 || valIdx > stratIdx {
		t.Errorf("renderPrior ordering wrong: %q", rendered)
	}

	if got := renderPrior(nil); !strings.Contains(got, "No prior research context") {
		t.Errorf("renderPrior(nil) = %q, want placeholder", got)
	}
}

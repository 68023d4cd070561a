package researchdb

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stockscope/stockscope/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.CreateSessionStructure(context.Background(), "sess-1", "AAPL"); err != nil {
		t.Fatalf("CreateSessionStructure() error = %v", err)
	}
	return s
}

func TestCreateSessionStructure(t *testing.T) {
	s := newTestStore(t)

	for _, dir := range []string{"valuation", "strategic", "historical", "synthesis", "meta"} {
		p := filepath.Join(s.base, "sessions", "sess-1", "AAPL", dir)
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s missing: %v", dir, err)
		}
	}
	for _, name := range []string{fileIndexName, crossRefsName, activityName} {
		if _, err := os.Stat(s.metaPath("sess-1", "AAPL", name)); err != nil {
			t.Errorf("meta file %s missing: %v", name, err)
		}
	}

	var activity activityIndex
	if err := readYAML(s.metaPath("sess-1", "AAPL", activityName), &activity); err != nil {
		t.Fatalf("readYAML(agent_activity) error = %v", err)
	}
	for _, agent := range models.AgentOrder() {
		rec, ok := activity.Agents[string(agent)]
		if !ok {
			t.Errorf("agent %s missing from activity index", agent)
			continue
		}
		if rec.Status != "pending" {
			t.Errorf("agent %s status = %q, want pending", agent, rec.Status)
		}
	}
}

func TestWriteAndReadResearchFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rel, err := s.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentValuation, "valuation.md", "# AAPL Valuation\n\nFCF yield 4.2%.")
	if err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}
	if rel != "AAPL/valuation/valuation.md" {
		t.Errorf("relative path = %q, want AAPL/valuation/valuation.md", rel)
	}

	content, meta, err := s.ReadResearchFile(ctx, "sess-1", rel)
	if err != nil {
		t.Fatalf("ReadResearchFile() error = %v", err)
	}
	if !strings.HasPrefix(content, "# AAPL Valuation") {
		t.Errorf("content = %q, want body without front matter", content)
	}
	if strings.Contains(content, "---") {
		t.Errorf("content still contains front matter: %q", content)
	}
	if meta.SessionID != "sess-1" || meta.Ticker != "AAPL" || meta.AgentType != "valuation" || meta.Version != 1 {
		t.Errorf("metadata = %+v, want session/ticker/agent_type/version populated", meta)
	}

	// The write must land in the file index.
	var idx fileIndex
	if err := readYAML(s.metaPath("sess-1", "AAPL", fileIndexName), &idx); err != nil {
		t.Fatalf("readYAML(file_index) error = %v", err)
	}
	if _, ok := idx.Files[rel]; !ok {
		t.Errorf("file index missing entry for %s", rel)
	}

	// And flip the agent's activity to active.
	var activity activityIndex
	if err := readYAML(s.metaPath("sess-1", "AAPL", activityName), &activity); err != nil {
		t.Fatalf("readYAML(agent_activity) error = %v", err)
	}
	if got := activity.Agents["valuation"].Status; got != "active" {
		t.Errorf("valuation activity status = %q, want active", got)
	}
}

func TestHistorianWritesToHistoricalDir(t *testing.T) {
	s := newTestStore(t)

	rel, err := s.WriteResearchFile(context.Background(), "sess-1", "AAPL", models.AgentHistorian, "company_history.md", "History body.")
	if err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}
	if rel != "AAPL/historical/company_history.md" {
		t.Errorf("relative path = %q, want AAPL/historical/company_history.md", rel)
	}
}

func TestWriteResearchFileRejectsBadFilenames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []string{"", "../escape.md", "nested/file.md", ".hidden.md", "binary.exe"}
	for _, name := range tests {
		if _, err := s.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentValuation, name, "x"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("WriteResearchFile(%q) error = %v, want ErrInvalidPath", name, err)
		}
	}
}

func TestReadResearchFilePathValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []string{"../../etc/passwd", "/etc/passwd", "AAPL/valuation/../../secret.md", "AAPL/valuation/tool.exe"}
	for _, rel := range tests {
		if _, _, err := s.ReadResearchFile(ctx, "sess-1", rel); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ReadResearchFile(%q) error = %v, want ErrInvalidPath", rel, err)
		}
	}
}

func TestReadResearchFileNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.ReadResearchFile(context.Background(), "sess-1", "AAPL/valuation/missing.md")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadResearchFile() error = %v, want fs.ErrNotExist", err)
	}
}

func TestReadResearchFileWithoutFrontMatter(t *testing.T) {
	s := newTestStore(t)

	raw := filepath.Join(s.base, "sessions", "sess-1", "AAPL", "valuation", "raw.md")
	if err := os.WriteFile(raw, []byte("plain body, no header"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	content, meta, err := s.ReadResearchFile(context.Background(), "sess-1", "AAPL/valuation/raw.md")
	if err != nil {
		t.Fatalf("ReadResearchFile() error = %v", err)
	}
	if content != "plain body, no header" {
		t.Errorf("content = %q, want raw body", content)
	}
	if meta.SessionID != "" {
		t.Errorf("metadata = %+v, want zero value", meta)
	}
}

func TestListSessionFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentValuation, "temp.md", "research notes"); err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}
	if _, err := s.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentStrategic, "strategic_analysis.md", "moat analysis"); err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}

	files, err := s.ListSessionFiles(ctx, "sess-1", "AAPL")
	if err != nil {
		t.Fatalf("ListSessionFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListSessionFiles() = %d files, want 2", len(files))
	}
	for _, f := range files {
		if f.SizeBytes == 0 {
			t.Errorf("file %s has zero size", f.Path)
		}
	}
	if files[0].AgentType != "strategic" || files[1].AgentType != "valuation" {
		t.Errorf("agent types = [%s %s], want [strategic valuation] (sorted by path)", files[0].AgentType, files[1].AgentType)
	}
}

func TestListSessionFilesUnknownSession(t *testing.T) {
	s := New(t.TempDir())
	files, err := s.ListSessionFiles(context.Background(), "ghost", "AAPL")
	if err != nil {
		t.Fatalf("ListSessionFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ListSessionFiles() = %d files, want 0", len(files))
	}
}

func TestGetAgentContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentValuation, "valuation.md", "valuation body"); err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}
	if _, err := s.WriteResearchFile(ctx, "sess-1", "AAPL", models.AgentStrategic, "strategic_analysis.md", "strategic body"); err != nil {
		t.Fatalf("WriteResearchFile() error = %v", err)
	}

	// The first agent has no dependencies.
	valCtx, err := s.GetAgentContext(ctx, "sess-1", "AAPL", models.AgentValuation)
	if err != nil {
		t.Fatalf("GetAgentContext(valuation) error = %v", err)
	}
	if len(valCtx.PreviousResearch) != 0 {
		t.Errorf("valuation sees %d predecessors, want 0", len(valCtx.PreviousResearch))
	}

	// The strategic agent reads valuation only.
	stratCtx, err := s.GetAgentContext(ctx, "sess-1", "AAPL", models.AgentStrategic)
	if err != nil {
		t.Fatalf("GetAgentContext(strategic) error = %v", err)
	}
	if _, ok := stratCtx.PreviousResearch[models.AgentValuation]; !ok {
		t.Errorf("strategic context missing valuation research")
	}
	if _, ok := stratCtx.PreviousResearch[models.AgentStrategic]; ok {
		t.Errorf("strategic context must not include its own research")
	}

	// The synthesis agent reads everything written so far.
	synCtx, err := s.GetAgentContext(ctx, "sess-1", "AAPL", models.AgentSynthesis)
	if err != nil {
		t.Fatalf("GetAgentContext(synthesis) error = %v", err)
	}
	if len(synCtx.PreviousResearch) != 2 {
		t.Errorf("synthesis sees %d predecessors, want 2", len(synCtx.PreviousResearch))
	}
	valFiles := synCtx.PreviousResearch[models.AgentValuation]
	if len(valFiles) != 1 || valFiles[0].Content != "valuation body" {
		t.Errorf("synthesis valuation files = %+v, want one file with body", valFiles)
	}
}

func TestAddCrossReference(t *testing.T) {
	s := newTestStore(t)

	err := s.AddCrossReference(context.Background(), "sess-1", "AAPL",
		"AAPL/valuation/valuation.md", "AAPL/strategic/strategic_analysis.md", "valuation informs moat durability")
	if err != nil {
		t.Fatalf("AddCrossReference() error = %v", err)
	}

	var refs crossRefIndex
	if err := readYAML(s.metaPath("sess-1", "AAPL", crossRefsName), &refs); err != nil {
		t.Fatalf("readYAML(cross_references) error = %v", err)
	}
	if len(refs.References) != 1 {
		t.Fatalf("references = %d, want 1", len(refs.References))
	}
	if refs.References[0].Relationship != "valuation informs moat durability" {
		t.Errorf("relationship = %q", refs.References[0].Relationship)
	}
}

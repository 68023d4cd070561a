package researchdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/stockscope/stockscope/pkg/models"
)

// maxFileSize caps how much of a research file a single read will accept.
const maxFileSize = 10 << 20

const (
	fileIndexName  = "file_index.yaml"
	crossRefsName  = "cross_references.yaml"
	activityName   = "agent_activity.yaml"
	frontMatterSep = "---\n"
)

// ErrInvalidPath rejects research file paths that escape the session tree
// or carry a disallowed extension.
var ErrInvalidPath = errors.New("invalid research file path")

// ErrFileTooLarge rejects reads of files above maxFileSize.
var ErrFileTooLarge = errors.New("research file exceeds size limit")

var agentDirs = []string{"valuation", "strategic", "historical", "synthesis", "meta"}

var allowedExtensions = map[string]bool{
	".md":   true,
	".txt":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
}

// AgentDir maps a pipeline agent to its directory name. The historian's
// output lives under "historical".
func AgentDir(agent models.AgentName) string {
	if agent == models.AgentHistorian {
		return "historical"
	}
	return string(agent)
}

// Store is the file-backed research database. All research for a session
// lives under sessions/{session_id}/{ticker}/{agent_type}/ and every file
// carries a YAML front-matter header. Paths returned to callers are always
// relative to the session directory ("{ticker}/{agent_type}/{filename}").
type Store struct {
	base string
}

func New(basePath string) *Store {
	return &Store{base: basePath}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.base, "sessions", sessionID)
}

func (s *Store) metaPath(sessionID, ticker, name string) string {
	return filepath.Join(s.sessionDir(sessionID), ticker, "meta", name)
}

// ── Session structure ────────────────────────────────────────

type fileIndexEntry struct {
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type fileIndex struct {
	SessionID string                    `yaml:"session_id"`
	Ticker    string                    `yaml:"ticker"`
	CreatedAt time.Time                 `yaml:"created_at"`
	Files     map[string]fileIndexEntry `yaml:"files"`
}

type crossRefIndex struct {
	SessionID  string                  `yaml:"session_id"`
	Ticker     string                  `yaml:"ticker"`
	References []models.CrossReference `yaml:"references"`
}

type activityFile struct {
	Filename  string    `yaml:"filename"`
	CreatedAt time.Time `yaml:"created_at"`
}

type activityRecord struct {
	Status string         `yaml:"status"`
	Files  []activityFile `yaml:"files"`
}

type activityIndex struct {
	SessionID string                    `yaml:"session_id"`
	Ticker    string                    `yaml:"ticker"`
	Agents    map[string]activityRecord `yaml:"agents"`
}

// CreateSessionStructure lays out the per-session directory tree and seeds
// the meta index files.
func (s *Store) CreateSessionStructure(_ context.Context, sessionID, ticker string) error {
	tickerDir := filepath.Join(s.sessionDir(sessionID), ticker)
	for _, dir := range agentDirs {
		if err := os.MkdirAll(filepath.Join(tickerDir, dir), 0o755); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}

	now := time.Now().UTC()

	idx := fileIndex{
		SessionID: sessionID,
		Ticker:    ticker,
		CreatedAt: now,
		Files:     map[string]fileIndexEntry{},
	}
	if err := writeYAML(s.metaPath(sessionID, ticker, fileIndexName), idx); err != nil {
		return err
	}

	refs := crossRefIndex{
		SessionID:  sessionID,
		Ticker:     ticker,
		References: []models.CrossReference{},
	}
	if err := writeYAML(s.metaPath(sessionID, ticker, crossRefsName), refs); err != nil {
		return err
	}

	activity := activityIndex{
		SessionID: sessionID,
		Ticker:    ticker,
		Agents:    map[string]activityRecord{},
	}
	for _, agent := range models.AgentOrder() {
		activity.Agents[string(agent)] = activityRecord{Status: "pending", Files: []activityFile{}}
	}
	if err := writeYAML(s.metaPath(sessionID, ticker, activityName), activity); err != nil {
		return err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Msg("Created session directory structure")
	return nil
}

// ── Research files ───────────────────────────────────────────

// WriteResearchFile writes content with a YAML front-matter header into the
// agent's directory and updates the session's file index and activity log.
// Returns the session-relative path to thread through handoffs.
func (s *Store) WriteResearchFile(_ context.Context, sessionID, ticker string, agent models.AgentName, filename, content string) (string, error) {
	if filename == "" || filename != path.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filename)
	}
	if !allowedExtensions[strings.ToLower(path.Ext(filename))] {
		return "", fmt.Errorf("%w: extension not allowed: %q", ErrInvalidPath, filename)
	}

	dir := AgentDir(agent)
	meta := models.ResearchFileMeta{
		SessionID: sessionID,
		Ticker:    ticker,
		AgentType: dir,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	header, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal file metadata: %w", err)
	}

	agentDir := filepath.Join(s.sessionDir(sessionID), ticker, dir)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return "", fmt.Errorf("create agent directory: %w", err)
	}

	full := frontMatterSep + string(header) + frontMatterSep + "\n" + content
	if err := os.WriteFile(filepath.Join(agentDir, filename), []byte(full), 0o644); err != nil {
		return "", fmt.Errorf("write research file: %w", err)
	}

	rel := path.Join(ticker, dir, filename)
	s.updateFileIndex(sessionID, ticker, rel)
	s.updateAgentActivity(sessionID, ticker, agent, filename)

	log.Info().
		Str("session_id", sessionID).
		Str("agent", string(agent)).
		Str("path", rel).
		Msg("Wrote research file")
	return rel, nil
}

// ReadResearchFile reads a research file by its session-relative path and
// splits the YAML front matter from the body. Files without a front-matter
// header are returned raw with zero metadata.
func (s *Store) ReadResearchFile(_ context.Context, sessionID, relPath string) (string, models.ResearchFileMeta, error) {
	var meta models.ResearchFileMeta
	if err := validateRelPath(relPath); err != nil {
		return "", meta, err
	}

	full := filepath.Join(s.sessionDir(sessionID), filepath.FromSlash(relPath))
	info, err := os.Stat(full)
	if err != nil {
		return "", meta, fmt.Errorf("research file %s: %w", relPath, err)
	}
	if info.Size() > maxFileSize {
		return "", meta, fmt.Errorf("research file %s: %w", relPath, ErrFileTooLarge)
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		return "", meta, fmt.Errorf("read research file %s: %w", relPath, err)
	}

	content := string(raw)
	if strings.HasPrefix(content, frontMatterSep) {
		parts := strings.SplitN(content, frontMatterSep, 3)
		if len(parts) == 3 {
			if err := yaml.Unmarshal([]byte(parts[1]), &meta); err == nil {
				return strings.TrimSpace(parts[2]), meta, nil
			}
		}
	}
	return strings.TrimSpace(content), models.ResearchFileMeta{}, nil
}

// ListSessionFiles returns every indexed research file with its size and
// timestamps. Files listed in the index but missing on disk are skipped.
func (s *Store) ListSessionFiles(ctx context.Context, sessionID, ticker string) ([]models.SessionFile, error) {
	var idx fileIndex
	if err := readYAML(s.metaPath(sessionID, ticker, fileIndexName), &idx); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	rels := make([]string, 0, len(idx.Files))
	for rel := range idx.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	results := make([]*models.SessionFile, len(rels))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, rel := range rels {
		i, rel := i, rel
		g.Go(func() error {
			info, err := os.Stat(filepath.Join(s.sessionDir(sessionID), filepath.FromSlash(rel)))
			if err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("Indexed research file missing on disk")
				return nil
			}
			entry := idx.Files[rel]
			results[i] = &models.SessionFile{
				Path:      rel,
				AgentType: agentTypeOf(rel),
				SizeBytes: info.Size(),
				CreatedAt: entry.CreatedAt,
				UpdatedAt: entry.UpdatedAt,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make([]models.SessionFile, 0, len(results))
	for _, f := range results {
		if f != nil {
			files = append(files, *f)
		}
	}
	return files, nil
}

// ── Agent context ────────────────────────────────────────────

// FileContext is one research file's body plus its front-matter metadata.
type FileContext struct {
	Path     string                  `json:"path"`
	Content  string                  `json:"content"`
	Metadata models.ResearchFileMeta `json:"metadata"`
}

// AgentContext is the file-level research visible to one agent: the full
// markdown bodies of every agent it is allowed to read.
type AgentContext struct {
	SessionID        string                             `json:"session_id"`
	Ticker           string                             `json:"ticker"`
	RequestingAgent  models.AgentName                   `json:"requesting_agent"`
	PreviousResearch map[models.AgentName][]FileContext `json:"previous_research"`
}

// agentDependencies returns which earlier agents the given agent may read.
func agentDependencies(agent models.AgentName) []models.AgentName {
	switch agent {
	case models.AgentStrategic:
		return []models.AgentName{models.AgentValuation}
	case models.AgentHistorian:
		return []models.AgentName{models.AgentValuation, models.AgentStrategic}
	case models.AgentSynthesis:
		return []models.AgentName{models.AgentValuation, models.AgentStrategic, models.AgentHistorian}
	default:
		return nil
	}
}

// GetAgentContext reads the markdown output of every agent the requesting
// agent depends on. Unreadable files are logged and skipped rather than
// failing the whole context build.
func (s *Store) GetAgentContext(ctx context.Context, sessionID, ticker string, agent models.AgentName) (*AgentContext, error) {
	out := &AgentContext{
		SessionID:        sessionID,
		Ticker:           ticker,
		RequestingAgent:  agent,
		PreviousResearch: map[models.AgentName][]FileContext{},
	}

	for _, dep := range agentDependencies(agent) {
		dir := filepath.Join(s.sessionDir(sessionID), ticker, AgentDir(dep))
		matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
		if err != nil {
			return nil, fmt.Errorf("scan %s research: %w", dep, err)
		}
		sort.Strings(matches)

		var files []FileContext
		for _, match := range matches {
			rel := path.Join(ticker, AgentDir(dep), filepath.Base(match))
			content, meta, err := s.ReadResearchFile(ctx, sessionID, rel)
			if err != nil {
				log.Warn().Err(err).Str("path", rel).Msg("Skipping unreadable research file")
				continue
			}
			files = append(files, FileContext{Path: rel, Content: content, Metadata: meta})
		}
		if files != nil {
			out.PreviousResearch[dep] = files
		}
	}
	return out, nil
}

// ── Cross references ─────────────────────────────────────────

// AddCrossReference links two research files in the session's meta index.
func (s *Store) AddCrossReference(_ context.Context, sessionID, ticker, sourceFile, targetFile, relationship string) error {
	refPath := s.metaPath(sessionID, ticker, crossRefsName)
	var refs crossRefIndex
	if err := readYAML(refPath, &refs); err != nil {
		return fmt.Errorf("read cross references: %w", err)
	}
	refs.References = append(refs.References, models.CrossReference{
		SourceFile:   sourceFile,
		TargetFile:   targetFile,
		Relationship: relationship,
		CreatedAt:    time.Now().UTC(),
	})
	return writeYAML(refPath, refs)
}

// ── Index maintenance ────────────────────────────────────────

// Index updates are best-effort: the research file itself is the source of
// truth, the indexes are advisory.
func (s *Store) updateFileIndex(sessionID, ticker, rel string) {
	idxPath := s.metaPath(sessionID, ticker, fileIndexName)
	var idx fileIndex
	if err := readYAML(idxPath, &idx); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("File index unavailable")
		return
	}
	if idx.Files == nil {
		idx.Files = map[string]fileIndexEntry{}
	}
	now := time.Now().UTC()
	entry, exists := idx.Files[rel]
	if !exists {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	idx.Files[rel] = entry
	if err := writeYAML(idxPath, idx); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("File index update failed")
	}
}

func (s *Store) updateAgentActivity(sessionID, ticker string, agent models.AgentName, filename string) {
	actPath := s.metaPath(sessionID, ticker, activityName)
	var activity activityIndex
	if err := readYAML(actPath, &activity); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Agent activity index unavailable")
		return
	}
	if activity.Agents == nil {
		activity.Agents = map[string]activityRecord{}
	}
	record := activity.Agents[string(agent)]
	record.Status = "active"
	record.Files = append(record.Files, activityFile{Filename: filename, CreatedAt: time.Now().UTC()})
	activity.Agents[string(agent)] = record
	if err := writeYAML(actPath, activity); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Agent activity update failed")
	}
}

// ── Helpers ──────────────────────────────────────────────────

func validateRelPath(rel string) error {
	if rel == "" || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	// Checked before any cleaning so "a/../../b" cannot sneak through.
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, rel)
		}
	}
	if !allowedExtensions[strings.ToLower(path.Ext(rel))] {
		return fmt.Errorf("%w: extension not allowed: %q", ErrInvalidPath, rel)
	}
	return nil
}

func agentTypeOf(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func writeYAML(filePath string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(filePath), err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(filePath), err)
	}
	return nil
}

func readYAML(filePath string, v any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(filePath), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(filePath), err)
	}
	return nil
}

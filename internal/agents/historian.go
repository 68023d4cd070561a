package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/pkg/models"
)

const historianResearchPrompt = `You are a corporate historian gathering the history of %s.

## PRIORITY HISTORICAL DATA TO EXTRACT
1. Founding story and early pivots
2. Major milestones by decade through to the present
3. CEO succession history and management stability
4. Crisis track record: 2008, 2020 and industry-specific shocks
5. Capital allocation history: acquisitions, buybacks, dividends

## OUTPUT FORMAT
Concise markdown, chronological, with an inline citation after each event
in the form [Source: document, date]. Only documented events.

Analysis depth: %s level.`

const historianAnalysisPrompt = `Use the historical research below to analyze the track record of %s.

## HISTORICAL RESEARCH DATA
%s

## PRIOR PIPELINE CONTEXT
%s

## YOUR TASK
Identify the durable behavioral patterns: how management allocated capital
across cycles, how the company navigated each crisis, and whether the
historical record supports the moat and growth assumptions made by the
earlier analyses.

## OUTPUT FORMAT (markdown)
# %s Company History
Sections: Executive Summary, Founding and Early Years, Milestones Timeline,
Leadership Evolution, Crisis Management Track Record, Capital Allocation
Patterns, Historical Verdict on Current Assumptions, Data Sources.

Report complexity: %s.`

// HistorianAgent mines the company's past for patterns that confirm or
// contradict the forward-looking assumptions of the earlier agents. Its
// output lands in the "historical" directory.
type HistorianAgent struct {
	base
}

func NewHistorian(client Completer, db *researchdb.Store) *HistorianAgent {
	return &HistorianAgent{base{name: models.AgentHistorian, llm: client, db: db}}
}

func (a *HistorianAgent) ConductResearch(ctx context.Context, sessionID, ticker string, expertiseLevel int, prior models.ResearchContext) (*models.AgentResult, error) {
	start := time.Now()
	depth := depthFor(expertiseLevel)
	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Int("expertise_level", expertiseLevel).
		Msg("Starting historical analysis")

	research, researchTokens, err := a.complete(ctx, a.llm.ResearchModel(),
		"You are a corporate historian. Gather documented company history with citations.",
		fmt.Sprintf(historianResearchPrompt, ticker, depth.Name))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("research phase: %w", err)), nil
	}

	analysis, analysisTokens, err := a.complete(ctx, a.llm.Model(),
		"You are a pattern-focused historian. Judge the present against the documented past.",
		fmt.Sprintf(historianAnalysisPrompt, ticker, research, renderPrior(prior), ticker, depth.Detail))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("analysis phase: %w", err)), nil
	}

	files, err := a.writeFiles(ctx, sessionID, ticker, []artifact{
		{filename: "temp_history.md", content: research},
		{filename: "company_history.md", content: analysis},
	})
	if err != nil {
		return a.errorResult(ticker, start, err), nil
	}

	var crossRefs []string
	for _, dep := range []models.AgentName{models.AgentValuation, models.AgentStrategic} {
		ref := analysisFile(prior, dep)
		if ref == "" {
			continue
		}
		if err := a.db.AddCrossReference(ctx, sessionID, ticker, ref, files[len(files)-1], "historical record tested against "+string(dep)+" assumptions"); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Cross reference not recorded")
			continue
		}
		crossRefs = append(crossRefs, ref)
	}

	elapsed := time.Since(start).Seconds()
	summary := fmt.Sprintf(
		"Historical analysis complete for %s. The research phase documented %d characters of company history and the pattern analysis tested management's track record against the pipeline's assumptions (%d characters). Files: temp_history.md (research), company_history.md (analysis). Completed in %.1fs.",
		ticker, len(research), len(analysis), elapsed)

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Float64("seconds", elapsed).
		Msg("Historical analysis complete")

	return &models.AgentResult{
		AgentName:            a.name,
		Success:              true,
		ResearchFilesCreated: files,
		Summary:              summary,
		TokenUsage:           researchTokens + analysisTokens,
		ExecutionTimeSeconds: elapsed,
		ConfidenceScore:      0.8,
		CrossReferences:      crossRefs,
	}, nil
}

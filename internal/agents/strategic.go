package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/pkg/models"
)

const strategicResearchPrompt = `You are a strategic research analyst gathering competitive data on %s.

## PRIORITY DATA TO EXTRACT
1. Competitive positioning: market share, competitive advantages, moats
2. Industry structure and the main competitors with their relative scale
3. Strategic risks: regulatory, technological and competitive threats
4. Management strategy from recent filings and earnings calls

## OUTPUT FORMAT
Concise markdown with an inline citation after each claim in the form
[Source: document, date]. No generic statements. Only specific, sourced
insights about competitive positioning.

Analysis depth: %s level.`

const strategicAnalysisPrompt = `Use the competitive research below to create a strategic analysis of %s.

## COMPETITIVE RESEARCH DATA
%s

## VALUATION CONTEXT
%s

## YOUR TASK
Assess moat durability across network effects and switching costs, scale
advantages and cost position, brand strength and customer loyalty. Weigh
the strategic risks against the valuation assumptions above and conclude
whether the competitive position supports the projected FCF growth.

## OUTPUT FORMAT (markdown)
# %s Strategic Analysis
Sections: Executive Summary, Competitive Moat Analysis, Industry Position,
Strategic Risks, Long-Term Competitive Outlook, Verdict vs Valuation
Assumptions, Data Sources.

Report complexity: %s.`

// StrategicAgent analyzes competitive position and moat durability. It
// reads the valuation agent's summary so its verdict is framed against the
// valuation's growth assumptions.
type StrategicAgent struct {
	base
}

func NewStrategic(client Completer, db *researchdb.Store) *StrategicAgent {
	return &StrategicAgent{base{name: models.AgentStrategic, llm: client, db: db}}
}

func (a *StrategicAgent) ConductResearch(ctx context.Context, sessionID, ticker string, expertiseLevel int, prior models.ResearchContext) (*models.AgentResult, error) {
	start := time.Now()
	depth := depthFor(expertiseLevel)
	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Int("expertise_level", expertiseLevel).
		Msg("Starting strategic analysis")

	research, researchTokens, err := a.complete(ctx, a.llm.ResearchModel(),
		"You are a strategic research analyst. Gather competitive and market data with citations.",
		fmt.Sprintf(strategicResearchPrompt, ticker, depth.Name))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("research phase: %w", err)), nil
	}

	valuationSummary := "No valuation context provided."
	if pr, ok := prior[models.AgentValuation]; ok {
		valuationSummary = pr.Summary
	}

	analysis, analysisTokens, err := a.complete(ctx, a.llm.Model(),
		"You are a strategic analyst focused on moat durability. Cite sources from the research.",
		fmt.Sprintf(strategicAnalysisPrompt, ticker, research, valuationSummary, ticker, depth.Detail))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("analysis phase: %w", err)), nil
	}

	files, err := a.writeFiles(ctx, sessionID, ticker, []artifact{
		{filename: "temp_competition.md", content: research},
		{filename: "strategic_analysis.md", content: analysis},
	})
	if err != nil {
		return a.errorResult(ticker, start, err), nil
	}

	var crossRefs []string
	if ref := analysisFile(prior, models.AgentValuation); ref != "" {
		if err := a.db.AddCrossReference(ctx, sessionID, ticker, ref, files[len(files)-1], "strategic analysis builds on valuation assumptions"); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Cross reference not recorded")
		} else {
			crossRefs = append(crossRefs, ref)
		}
	}

	elapsed := time.Since(start).Seconds()
	summary := fmt.Sprintf(
		"Strategic analysis complete for %s. Competitive research gathered %d characters of sourced market data and the moat assessment weighed durability against the valuation's growth assumptions (%d characters). Files: temp_competition.md (research), strategic_analysis.md (analysis). Completed in %.1fs.",
		ticker, len(research), len(analysis), elapsed)

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Float64("seconds", elapsed).
		Msg("Strategic analysis complete")

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

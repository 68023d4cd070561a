package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/pkg/models"
)

const valuationResearchPrompt = `You are an equity research assistant gathering data on %s.

## PRIORITY DATA TO EXTRACT
1. Most recent annual report and latest quarterly figures
2. Revenue, cash flow from operations, capex, free cash flow, diluted shares outstanding
3. Current stock price with the date of the quote
4. Net share change: buybacks vs dilution
5. Balance sheet: net debt or net cash position

## OUTPUT FORMAT
Concise markdown. Bullet lists per metric with actual numbers and an inline
citation after each figure in the form [Source: document, date]. Focus on
FCF per share and its trend over the last 3-5 years. If sources disagree,
say so and explain.

Analysis depth: %s level. No placeholders. Only figures you can cite.`

const valuationAnalysisPrompt = `Compute an owner-returns valuation for %s from the research below.

## METHODOLOGY
Total IRR = starting FCF yield + FCF per-share growth + multiple reversion - dilution.
Starting yield = current FCF per share / current price.
Multiple reversion = (terminal multiple / current multiple)^(1/10) - 1, with a
conservative terminal multiple of 10-15x FCF for quality businesses.
Price ladder: Buffett floor at 10x pre-tax earnings, then the prices that
solve for a 10%% and a 15%% annual return.
Stress tests: growth cut by 250bp, terminal multiple cut by 3 turns, and the
combined case.

## RESEARCH DATA
%s

## OUTPUT FORMAT (markdown)
# %s Owner-Returns Valuation
Sections: Executive Summary (price, FCF/share, FCF yield, recommendation,
target IRR), IRR Decomposition, Price Ladder, Stress Testing, Must-Be-True
KPIs, Investment Thesis, Key Risks, Data Sources.

Report complexity: %s. Be conservative and show every calculation with the
actual numbers from the research data.`

// ValuationAgent runs the owner-returns analysis that anchors the pipeline.
// Phase one gathers sourced financial data, phase two computes the
// valuation from it.
type ValuationAgent struct {
	base
}

func NewValuation(client Completer, db *researchdb.Store) *ValuationAgent {
	return &ValuationAgent{base{name: models.AgentValuation, llm: client, db: db}}
}

func (a *ValuationAgent) ConductResearch(ctx context.Context, sessionID, ticker string, expertiseLevel int, prior models.ResearchContext) (*models.AgentResult, error) {
	start := time.Now()
	depth := depthFor(expertiseLevel)
	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Int("expertise_level", expertiseLevel).
		Msg("Starting owner-returns valuation")

	research, researchTokens, err := a.complete(ctx, a.llm.ResearchModel(),
		"You are a financial data researcher. Prefer primary sources and cite every figure.",
		fmt.Sprintf(valuationResearchPrompt, ticker, depth.Name))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("research phase: %w", err)), nil
	}

	analysis, analysisTokens, err := a.complete(ctx, a.llm.Model(),
		"You are a valuation expert. Be conservative, show the math step by step, cite sources.",
		fmt.Sprintf(valuationAnalysisPrompt, ticker, research, ticker, depth.Detail))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("valuation phase: %w", err)), nil
	}

	files, err := a.writeFiles(ctx, sessionID, ticker, []artifact{
		{filename: "temp.md", content: research},
		{filename: "valuation.md", content: analysis},
	})
	if err != nil {
		return a.errorResult(ticker, start, err), nil
	}

	elapsed := time.Since(start).Seconds()
	summary := fmt.Sprintf(
		"Owner-returns valuation complete for %s. The research phase gathered %d characters of sourced financial data and the valuation phase produced an IRR decomposition with price ladder and stress tests (%d characters). Files: temp.md (raw research), valuation.md (analysis). Completed in %.1fs.",
		ticker, len(research), len(analysis), elapsed)

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Float64("seconds", elapsed).
		Msg("Owner-returns valuation complete")

	return &models.AgentResult{
		AgentName:            a.name,
		Success:              true,
		ResearchFilesCreated: files,
		Summary:              summary,
		TokenUsage:           researchTokens + analysisTokens,
		ExecutionTimeSeconds: elapsed,
		ConfidenceScore:      0.8,
	}, nil
}

package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/pkg/models"
)

// fileExcerptLimit bounds how much of each predecessor file goes into the
// synthesis prompt.
const fileExcerptLimit = 12000

const synthesisPrompt = `Write the final investment report for %s by synthesizing the research below.

## PIPELINE SUMMARIES
%s

## FULL RESEARCH
%s

## YOUR TASK
Reconcile the three analyses into one coherent thesis. Where the valuation,
strategic and historical views disagree, name the disagreement and take a
position. End with a single recommendation (BUY, HOLD or AVOID), the price
levels at which that recommendation would change, and the three facts that
would most likely prove the thesis wrong.

## OUTPUT FORMAT (markdown)
# %s Investment Report
Sections: Recommendation, Thesis, What the Valuation Says, What the Moat
Analysis Says, What History Says, Where They Disagree, Price Levels,
Falsifiers, Data Sources.

Report complexity: %s.`

// SynthesisAgent closes the pipeline. Unlike the research agents it makes
// no data-gathering call of its own; it reads the full markdown output of
// all three predecessors from the research database and reconciles them
// into the final investment report.
type SynthesisAgent struct {
	base
}

func NewSynthesis(client Completer, db *researchdb.Store) *SynthesisAgent {
	return &SynthesisAgent{base{name: models.AgentSynthesis, llm: client, db: db}}
}

func (a *SynthesisAgent) ConductResearch(ctx context.Context, sessionID, ticker string, expertiseLevel int, prior models.ResearchContext) (*models.AgentResult, error) {
	start := time.Now()
	depth := depthFor(expertiseLevel)
	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Int("expertise_level", expertiseLevel).
		Msg("Starting synthesis")

	fileCtx, err := a.db.GetAgentContext(ctx, sessionID, ticker, a.name)
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("load prior research: %w", err)), nil
	}

	report, tokens, err := a.complete(ctx, a.llm.Model(),
		"You are the lead analyst writing the final report. Reconcile, decide, and commit to a recommendation.",
		fmt.Sprintf(synthesisPrompt, ticker, renderPrior(prior), renderFullResearch(fileCtx), ticker, depth.Detail))
	if err != nil {
		return a.errorResult(ticker, start, fmt.Errorf("synthesis phase: %w", err)), nil
	}

	files, err := a.writeFiles(ctx, sessionID, ticker, []artifact{
		{filename: "investment_report.md", content: report},
	})
	if err != nil {
		return a.errorResult(ticker, start, err), nil
	}

	var crossRefs []string
	for _, dep := range []models.AgentName{models.AgentValuation, models.AgentStrategic, models.AgentHistorian} {
		ref := analysisFile(prior, dep)
		if ref == "" {
			continue
		}
		if err := a.db.AddCrossReference(ctx, sessionID, ticker, ref, files[0], "synthesized into final investment report"); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Cross reference not recorded")
			continue
		}
		crossRefs = append(crossRefs, ref)
	}

	elapsed := time.Since(start).Seconds()
	summary := fmt.Sprintf(
		"Synthesis complete for %s. The final investment report reconciles the valuation, strategic and historical analyses into a single recommendation with explicit price levels and falsifiers (%d characters). File: investment_report.md. Completed in %.1fs.",
		ticker, len(report), elapsed)

	log.Info().
		Str("session_id", sessionID).
		Str("ticker", ticker).
		Float64("seconds", elapsed).
		Msg("Synthesis complete")

	return &models.AgentResult{
		AgentName:            a.name,
		Success:              true,
		ResearchFilesCreated: files,
		Summary:              summary,
		TokenUsage:           tokens,
		ExecutionTimeSeconds: elapsed,
		ConfidenceScore:      0.8,
		CrossReferences:      crossRefs,
	}, nil
}

// renderFullResearch formats the predecessors' markdown bodies for the
// synthesis prompt, capped per file.
func renderFullResearch(fileCtx *researchdb.AgentContext) string {
	if fileCtx == nil || len(fileCtx.PreviousResearch) == 0 {
		return "No research files were found on disk."
	}
	var b strings.Builder
	for _, agent := range models.AgentOrder() {
		files, ok := fileCtx.PreviousResearch[agent]
		if !ok {
			continue
		}
		for _, f := range files {
			fmt.Fprintf(&b, "### %s\n%s\n\n", f.Path, truncate(f.Content, fileExcerptLimit))
		}
	}
	return strings.TrimSpace(b.String())
}

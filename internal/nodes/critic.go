package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"deepresearch/internal/core"
	"deepresearch/pkg"
)

const (
	verdictPass   = "Analysis passes automated checks"
	verdictManual = "Insufficient evidence; requires manual review"
)

// CriticTask decides whether the analysis can be finalized automatically.
type CriticTask struct{}

func NewCriticTask() *CriticTask { return &CriticTask{} }

func (t *CriticTask) ID() string { return CriticID }

func (t *CriticTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	var analysis pkg.AnalystOutput
	if _, err := wc.GetRecord(KeyAnalysis, &analysis); err != nil {
		return core.TaskResult{}, core.Fatal("read analysis: %v", err)
	}
	factConfidence, _ := wc.GetNumber(KeyFactConfidence)
	factPassed, ok := wc.GetBool(KeyFactPassed)
	if !ok {
		factPassed = true
	}
	var verified []string
	if _, err := wc.GetRecord(KeyFactVerifiedSources, &verified); err != nil {
		return core.TaskResult{}, core.Fatal("read verified sources: %v", err)
	}

	confident := factPassed &&
		len(strings.Split(analysis.Summary, ".")) >= 2 &&
		len(analysis.Sources) > 0

	verdict := verdictManual
	label := "manual review"
	if confident {
		verdict = verdictPass
		label = "auto-approved"
	}
	wc.SetBool(KeyCritiqueConfident, confident)
	wc.SetString(KeyCritiqueVerdict, verdict)

	log.Info().Bool("confident", confident).Int("sources", len(analysis.Sources)).Float64("fact_confidence", factConfidence).Msg("critic evaluated analysis")
	core.Note(ctx, "verdict: %s (fact %.2f)", label, factConfidence)

	response := fmt.Sprintf("%s\nSummary: %s\nKey Insight: %s\nSources: %s\nFact-Check Confidence: %.2f\nVerified Sources: %s",
		verdict, analysis.Summary, analysis.Highlight, joinOrNone(analysis.Sources), factConfidence, joinOrNone(verified))
	return core.Result(response, core.Continue()), nil
}

// Confident is the predicate guarding the critic -> finalize edge.
func Confident(wc *core.WorkflowContext) bool {
	v, _ := wc.GetBool(KeyCritiqueConfident)
	return v
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

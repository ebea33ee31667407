package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"deepresearch/internal/core"
	"deepresearch/pkg"
)

// DefaultSources are cited when research recorded no sources at all.
var DefaultSources = []string{
	"https://example.com/industry-overview",
	"https://example.com/market-trends",
}

// AnalystTask folds research findings and any computation result into a
// structured summary.
type AnalystTask struct{}

func NewAnalystTask() *AnalystTask { return &AnalystTask{} }

func (t *AnalystTask) ID() string { return AnalystID }

func (t *AnalystTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	var findings []string
	if _, err := wc.GetRecord(KeyFindings, &findings); err != nil {
		return core.TaskResult{}, core.Fatal("read findings: %v", err)
	}
	var sources []string
	found, err := wc.GetRecord(KeySources, &sources)
	if err != nil {
		return core.TaskResult{}, core.Fatal("read sources: %v", err)
	}
	if !found {
		sources = append([]string(nil), DefaultSources...)
	}

	var summary string
	if len(findings) == 0 {
		summary = "No findings available; analyst requires additional research input"
	} else {
		summary = fmt.Sprintf("Top insights: %s. Confidence supported by %d sources.",
			strings.Join(findings, "; "), len(sources))
	}
	if extra := mathSentence(wc); extra != "" {
		summary += " " + extra
	}

	out := pkg.AnalystOutput{Summary: summary, Sources: sources}
	if len(findings) > 0 {
		out.Highlight = findings[0]
	}
	if out.Sources == nil {
		out.Sources = []string{}
	}
	if err := wc.SetRecord(KeyAnalysis, out); err != nil {
		return core.TaskResult{}, core.Fatal("store analysis: %v", err)
	}

	log.Info().Str("summary", out.Summary).Str("key_insight", out.Highlight).Msg("analyst produced structured summary")
	core.Note(ctx, "highlight: %s", out.Highlight)

	return core.Result("Analyst prepared synthesis", core.Continue()), nil
}

// mathSentence summarises the computation tool outcome, if it ran.
func mathSentence(wc *core.WorkflowContext) string {
	status, ok := wc.GetString(KeyMathStatus)
	if !ok || status == string(pkg.MathSkipped) {
		return ""
	}
	if status == string(pkg.MathSuccess) {
		stdout, _ := wc.GetString(KeyMathStdout)
		line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(stdout), "\n", 2)[0])
		if line == "" {
			return "Computation completed without output."
		}
		return fmt.Sprintf("Computation result: %s.", line)
	}
	note, _ := wc.GetString(KeyMathDegradationNote)
	return note
}

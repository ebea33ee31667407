package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/core"
	"deepresearch/pkg"
)

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, ...retriever.Option) ([]*schema.Document, error) {
	return nil, errors.New("index offline")
}

func collectNotes(ctx context.Context) (context.Context, *[]string) {
	notes := &[]string{}
	return core.WithNoteSink(ctx, func(msg string) { *notes = append(*notes, msg) }), notes
}

func records(t *testing.T, wc *core.WorkflowContext, key string) []string {
	t.Helper()
	var out []string
	found, err := wc.GetRecord(key, &out)
	require.NoError(t, err)
	require.True(t, found, "missing %s", key)
	return out
}

func TestMemoryRetrieverRanksAndScopes(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRetriever(2)
	ids, err := mem.Store(ctx, []*schema.Document{
		{Content: "Supplier pricing trends for 2024", MetaData: map[string]any{MetaSource: "https://a"}},
		{Content: "Unrelated gardening notes"},
		{Content: "Supplier delivery reliability", MetaData: map[string]any{MetaSource: "https://b", MetaSession: "s1"}},
		{Content: "   "},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, mem.Len())

	docs, err := mem.Retrieve(ctx, "supplier pricing")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "https://a", DocumentSource(docs[0]))
	assert.InDelta(t, 1.0, docs[0].Score(), 1e-9)

	docs, err = mem.Retrieve(ctx, "supplier pricing", WithSession("s1"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "https://a", DocumentSource(docs[0]))
	assert.Equal(t, "https://b", DocumentSource(docs[1]))

	docs, err = mem.Retrieve(ctx, "supplier pricing", WithSession("s1"), retriever.WithTopK(1))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestResearchTaskPlaceholder(t *testing.T) {
	wc := core.NewWorkflowContext()
	wc.SetString(KeyQuery, "Compare two suppliers")
	ctx, notes := collectNotes(context.Background())

	res, err := NewResearchTask(NewMemoryRetriever(0), 0).Run(ctx, wc)
	require.NoError(t, err)
	assert.Equal(t, core.DirectiveContinue, res.Directive.Kind)
	assert.Equal(t, `Research completed for "Compare two suppliers"`, res.Output)
	assert.Equal(t, []string{placeholderInsight}, records(t, wc, KeyFindings))
	assert.Equal(t, []string{placeholderSource}, records(t, wc, KeySources))
	assert.Equal(t, []string{"captured 1 findings (1 sources)"}, *notes)
}

func TestResearchTaskRetrieverFailure(t *testing.T) {
	wc := core.NewWorkflowContext()
	res, err := NewResearchTask(failingRetriever{}, 3).Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Contains(t, res.Output, defaultQuery)
	assert.Equal(t, []string{"Unable to query memory for 'general market outlook'"}, records(t, wc, KeyFindings))
	assert.Equal(t, []string{errorSource}, records(t, wc, KeySources))
}

func TestResearchTaskUsesMemory(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRetriever(5)
	_, err := mem.Store(ctx, []*schema.Document{
		{Content: "Battery supplier margins improved", MetaData: map[string]any{MetaSource: "https://margins"}},
	})
	require.NoError(t, err)

	wc := core.NewWorkflowContext()
	wc.SetString(KeyQuery, "battery supplier")
	_, err = NewResearchTask(mem, 5).Run(ctx, wc)
	require.NoError(t, err)
	assert.Equal(t, []string{"Battery supplier margins improved"}, records(t, wc, KeyFindings))
	assert.Equal(t, []string{"https://margins"}, records(t, wc, KeySources))
}

func TestMathToolSkips(t *testing.T) {
	wc := core.NewWorkflowContext()
	res, err := NewMathToolTask(nil).Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, "Math tool skipped (no request)", res.Output)
	status, _ := wc.GetString(KeyMathStatus)
	assert.Equal(t, string(pkg.MathSkipped), status)
	retry, _ := wc.GetBool(KeyMathRetryRecommended)
	assert.False(t, retry)

	require.NoError(t, wc.SetRecord(KeyMathRequest, pkg.MathRequest{Script: "print(1)"}))
	res, err = NewMathToolTask(nil).Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, "Math tool skipped (no sandbox configured)", res.Output)
}

func TestMathToolSuccess(t *testing.T) {
	wc := core.NewWorkflowContext()
	require.NoError(t, wc.SetRecord(KeyMathRequest, pkg.MathRequest{Script: "print(6*7)"}))
	zero := 0
	sandbox := SandboxFunc(func(_ context.Context, req pkg.SandboxRequest) (pkg.SandboxResult, error) {
		assert.Equal(t, defaultScriptName, req.ScriptName)
		assert.Equal(t, defaultSandboxTimeout, req.Timeout)
		return pkg.SandboxResult{ExitCode: &zero, Stdout: "42\n", Duration: 15 * time.Millisecond}, nil
	})

	res, err := NewMathToolTask(sandbox).Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, "Math tool completed successfully", res.Output)
	status, _ := wc.GetString(KeyMathStatus)
	assert.Equal(t, string(pkg.MathSuccess), status)
	exit, ok := wc.GetNumber(KeyMathExitCode)
	require.True(t, ok)
	assert.Zero(t, exit)
	assert.Equal(t, "Computation result: 42.", mathSentence(wc))
}

func TestMathToolTimeoutIsRetryable(t *testing.T) {
	wc := core.NewWorkflowContext()
	require.NoError(t, wc.SetRecord(KeyMathRequest, pkg.MathRequest{Script: "loop()", TimeoutMs: 5}))
	sandbox := SandboxFunc(func(ctx context.Context, _ pkg.SandboxRequest) (pkg.SandboxResult, error) {
		<-ctx.Done()
		return pkg.SandboxResult{}, ctx.Err()
	})

	_, err := NewMathToolTask(sandbox).Run(context.Background(), wc)
	var te *core.TaskError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable)
}

func TestMathToolFailureDegrades(t *testing.T) {
	wc := core.NewWorkflowContext()
	require.NoError(t, wc.SetRecord(KeyMathRequest, pkg.MathRequest{Script: "boom()"}))
	sandbox := SandboxFunc(func(context.Context, pkg.SandboxRequest) (pkg.SandboxResult, error) {
		return pkg.SandboxResult{}, errors.New("container exited")
	})

	res, err := NewMathToolTask(sandbox).Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, "Math tool failed", res.Output)
	retry, _ := wc.GetBool(KeyMathRetryRecommended)
	assert.True(t, retry)
	note, _ := wc.GetString(KeyMathDegradationNote)
	assert.Equal(t, "Math tool failure. Falling back to non-numeric reasoning.", note)
}

func TestAnalystSummary(t *testing.T) {
	wc := core.NewWorkflowContext()
	require.NoError(t, wc.SetRecord(KeyFindings, []string{"Prices fell", "Demand rose"}))
	require.NoError(t, wc.SetRecord(KeySources, []string{"https://x"}))

	_, err := NewAnalystTask().Run(context.Background(), wc)
	require.NoError(t, err)

	var out pkg.AnalystOutput
	_, err = wc.GetRecord(KeyAnalysis, &out)
	require.NoError(t, err)
	assert.Equal(t, "Top insights: Prices fell; Demand rose. Confidence supported by 1 sources.", out.Summary)
	assert.Equal(t, "Prices fell", out.Highlight)
	assert.Equal(t, []string{"https://x"}, out.Sources)
}

func TestAnalystDefaultsWithoutResearch(t *testing.T) {
	wc := core.NewWorkflowContext()
	_, err := NewAnalystTask().Run(context.Background(), wc)
	require.NoError(t, err)

	var out pkg.AnalystOutput
	_, err = wc.GetRecord(KeyAnalysis, &out)
	require.NoError(t, err)
	assert.Equal(t, "No findings available; analyst requires additional research input", out.Summary)
	assert.Empty(t, out.Highlight)
	assert.Equal(t, DefaultSources, out.Sources)
}

func analysed(t *testing.T, summary string, sources ...string) *core.WorkflowContext {
	t.Helper()
	wc := core.NewWorkflowContext()
	require.NoError(t, wc.SetRecord(KeyAnalysis, pkg.AnalystOutput{Summary: summary, Highlight: "h", Sources: sources}))
	return wc
}

func TestFactCheckScoring(t *testing.T) {
	cases := []struct {
		name       string
		settings   pkg.FactCheckSettings
		sources    []string
		confidence float64
		passed     bool
		verified   []string
	}{
		{"full coverage", pkg.FactCheckSettings{MinConfidence: 0.6, VerificationCount: 3}, []string{"a", "b"}, 1.0, true, []string{"a", "b"}},
		{"partial coverage", pkg.FactCheckSettings{MinConfidence: 0.6, VerificationCount: 1}, []string{"a", "b"}, 0.75, true, []string{"a"}},
		{"nothing verified", pkg.FactCheckSettings{MinConfidence: 0.95, VerificationCount: 0}, []string{"a"}, 0.5, false, []string{}},
		{"no sources", pkg.FactCheckSettings{MinConfidence: 0.6, VerificationCount: 3}, nil, 0.5, false, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wc := analysed(t, "One. Two.", tc.sources...)
			ctx, notes := collectNotes(context.Background())
			res, err := NewFactCheckTask(tc.settings).Run(ctx, wc)
			require.NoError(t, err)
			assert.Equal(t, "Fact-check completed", res.Output)

			conf, _ := wc.GetNumber(KeyFactConfidence)
			assert.InDelta(t, tc.confidence, conf, 1e-9)
			passed, _ := wc.GetBool(KeyFactPassed)
			assert.Equal(t, tc.passed, passed)
			assert.ElementsMatch(t, tc.verified, records(t, wc, KeyFactVerifiedSources))
			require.Len(t, *notes, 1)
			assert.True(t, strings.HasPrefix((*notes)[0], "confidence "))
		})
	}
}

func TestFactCheckHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFactCheckTask(pkg.FactCheckSettings{Timeout: time.Second}).Run(ctx, analysed(t, "x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCriticVerdict(t *testing.T) {
	wc := analysed(t, "Top insights: a. Confidence supported by 1 sources.", "https://x")
	wc.SetBool(KeyFactPassed, true)
	wc.SetNumber(KeyFactConfidence, 1)
	require.NoError(t, wc.SetRecord(KeyFactVerifiedSources, []string{"https://x"}))

	res, err := NewCriticTask().Run(context.Background(), wc)
	require.NoError(t, err)
	assert.True(t, Confident(wc))
	verdict, _ := wc.GetString(KeyCritiqueVerdict)
	assert.Equal(t, verdictPass, verdict)
	assert.True(t, strings.HasPrefix(res.Output, verdictPass+"\nSummary: "))
	assert.Contains(t, res.Output, "Fact-Check Confidence: 1.00")

	wc.SetBool(KeyFactPassed, false)
	_, err = NewCriticTask().Run(context.Background(), wc)
	require.NoError(t, err)
	assert.False(t, Confident(wc))
}

func TestCriticNeedsSources(t *testing.T) {
	wc := analysed(t, "First. Second.")
	res, err := NewCriticTask().Run(context.Background(), wc)
	require.NoError(t, err)
	assert.False(t, Confident(wc))
	assert.Contains(t, res.Output, "Sources: (none)")
}

func TestFinalizeReport(t *testing.T) {
	wc := analysed(t, "Summary text.", "https://x", "https://y")
	wc.SetBool(KeyCritiqueConfident, true)
	wc.SetString(KeyCritiqueVerdict, verdictPass)
	wc.SetNumber(KeyFactConfidence, 0.75)
	require.NoError(t, wc.SetRecord(KeyFactVerifiedSources, []string{"https://x"}))

	res, err := NewFinalizeTask().Run(context.Background(), wc)
	require.NoError(t, err)
	assert.Equal(t, core.DirectiveEnd, res.Directive.Kind)

	summary, _ := wc.GetString(KeyFinalSummary)
	assert.Equal(t, res.Output, summary)
	assert.Contains(t, summary, "Confidence: High")
	assert.Contains(t, summary, "  2. https://y")
	assert.Contains(t, summary, "Fact-Check Confidence: 0.75\nVerified Sources:\n  1. https://x")
	manual, ok := wc.GetBool(KeyFinalRequiresManual)
	require.True(t, ok)
	assert.False(t, manual)
}

func TestFinalizeDefaults(t *testing.T) {
	wc := analysed(t, "Summary.")
	res, err := NewFinalizeTask().Run(context.Background(), wc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Output, "No verdict recorded"))
	assert.Contains(t, res.Output, "Confidence: Review suggested")
	assert.Contains(t, res.Output, "(none recorded)")
	assert.Contains(t, res.Output, "(none verified)")
}

func TestManualReview(t *testing.T) {
	wc := core.NewWorkflowContext()
	ctx, notes := collectNotes(context.Background())
	res, err := NewManualReviewTask().Run(ctx, wc)
	require.NoError(t, err)
	assert.Equal(t, core.DirectiveEnd, res.Directive.Kind)
	summary, _ := wc.GetString(KeyFinalSummary)
	assert.Equal(t, ManualReviewSummary, summary)
	manual, _ := wc.GetBool(KeyFinalRequiresManual)
	assert.True(t, manual)
	assert.Equal(t, []string{"manual review requested"}, *notes)
}

package nodes

// Task ids of the research graph.
const (
	ResearcherID   = "researcher"
	MathToolID     = "math_tool"
	AnalystID      = "analyst"
	FactCheckID    = "fact_check"
	CriticID       = "critic"
	FinalizeID     = "finalize"
	ManualReviewID = "manual_review"
)

// Context keys read and written by the research tasks.
const (
	KeyQuery        = "query"
	KeySessionID    = "session_id"
	KeyTraceEnabled = "trace.enabled"

	KeyFindings = "research.findings"
	KeySources  = "research.sources"

	KeyMathRequest          = "math.request"
	KeyMathResult           = "math.result"
	KeyMathStatus           = "math.status"
	KeyMathStdout           = "math.stdout"
	KeyMathStderr           = "math.stderr"
	KeyMathExitCode         = "math.exit_code"
	KeyMathTimedOut         = "math.timed_out"
	KeyMathDurationMs       = "math.duration_ms"
	KeyMathOutputs          = "math.outputs"
	KeyMathScriptName       = "math.script_name"
	KeyMathRetryRecommended = "math.retry_recommended"
	KeyMathDegradationNote  = "math.degradation_note"

	KeyAnalysis = "analysis.output"

	KeyFactConfidence      = "factcheck.confidence"
	KeyFactPassed          = "factcheck.passed"
	KeyFactVerifiedSources = "factcheck.verified_sources"
	KeyFactNotes           = "factcheck.notes"

	KeyCritiqueConfident = "critique.confident"
	KeyCritiqueVerdict   = "critique.verdict"

	KeyFinalSummary        = "final.summary"
	KeyFinalRequiresManual = "final.requires_manual"
)

// ManualReviewSummary is the summary recorded when automated checks fail.
const ManualReviewSummary = "Automated checks flagged low confidence. Please perform manual verification."

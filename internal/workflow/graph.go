package workflow

import (
	"github.com/cloudwego/eino/components/retriever"

	"deepresearch/internal/core"
	"deepresearch/internal/nodes"
	"deepresearch/pkg"
)

// GraphName identifies sessions built from the research graph.
const GraphName = "deepresearch_workflow"

// BaseTasks are the tasks every research graph registers. Customizers
// receive them so they can route around or between the default stages.
type BaseTasks struct {
	Researcher   core.Task
	MathTool     core.Task
	Analyst      core.Task
	FactCheck    core.Task
	Critic       core.Task
	Finalize     core.Task
	ManualReview core.Task
}

// GraphCustomizer may register extra tasks and edges before the default
// edges are added. Edges it declares take precedence over the defaults
// because resolution is first-match in declaration order. It must not
// remove tasks it did not add.
type GraphCustomizer func(b *core.GraphBuilder, base BaseTasks) *core.GraphBuilder

// TaskDeps carries the collaborators of the research tasks.
type TaskDeps struct {
	Retriever retriever.Retriever
	TopK      int
	FactCheck pkg.FactCheckSettings
	Sandbox   nodes.SandboxExecutor
}

func NewBaseTasks(deps TaskDeps) BaseTasks {
	return BaseTasks{
		Researcher:   nodes.NewResearchTask(deps.Retriever, deps.TopK),
		MathTool:     nodes.NewMathToolTask(deps.Sandbox),
		Analyst:      nodes.NewAnalystTask(),
		FactCheck:    nodes.NewFactCheckTask(deps.FactCheck),
		Critic:       nodes.NewCriticTask(),
		Finalize:     nodes.NewFinalizeTask(),
		ManualReview: nodes.NewManualReviewTask(),
	}
}

// BuildGraph wires researcher -> math_tool -> analyst -> fact_check ->
// critic -> {finalize | manual_review}, applying customize first.
func BuildGraph(customize GraphCustomizer, base BaseTasks) (*core.Graph, error) {
	b := core.NewGraphBuilder(GraphName).
		AddTask(base.Researcher).
		AddTask(base.MathTool).
		AddTask(base.Analyst).
		AddTask(base.FactCheck).
		AddTask(base.Critic).
		AddTask(base.Finalize).
		AddTask(base.ManualReview)

	if customize != nil {
		if customized := customize(b, base); customized != nil {
			b = customized
		}
	}

	b.AddEdge(nodes.ResearcherID, nodes.MathToolID).
		AddEdge(nodes.MathToolID, nodes.AnalystID).
		AddEdge(nodes.AnalystID, nodes.FactCheckID).
		AddEdge(nodes.FactCheckID, nodes.CriticID).
		AddBranch(nodes.CriticID, "critique.confident", nodes.Confident, nodes.FinalizeID, nodes.ManualReviewID).
		SetStart(nodes.ResearcherID)

	return b.Build()
}

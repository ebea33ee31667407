package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"deepresearch/internal/core"
)

const (
	placeholderInsight = "Automated placeholder insight. Additional manual review recommended."
	placeholderSource  = "stub://memory"
	errorSource        = "stub://error"
	defaultQuery       = "general market outlook"
)

// ResearchTask gathers findings and their sources from a retriever.
type ResearchTask struct {
	retriever retriever.Retriever
	topK      int
}

func NewResearchTask(r retriever.Retriever, topK int) *ResearchTask {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &ResearchTask{retriever: r, topK: topK}
}

func (t *ResearchTask) ID() string { return ResearcherID }

func (t *ResearchTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	query, ok := wc.GetString(KeyQuery)
	if !ok || strings.TrimSpace(query) == "" {
		query = defaultQuery
	}
	sessionID, _ := wc.GetString(KeySessionID)

	docs, err := t.retrieve(ctx, sessionID, query)
	if err != nil {
		return core.TaskResult{}, err
	}

	findings := make([]string, 0, len(docs))
	sources := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		findings = append(findings, doc.Content)
		if src := DocumentSource(doc); src != "" {
			sources = append(sources, src)
		}
	}

	if err := wc.SetRecord(KeyFindings, findings); err != nil {
		return core.TaskResult{}, core.Fatal("store findings: %v", err)
	}
	if err := wc.SetRecord(KeySources, sources); err != nil {
		return core.TaskResult{}, core.Fatal("store sources: %v", err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("findings", len(findings)).
		Int("sources", len(sources)).
		Msg("research task populated context")
	core.Note(ctx, "captured %d findings (%d sources)", len(findings), len(sources))

	return core.Result(fmt.Sprintf("Research completed for %q", query), core.Continue()), nil
}

// retrieve falls back to a placeholder document when memory has nothing
// usable. Only cancellation is returned as an error.
func (t *ResearchTask) retrieve(ctx context.Context, sessionID, query string) ([]*schema.Document, error) {
	if t.retriever == nil {
		return []*schema.Document{placeholder(placeholderInsight, placeholderSource)}, nil
	}

	docs, err := t.retriever.Retrieve(ctx, query, retriever.WithTopK(t.topK), WithSession(sessionID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Str("session_id", sessionID).Str("query", query).Err(err).Msg("retriever failed; using placeholder")
		return []*schema.Document{placeholder(fmt.Sprintf("Unable to query memory for '%s'", query), errorSource)}, nil
	}

	usable := false
	for _, doc := range docs {
		if doc != nil && doc.Score() > 0 && strings.TrimSpace(doc.Content) != "" {
			usable = true
			break
		}
	}
	if !usable {
		return []*schema.Document{placeholder(placeholderInsight, placeholderSource)}, nil
	}
	return docs, nil
}

func placeholder(text, source string) *schema.Document {
	return &schema.Document{Content: text, MetaData: map[string]any{MetaSource: source}}
}

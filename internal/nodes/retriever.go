package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

const (
	// MetaSource names the metadata key holding a document's citation.
	MetaSource = "source"
	// MetaSession scopes a document to one session. Unscoped documents are
	// visible to every session.
	MetaSession = "session"

	defaultTopK = 5
)

var (
	_ retriever.Retriever = (*MemoryRetriever)(nil)
	_ indexer.Indexer     = (*MemoryRetriever)(nil)
)

type memoryOptions struct {
	session string
}

// WithSession restricts retrieval to documents ingested for sessionID plus
// unscoped documents.
func WithSession(sessionID string) retriever.Option {
	return retriever.WrapImplSpecificOptFn(func(o *memoryOptions) {
		o.session = sessionID
	})
}

// MemoryRetriever is an in-process document memory ranked by keyword overlap.
type MemoryRetriever struct {
	mu     sync.RWMutex
	docs   []*schema.Document
	topK   int
	nextID int
}

func NewMemoryRetriever(topK int) *MemoryRetriever {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &MemoryRetriever{topK: topK}
}

// Store adds documents and returns their ids.
func (m *MemoryRetriever) Store(_ context.Context, docs []*schema.Document, _ ...indexer.Option) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		stored := &schema.Document{ID: doc.ID, Content: doc.Content, MetaData: map[string]any{}}
		for k, v := range doc.MetaData {
			stored.MetaData[k] = v
		}
		if stored.ID == "" {
			m.nextID++
			stored.ID = fmt.Sprintf("doc-%d", m.nextID)
		}
		m.docs = append(m.docs, stored)
		ids = append(ids, stored.ID)
	}
	return ids, nil
}

// Retrieve ranks stored documents against query.
func (m *MemoryRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topK := m.topK
	common := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	scoped := retriever.GetImplSpecificOptions(&memoryOptions{}, opts...)

	limit := m.topK
	if common.TopK != nil && *common.TopK > 0 {
		limit = *common.TopK
	}
	threshold := 0.0
	if common.ScoreThreshold != nil {
		threshold = *common.ScoreThreshold
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []*schema.Document
	for _, doc := range m.docs {
		if owner, _ := doc.MetaData[MetaSession].(string); owner != "" && owner != scoped.session {
			continue
		}
		score := overlap(terms, tokenize(doc.Content))
		if score <= 0 || score < threshold {
			continue
		}
		hit := &schema.Document{ID: doc.ID, Content: doc.Content, MetaData: map[string]any{}}
		for k, v := range doc.MetaData {
			hit.MetaData[k] = v
		}
		hits = append(hits, hit.WithScore(score))
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score() > hits[j].Score() })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len returns the number of stored documents.
func (m *MemoryRetriever) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for term := range query {
		if _, ok := doc[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

// DocumentSource returns the citation recorded on doc, if any.
func DocumentSource(doc *schema.Document) string {
	if doc == nil {
		return ""
	}
	src, _ := doc.MetaData[MetaSource].(string)
	return src
}

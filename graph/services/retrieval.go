package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/rungraph/graph/model"
)

// Document is a retrievable passage.
type Document struct {
	ID   string
	Text string
	Meta map[string]string
}

// Citation points at a passage used to build an answer.
type Citation struct {
	DocID string
	Score float64
}

// Answer is a retrieval result: the answer text plus the passages it
// drew on, best first.
type Answer struct {
	Text      string
	Citations []Citation
}

// Retrieval is the question-answering capability over named corpora.
type Retrieval interface {
	// UpsertDocs adds or replaces documents by id within a corpus.
	UpsertDocs(ctx context.Context, corpus string, docs []Document) error

	// Answer retrieves the top-k passages for the question and
	// synthesizes an answer from them.
	Answer(ctx context.Context, corpus, question string, k int) (Answer, error)
}

// MemoryRetrieval is an in-process Retrieval over a token-overlap
// index. When a chat model is supplied, answers are synthesized from
// the retrieved passages; without one, the top passage is returned
// verbatim, which keeps tests deterministic.
type MemoryRetrieval struct {
	mu      sync.RWMutex
	corpora map[string]map[string]Document
	chat    model.ChatModel
}

// NewMemoryRetrieval creates an empty index. chat may be nil.
func NewMemoryRetrieval(chat model.ChatModel) *MemoryRetrieval {
	return &MemoryRetrieval{
		corpora: make(map[string]map[string]Document),
		chat:    chat,
	}
}

func (r *MemoryRetrieval) UpsertDocs(ctx context.Context, corpus string, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.corpora[corpus]
	if byID == nil {
		byID = make(map[string]Document)
		r.corpora[corpus] = byID
	}
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("corpus %q: document with empty id", corpus)
		}
		byID[d.ID] = d
	}
	return nil
}

func (r *MemoryRetrieval) Answer(ctx context.Context, corpus, question string, k int) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	if k <= 0 {
		k = 3
	}

	hits := r.topK(corpus, question, k)
	if len(hits) == 0 {
		return Answer{Text: "no relevant documents found"}, nil
	}

	citations := make([]Citation, len(hits))
	for i, h := range hits {
		citations[i] = Citation{DocID: h.doc.ID, Score: h.score}
	}

	if r.chat == nil {
		return Answer{Text: hits[0].doc.Text, Citations: citations}, nil
	}

	var sb strings.Builder
	sb.WriteString("Answer the question using only the passages below.\n\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", h.doc.ID, h.doc.Text)
	}
	sb.WriteString("Question: " + question)

	out, err := r.chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You answer strictly from the provided passages."},
		{Role: model.RoleUser, Content: sb.String()},
	}, nil)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieval answer: %w", err)
	}
	return Answer{Text: out.Text, Citations: citations}, nil
}

type scoredDoc struct {
	doc   Document
	score float64
}

// topK ranks documents by token overlap with the question.
func (r *MemoryRetrieval) topK(corpus, question string, k int) []scoredDoc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	qTokens := tokenize(question)
	if len(qTokens) == 0 {
		return nil
	}

	var hits []scoredDoc
	for _, d := range r.corpora[corpus] {
		score := overlap(qTokens, tokenize(d.Text))
		if score > 0 {
			hits = append(hits, scoredDoc{doc: d, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc.ID < hits[j].doc.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(f) > 2 {
			tokens[f] = true
		}
	}
	return tokens
}

func overlap(q, d map[string]bool) float64 {
	if len(q) == 0 {
		return 0
	}
	var n int
	for t := range q {
		if d[t] {
			n++
		}
	}
	return float64(n) / float64(len(q))
}

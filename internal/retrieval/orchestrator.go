package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"ragpipe/internal/domain"
	"ragpipe/internal/generation"
)

// NoAnswerMessage is returned whenever retrieval yields no usable
// context, so callers can distinguish "nothing indexed matches" from a
// grounded model answer.
const NoAnswerMessage = "No relevant information found."

const promptInstruction = "Answer the question using only the provided context. " +
	"If the context does not contain the answer, say you don't know."

// Orchestrator runs the query-time pipeline: embed the query, search
// the vector index, filter by similarity, rerank with a cross-encoder,
// assemble a bounded context, and generate the final answer.
type Orchestrator struct {
	embedder  domain.Embedder
	store     domain.VectorStore
	reranker  domain.Reranker
	generator domain.Generator
	logger    *logrus.Logger
	cfg       Config
}

type Config struct {
	CandidateCount      int
	NResults            int
	SimilarityThreshold float64
	// ScoreThreshold applies to cross-encoder scores; it is on a
	// different scale than SimilarityThreshold and the two are never
	// compared against each other.
	ScoreThreshold float64
	MaxQATokens    int
}

type Deps struct {
	Embedder  domain.Embedder
	Store     domain.VectorStore
	Reranker  domain.Reranker
	Generator domain.Generator
	Logger    *logrus.Logger
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.CandidateCount <= 0 {
		cfg.CandidateCount = 10
	}
	if cfg.NResults <= 0 || cfg.NResults > cfg.CandidateCount {
		cfg.NResults = cfg.CandidateCount
	}
	return &Orchestrator{
		embedder:  deps.Embedder,
		store:     deps.Store,
		reranker:  deps.Reranker,
		generator: deps.Generator,
		logger:    logger,
		cfg:       cfg,
	}
}

// AnswerQuery resolves one question end to end. When no chunk survives
// the similarity and rerank filters, it short-circuits with a
// non-grounded response and never calls the generation model.
func (o *Orchestrator) AnswerQuery(ctx context.Context, query string) (*domain.QueryResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &domain.ConfigError{Field: "query", Reason: "must not be empty"}
	}

	vector, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := o.store.Query(ctx, vector, o.cfg.CandidateCount)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	candidates = o.filterBySimilarity(candidates)
	if len(candidates) == 0 {
		return o.noAnswer(query), nil
	}

	ranked := o.rerank(ctx, query, candidates)
	if len(ranked) == 0 {
		return o.noAnswer(query), nil
	}
	if len(ranked) > o.cfg.NResults {
		ranked = ranked[:o.cfg.NResults]
	}

	sources, contextText := o.buildContext(ranked)
	if contextText == "" {
		return o.noAnswer(query), nil
	}

	prompt := buildPrompt(contextText, query)
	raw, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	answer, err := generation.Extract(raw)
	if err != nil {
		return nil, err
	}

	return &domain.QueryResponse{
		Query:    query,
		Answer:   answer,
		Grounded: true,
		Sources:  sources,
	}, nil
}

func (o *Orchestrator) noAnswer(query string) *domain.QueryResponse {
	o.logger.WithField("query", query).Info("No chunks survived retrieval filters")
	return &domain.QueryResponse{
		Query:    query,
		Answer:   NoAnswerMessage,
		Grounded: false,
	}
}

func (o *Orchestrator) filterBySimilarity(candidates []domain.RetrievalResult) []domain.RetrievalResult {
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Score >= o.cfg.SimilarityThreshold {
			kept = append(kept, c)
		}
	}
	return kept
}

// rerank rescored candidates with the cross-encoder and reorders them by
// that score. A reranker transport failure falls back to the vector
// ordering: degraded relevance beats a failed query. The score threshold
// only applies when real scores exist.
func (o *Orchestrator) rerank(ctx context.Context, query string, candidates []domain.RetrievalResult) []domain.RetrievalResult {
	if o.reranker == nil {
		return candidates
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	scores, err := o.reranker.Score(ctx, query, texts)
	if err != nil || len(scores) != len(candidates) {
		o.logger.WithError(err).Warn("Reranker unavailable, falling back to vector order")
		return candidates
	}

	type scored struct {
		result domain.RetrievalResult
		score  float64
	}
	kept := make([]scored, 0, len(candidates))
	for i, c := range candidates {
		if scores[i] < o.cfg.ScoreThreshold {
			continue
		}
		c.Score = scores[i]
		kept = append(kept, scored{result: c, score: scores[i]})
	}
	// Stable sort: equal rerank scores keep their vector-search rank.
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].score > kept[j].score
	})

	out := make([]domain.RetrievalResult, len(kept))
	for i, s := range kept {
		out[i] = s.result
	}
	return out
}

// buildContext concatenates chunk texts under the QA token budget.
// Tokens are whitespace-separated words; assembly stops at the first
// chunk that would overflow, so the context never exceeds the budget.
func (o *Orchestrator) buildContext(ranked []domain.RetrievalResult) ([]domain.RetrievalResult, string) {
	var (
		parts   []string
		sources []domain.RetrievalResult
		used    int
	)
	for _, r := range ranked {
		words := len(strings.Fields(r.Text))
		if o.cfg.MaxQATokens > 0 && used+words > o.cfg.MaxQATokens && used > 0 {
			break
		}
		if o.cfg.MaxQATokens > 0 && words > o.cfg.MaxQATokens && used == 0 {
			// A single oversized chunk still goes in alone; an empty
			// context would turn a retrievable answer into a miss.
			parts = append(parts, r.Text)
			sources = append(sources, r)
			used += words
			break
		}
		parts = append(parts, r.Text)
		sources = append(sources, r)
		used += words
	}
	return sources, strings.Join(parts, "\n\n")
}

func buildPrompt(contextText, query string) string {
	return fmt.Sprintf("%s\n\nContext:\n%s\n\nQuestion: %s\nAnswer:", promptInstruction, contextText, query)
}

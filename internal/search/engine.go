package search

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/foldermcp/internal/config"
	"github.com/Aman-CERP/foldermcp/internal/store"
)

// fallbackDocumentLimit bounds the keyword fallback to the most recent
// documents.
const fallbackDocumentLimit = 50

// queryCacheSize bounds the query-embedding LRU.
const queryCacheSize = 256

// Short queries embed into vectors with little to discriminate on, so the
// keyword index joins in as a secondary signal below these bounds.
const (
	shortQueryMaxTerms = 3
	shortQueryMaxRunes = 12

	// shortQueryKeywordBoost is the score added to a vector candidate the
	// keyword index agrees on; keyword-only additions score at most this.
	shortQueryKeywordBoost = 0.1
)

// Engine executes searches against folder sources.
type Engine struct {
	cfg        config.SearchConfig
	queryCache *lru.Cache[string, []float32]
}

// NewEngine creates a search engine with the given tuning.
func NewEngine(cfg config.SearchConfig) *Engine {
	cache, _ := lru.New[string, []float32](queryCacheSize)
	return &Engine{cfg: cfg, queryCache: cache}
}

// Search runs the full pipeline for one folder. Embedding failure degrades
// to the keyword fallback; the response is always well-formed, never an
// error a tool call cannot render.
func (e *Engine) Search(ctx context.Context, src Source, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return &Response{Reason: "empty query"}, nil
	}

	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	s, vectors, keyword, runner := src.Resources()
	if s == nil {
		return &Response{Reason: "folder store unavailable"}, nil
	}
	if vectors == nil || vectors.Count() == 0 {
		return &Response{Reason: "index is empty"}, nil
	}

	// A nil *model.Runner must stay a nil interface for the guard below.
	var embedder queryEmbedder
	if runner != nil {
		embedder = runner
	}

	queryVec, err := e.embedQuery(ctx, embedder, query)
	if err != nil {
		slog.Warn("query embedding failed, serving keyword fallback",
			slog.String("folder", src.FolderPath()),
			slog.String("error", err.Error()))
		return e.keywordFallback(ctx, s, keyword, query, req)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	candidates, err := vectors.Search(queryVec, topK)
	if err != nil {
		return e.keywordFallback(ctx, s, keyword, query, req)
	}
	if len(candidates) == 0 {
		return &Response{Reason: "no matches"}, nil
	}

	ranked, err := e.rerank(ctx, s, query, candidates)
	if err != nil {
		return nil, err
	}

	// Keyword matches back up the thin vector signal of short queries:
	// agreements get boosted, keyword-only hits are appended below the
	// semantic candidates. This is a secondary signal on the primary path,
	// not the fallback, so the response stays unmarked.
	if isShortQuery(query) {
		ranked = e.blendKeywordSignal(ctx, s, keyword, query, ranked)
	}

	return e.assemble(ctx, s, req, ranked, false)
}

// isShortQuery bounds the secondary-signal path.
func isShortQuery(query string) bool {
	return len(queryTerms(query)) < shortQueryMaxTerms &&
		len([]rune(query)) < shortQueryMaxRunes
}

// embedQuery embeds the query with a small LRU in front; identical queries
// within a session skip inference entirely.
func (e *Engine) embedQuery(ctx context.Context, runner queryEmbedder, query string) ([]float32, error) {
	if runner == nil {
		return nil, store.ErrNotOpen
	}
	if vec, ok := e.queryCache.Get(query); ok {
		return vec, nil
	}
	vectors, err := runner.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	e.queryCache.Add(query, vectors[0])
	return vectors[0], nil
}

// queryEmbedder is the slice of model.Runner search needs.
type queryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// scored pairs a chunk with its composite score.
type scored struct {
	chunk   *store.ChunkRecord
	doc     *store.DocumentRecord
	score   float64
	matched []string
}

// rerank applies the composite score: cosine similarity primary, key-phrase
// boost, recency factor, readability floor.
func (e *Engine) rerank(ctx context.Context, s *store.Store, query string, candidates []*store.VectorResult) ([]*scored, error) {
	queryTerms := queryTerms(query)
	now := time.Now()
	docCache := map[int64]*store.DocumentRecord{}

	var out []*scored
	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			// Soft deadline: rank what we have.
			return out, nil
		default:
		}

		docID, idx, err := store.ParseChunkKey(cand.Key)
		if err != nil {
			continue
		}
		ch, err := s.GetChunk(ctx, docID, idx)
		if err != nil || ch == nil {
			continue // index briefly ahead of a deletion
		}

		doc := docCache[docID]
		if doc == nil {
			doc, _ = s.GetDocumentByID(ctx, docID)
			docCache[docID] = doc
		}

		score := float64(cand.Score)

		matched := matchedPhrases(queryTerms, ch.KeyPhrases)
		score += e.cfg.PhraseBoost * float64(len(matched))

		if doc != nil && e.cfg.RecencyWeight > 0 && e.cfg.RecencyHalfLife > 0 {
			age := now.Sub(doc.ModTime)
			decay := math.Exp(-math.Ln2 * age.Seconds() / e.cfg.RecencyHalfLife.Seconds())
			score += e.cfg.RecencyWeight * decay
		}

		if ch.Readability < e.cfg.ReadabilityFloor {
			score -= e.cfg.PhraseBoost // hard-to-read chunks rank below peers
		}

		out = append(out, &scored{chunk: ch, doc: doc, score: score, matched: matched})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out, nil
}

// blendKeywordSignal merges keyword hits into the ranked candidates for a
// short query. Chunks both paths found gain a small boost; chunks only the
// keyword index found are appended with a score that keeps them below any
// solid semantic match. Keyword trouble degrades to the plain ranking.
func (e *Engine) blendKeywordSignal(ctx context.Context, s *store.Store, keyword *store.KeywordIndex, query string, ranked []*scored) []*scored {
	if keyword == nil {
		return ranked
	}

	hits, err := keyword.Search(ctx, query, e.cfg.TopK)
	if err != nil || len(hits) == 0 {
		return ranked
	}

	byKey := make(map[string]*scored, len(ranked))
	for _, sc := range ranked {
		byKey[sc.chunk.Key()] = sc
	}

	topScore := hits[0].Score // bleve returns hits best-first
	terms := queryTerms(query)

	for _, h := range hits {
		if sc, ok := byKey[h.Key]; ok {
			sc.score += shortQueryKeywordBoost
			continue
		}

		docID, idx, err := store.ParseChunkKey(h.Key)
		if err != nil {
			continue
		}
		ch, err := s.GetChunk(ctx, docID, idx)
		if err != nil || ch == nil {
			continue
		}
		doc, err := s.GetDocumentByID(ctx, docID)
		if err != nil || doc == nil {
			continue
		}

		score := shortQueryKeywordBoost
		if topScore > 0 {
			score = shortQueryKeywordBoost * h.Score / topScore
		}
		ranked = append(ranked, &scored{
			chunk:   ch,
			doc:     doc,
			score:   score,
			matched: matchedPhrases(terms, ch.KeyPhrases),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// assemble builds the response under the chunk and token budgets.
func (e *Engine) assemble(ctx context.Context, s *store.Store, req Request, ranked []*scored, fallback bool) (*Response, error) {
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.MaxResults
	}

	resp := &Response{Fallback: fallback}
	tokenBudget := e.cfg.MaxResultTokens

	for _, sc := range ranked {
		select {
		case <-ctx.Done():
			resp.Truncated = true
			resp.Reason = "deadline exceeded"
			return resp, nil
		default:
		}

		if sc.doc == nil {
			continue
		}
		if req.DocumentPath != "" && sc.doc.Path != req.DocumentPath {
			continue
		}
		if len(req.Extensions) > 0 && !hasExtension(sc.doc.Path, req.Extensions) {
			continue
		}

		if len(resp.Hits) >= maxResults {
			resp.Truncated = true
			break
		}
		cost := sc.chunk.TokenEstimate
		if tokenBudget-cost < 0 && len(resp.Hits) > 0 {
			resp.Truncated = true
			break
		}
		tokenBudget -= cost

		hit := Hit{
			DocumentPath:   sc.doc.Path,
			ChunkIndex:     sc.chunk.Index,
			Page:           sc.chunk.Page,
			Score:          sc.score,
			Text:           sc.chunk.Text,
			MatchedPhrases: sc.matched,
		}

		if e.cfg.NeighborWindow > 0 {
			hit.Neighbors = e.neighbors(ctx, s, sc.chunk)
		}

		resp.Hits = append(resp.Hits, hit)
	}

	if len(resp.Hits) == 0 && resp.Reason == "" {
		resp.Reason = "no matches after filtering"
	}
	return resp, nil
}

// neighbors fetches the window of adjacent chunks for context.
func (e *Engine) neighbors(ctx context.Context, s *store.Store, ch *store.ChunkRecord) []Neighbor {
	from := ch.Index - e.cfg.NeighborWindow
	if from < 0 {
		from = 0
	}
	to := ch.Index + e.cfg.NeighborWindow

	chunks, err := s.GetChunks(ctx, ch.DocumentID, from, to)
	if err != nil {
		return nil
	}

	var out []Neighbor
	for _, n := range chunks {
		if n.Index == ch.Index {
			continue
		}
		out = append(out, Neighbor{Index: n.Index, Text: n.Text})
	}
	return out
}

// keywordFallback serves keyword matches over the most recent documents
// when the vector path is unavailable. Responses are marked.
func (e *Engine) keywordFallback(ctx context.Context, s *store.Store, keyword *store.KeywordIndex, query string, req Request) (*Response, error) {
	if keyword == nil {
		return &Response{Fallback: true, Reason: "keyword index unavailable"}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	hits, err := keyword.Search(ctx, query, topK)
	if err != nil || len(hits) == 0 {
		return &Response{Fallback: true, Reason: "no keyword matches"}, nil
	}

	// Restrict to the most recent documents.
	recent, err := s.RecentDocuments(ctx, fallbackDocumentLimit)
	if err != nil {
		return &Response{Fallback: true, Reason: "store unavailable"}, nil
	}
	recentByID := map[int64]*store.DocumentRecord{}
	for _, d := range recent {
		recentByID[d.ID] = d
	}

	queryT := queryTerms(query)
	var ranked []*scored
	for _, h := range hits {
		docID, idx, err := store.ParseChunkKey(h.Key)
		if err != nil {
			continue
		}
		doc, ok := recentByID[docID]
		if !ok {
			continue
		}
		ch, err := s.GetChunk(ctx, docID, idx)
		if err != nil || ch == nil {
			continue
		}
		ranked = append(ranked, &scored{
			chunk:   ch,
			doc:     doc,
			score:   h.Score,
			matched: matchedPhrases(queryT, ch.KeyPhrases),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	return e.assemble(ctx, s, req, ranked, true)
}

// queryTerms lowercases and splits the query into content words.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// matchedPhrases returns the chunk key phrases containing any query term.
func matchedPhrases(terms []string, phrases []string) []string {
	var out []string
	for _, phrase := range phrases {
		lower := strings.ToLower(phrase)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				out = append(out, phrase)
				break
			}
		}
	}
	return out
}

func hasExtension(path string, exts []string) bool {
	got := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.ToLower(e) == got {
			return true
		}
	}
	return false
}

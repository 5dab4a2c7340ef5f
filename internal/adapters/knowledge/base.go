// Package knowledge is the in-process vector search over the dispensing
// guide. It serves as the secondary (raw search) backend and feeds chunks to
// the generative primary.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const (
	collectionName = "pqtu_guide"
	BackendName    = "knowledge"
)

// Candidates pulled from the collection before re-ranking.
const minCandidates = 20

// Base wraps one chromem collection.
type Base struct {
	col   *chromem.Collection
	vocab *vocabulary
	docs  map[string]map[string]bool
}

// New indexes docs into a fresh in-memory collection.
func New(ctx context.Context, docs []Document, dim int) (*Base, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, HashEmbedder(dim, docs...))
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	b := &Base{col: col, vocab: newVocabulary(docs), docs: make(map[string]map[string]bool, len(docs))}
	cdocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		b.docs[d.ID] = features(d.Text)
		cdocs = append(cdocs, chromem.Document{
			ID:      d.ID,
			Content: d.Text,
			Metadata: map[string]string{
				"category": d.Category,
				"source":   d.Source,
			},
		})
	}
	if len(cdocs) > 0 {
		if err := col.AddDocuments(ctx, cdocs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("index documents: %w", err)
		}
	}
	return b, nil
}

// Count is the number of indexed documents.
func (b *Base) Count() int { return b.col.Count() }

// Retrieve returns up to n chunks for query, best first. Vector similarity
// picks the candidates. Each score is the geometric mean of that similarity
// and the share of the query's terms the passage contains.
func (b *Base) Retrieve(ctx context.Context, query string, n int) ([]domain.Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &domain.MalformedPayloadError{Backend: BackendName, Reason: "empty query"}
	}
	count := b.col.Count()
	if count == 0 {
		return nil, nil
	}
	if n <= 0 || n > count {
		n = count
	}

	results, err := b.col.Query(ctx, query, min(count, max(4*n, minCandidates)), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	qterms := terms(query)
	out := make([]domain.Chunk, 0, len(results))
	sims := make(map[string]float64, len(results))
	for _, r := range results {
		sim := math.Max(float64(r.Similarity), 0)
		sims[r.ID] = sim
		out = append(out, domain.Chunk{
			ID:       r.ID,
			Text:     r.Content,
			Score:    math.Sqrt(sim * b.vocab.coverage(qterms, b.docs[r.ID])),
			Category: r.Metadata["category"],
			Source:   r.Metadata["source"],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return sims[out[i].ID] > sims[out[j].ID]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Search implements domain.SecondaryBackend. Chunks below MinScore are
// dropped; preferred chunk types are ranked by the gateway.
func (b *Base) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResponse, error) {
	chunks, err := b.Retrieve(ctx, req.Query, req.MaxChunks)
	if err != nil {
		return nil, err
	}

	kept := chunks[:0]
	var sum float64
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Score < req.MinScore {
			continue
		}
		kept = append(kept, c)
		sum += c.Score
		texts = append(texts, c.Text)
	}

	resp := &domain.SearchResponse{Chunks: kept}
	if len(kept) > 0 {
		resp.Confidence = sum / float64(len(kept))
		resp.CombinedContext = strings.Join(texts, "\n\n")
	}
	return resp, nil
}

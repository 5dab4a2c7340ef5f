package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/llm"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const GenerativeName = "generative"

// ChunkRetriever is the knowledge base as seen by Generative.
type ChunkRetriever interface {
	Retrieve(ctx context.Context, query string, n int) ([]domain.Chunk, error)
}

// Generative answers in-process: it retrieves passages from the knowledge
// base and, when asked to, has the model rewrite them in the persona's voice.
type Generative struct {
	kb        ChunkRetriever
	llm       llm.Client
	maxChunks int
	now       func() time.Time
}

func NewGenerative(kb ChunkRetriever, client llm.Client, maxChunks int) *Generative {
	if maxChunks <= 0 {
		maxChunks = 5
	}
	return &Generative{kb: kb, llm: client, maxChunks: maxChunks, now: time.Now}
}

func (g *Generative) Answer(ctx context.Context, req domain.PrimaryRequest) (*domain.PrimaryResponse, error) {
	start := g.now()

	n := req.MaxChunks
	if n <= 0 || n > g.maxChunks {
		n = g.maxChunks
	}
	chunks, err := g.kb.Retrieve(ctx, req.Question, n)
	if err != nil {
		return nil, fmt.Errorf("%s: retrieve: %w", GenerativeName, err)
	}
	if len(chunks) == 0 {
		return nil, &domain.MalformedPayloadError{Backend: GenerativeName, Reason: "knowledge base returned no passages"}
	}

	answer := chunks[0].Text
	if req.EnhanceWithLLM && g.llm != nil {
		text, err := g.llm.Generate(ctx, llm.BuildPrompt(req.Question, req.Persona, chunks))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// a failed model call counts as an upstream server error
			return nil, errors.Join(
				&domain.BackendStatusError{Backend: GenerativeName, StatusCode: 502},
				fmt.Errorf("%s: generate: %w", GenerativeName, err),
			)
		}
		answer = strings.TrimSpace(text)
	}

	return &domain.PrimaryResponse{
		Answer:           answer,
		Chunks:           chunks,
		Confidence:       domain.Clamp01(chunks[0].Score),
		Sources:          sources(chunks),
		ProcessingTimeMs: g.now().Sub(start).Milliseconds(),
	}, nil
}

// sources lists distinct chunk sources in rank order.
func sources(chunks []domain.Chunk) []string {
	seen := make(map[string]bool, len(chunks))
	var out []string
	for _, c := range chunks {
		s := c.Source
		if s == "" {
			s = c.ID
		}
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

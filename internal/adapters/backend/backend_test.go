package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/backend"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/knowledge"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/llm"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/retrieval"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

func TestContextualClientAnswers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req domain.PrimaryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.PersonaTechnical, req.Persona)
		assert.Equal(t, 5, req.MaxChunks)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.PrimaryResponse{
			Answer:     "600 mg mensal",
			Chunks:     []domain.Chunk{{ID: "c1", Text: "600 mg", Score: 0.9}},
			Confidence: 0.9,
			Sources:    []string{"PCDT"},
		})
	}))
	defer srv.Close()

	c := backend.NewContextualClient(srv.URL + "/")
	resp, err := c.Answer(context.Background(), domain.PrimaryRequest{
		Question:  "dose de rifampicina",
		Persona:   domain.PersonaTechnical,
		MaxChunks: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "600 mg mensal", resp.Answer)
	assert.Equal(t, 0.9, resp.Confidence)
	require.Len(t, resp.Chunks, 1)
}

func TestSearchClientSearches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/search", r.URL.Path)
		var req domain.SearchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"dosage"}, req.ChunkTypes)
		_ = json.NewEncoder(w).Encode(domain.SearchResponse{
			Chunks:          []domain.Chunk{{ID: "c1", Text: "Dapsona 100 mg", Score: 0.5}},
			CombinedContext: "Dapsona 100 mg",
		})
	}))
	defer srv.Close()

	resp, err := backend.NewSearchClient(srv.URL).Search(context.Background(), domain.SearchRequest{
		Query:      "dapsona",
		MaxChunks:  3,
		ChunkTypes: []string{"dosage"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Dapsona 100 mg", resp.CombinedContext)
}

func TestHTTPFailuresClassify(t *testing.T) {
	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer status.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json"))
	}))
	defer garbage.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cases := []struct {
		name    string
		url     string
		timeout time.Duration
		want    domain.FailureKind
	}{
		{"5xx", status.URL, time.Second, domain.FailureServerError},
		{"undecodable", garbage.URL, time.Second, domain.FailureDataCorruption},
		{"deadline", slow.URL, 30 * time.Millisecond, domain.FailureTimeout},
		{"refused", closedURL, time.Second, domain.FailureNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tc.timeout)
			defer cancel()

			_, err := backend.NewContextualClient(tc.url).Answer(ctx, domain.PrimaryRequest{Question: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.want, retrieval.Classify(err))
		})
	}

	var se *domain.BackendStatusError
	_, err := backend.NewSearchClient(status.URL).Search(context.Background(), domain.SearchRequest{Query: "x"})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, backend.SecondaryName, se.Backend)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

type failingLLM struct{}

func (failingLLM) Generate(context.Context, llm.Prompt) (string, error) {
	return "", errors.New("quota exceeded")
}

type emptyRetriever struct{}

func (emptyRetriever) Retrieve(context.Context, string, int) ([]domain.Chunk, error) { return nil, nil }

func TestGenerativeAnswersFromKnowledgeBase(t *testing.T) {
	ctx := context.Background()
	kb, err := knowledge.New(ctx, knowledge.DefaultDocuments(), 0)
	require.NoError(t, err)
	q := domain.PrimaryRequest{Question: "Minha urina ficou avermelhada com a rifampicina", Persona: domain.PersonaEmpathetic, MaxChunks: 3}

	plain, err := backend.NewGenerative(kb, llm.NewMockLLM(), 5).Answer(ctx, q)
	require.NoError(t, err)
	assert.Contains(t, plain.Answer, "avermelhada")
	assert.Len(t, plain.Chunks, 3)
	assert.Equal(t, plain.Chunks[0].Score, plain.Confidence)
	assert.Equal(t, []string{"Roteiro de Dispensação PQT-U"}, plain.Sources)

	q.EnhanceWithLLM = true
	enhanced, err := backend.NewGenerative(kb, llm.NewMockLLM(), 5).Answer(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, plain.Chunks[0].Text+" "+plain.Chunks[1].Text, enhanced.Answer)

	_, err = backend.NewGenerative(kb, failingLLM{}, 5).Answer(ctx, q)
	assert.Equal(t, domain.FailureServerError, retrieval.Classify(err))
	assert.ErrorContains(t, err, "quota exceeded")

	_, err = backend.NewGenerative(emptyRetriever{}, nil, 5).Answer(ctx, q)
	assert.Equal(t, domain.FailureDataCorruption, retrieval.Classify(err))
}

package domain

import "time"

// Chunk is one ranked piece of knowledge returned by a backend.
type Chunk struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Category string  `json:"category,omitempty"`
	Source   string  `json:"source,omitempty"`
}

// CacheStatus tells apart "not cached" reasons; a cache-ineligible result is
// not the same as a miss.
type CacheStatus string

const (
	CacheHit        CacheStatus = "hit"
	CacheStored     CacheStatus = "stored"
	CacheIneligible CacheStatus = "ineligible"
	CacheBypassed   CacheStatus = "bypassed"
)

// QueryMetadata records how a RetrievalContext was produced.
type QueryMetadata struct {
	Query          string        `json:"query"`
	Persona        PersonaID     `json:"persona"`
	MaxChunks      int           `json:"max_chunks"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// RetrievalContext is the normalized result of a knowledge-backend query.
type RetrievalContext struct {
	Answer      string          `json:"answer"`
	Chunks      []Chunk         `json:"chunks"`
	TotalScore  float64         `json:"total_score"`
	Confidence  float64         `json:"confidence"`
	SourceIDs   []string        `json:"source_ids"`
	Level       ConfidenceLevel `json:"confidence_level"`
	Backend     string          `json:"backend"`
	Cached      bool            `json:"cached"`
	CacheStatus CacheStatus     `json:"cache_status"`
	Query       QueryMetadata   `json:"query_metadata"`
}

// PrimaryRequest is sent to the contextual-answer service.
type PrimaryRequest struct {
	Question       string    `json:"question"`
	Persona        PersonaID `json:"persona"`
	MaxChunks      int       `json:"max_chunks"`
	EnhanceWithLLM bool      `json:"enhance_with_llm"`
}

// PrimaryResponse is what the contextual-answer service returns.
type PrimaryResponse struct {
	Answer           string   `json:"answer"`
	Chunks           []Chunk  `json:"chunks"`
	Confidence       float64  `json:"confidence"`
	Sources          []string `json:"sources"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// SearchRequest is sent to the raw-search service.
type SearchRequest struct {
	Query      string   `json:"query"`
	MaxChunks  int      `json:"max_chunks"`
	MinScore   float64  `json:"min_score"`
	ChunkTypes []string `json:"chunk_types,omitempty"`
}

// SearchResponse is what the raw-search service returns.
type SearchResponse struct {
	Chunks          []Chunk `json:"chunks"`
	CombinedContext string  `json:"combined_context"`
	Confidence      float64 `json:"confidence"`
}

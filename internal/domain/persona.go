package domain

import "time"

// ResponseStyle describes how a persona phrases an answer.
type ResponseStyle struct {
	Formality        string `yaml:"formality" json:"formality"`
	Technicality     string `yaml:"technicality" json:"technicality"`
	IncludeExamples  bool   `yaml:"include_examples" json:"include_examples"`
	IncludeCitations bool   `yaml:"include_citations" json:"include_citations"`
}

// RetrievalPreferences tune the gateway call made on behalf of a persona.
type RetrievalPreferences struct {
	MaxChunks           int      `yaml:"max_chunks" json:"max_chunks"`
	MinSimilarity       float64  `yaml:"min_similarity" json:"min_similarity"`
	MinConfidence       float64  `yaml:"min_confidence" json:"min_confidence"`
	PreferredCategories []string `yaml:"preferred_categories" json:"preferred_categories"`
}

// PersonaProfile is static persona configuration. Read-only at runtime.
type PersonaProfile struct {
	ID        PersonaID            `yaml:"id" json:"id"`
	Name      string               `yaml:"name" json:"name"`
	Tone      string               `yaml:"tone" json:"tone"`
	Expertise []string             `yaml:"expertise" json:"expertise"`
	Signature string               `yaml:"signature" json:"signature"`
	Style     ResponseStyle        `yaml:"style" json:"style"`
	Retrieval RetrievalPreferences `yaml:"retrieval" json:"retrieval"`
}

// UserInteractionProfile accumulates what we know about a user across queries.
type UserInteractionProfile struct {
	UserID            UserID            `json:"user_id"`
	PreferredPersona  PersonaID         `json:"preferred_persona"`
	Topics            []string          `json:"topics"`
	InteractionCount  int               `json:"interaction_count"`
	LastInteractionAt time.Time         `json:"last_interaction_at"`
	PersonaUsage      map[PersonaID]int `json:"persona_usage"`
}

// InteractionRecord is one entry of a user's recent-interaction log.
type InteractionRecord struct {
	UserID               UserID    `json:"user_id"`
	SessionID            SessionID `json:"session_id,omitempty"`
	Persona              PersonaID `json:"persona"`
	Query                string    `json:"query"`
	Confidence           float64   `json:"confidence"`
	FallbackUsed         bool      `json:"fallback_used"`
	PersonalizationScore float64   `json:"personalization_score"`
	SatisfactionScore    float64   `json:"satisfaction_prediction"`
	At                   time.Time `json:"at"`
}

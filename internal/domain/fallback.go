package domain

// FailureKind classifies why retrieval could not produce an answer.
type FailureKind string

const (
	FailureNetwork        FailureKind = "network"
	FailureTimeout        FailureKind = "timeout"
	FailureServerError    FailureKind = "server_error"
	FailureDataCorruption FailureKind = "data_corruption"
	FailureLowConfidence  FailureKind = "low_confidence"
	FailureUnknown        FailureKind = "unknown"
)

// FallbackSource is the tier of the fallback chain that produced an answer.
type FallbackSource string

const (
	FallbackCache          FallbackSource = "cache"
	FallbackLocalKnowledge FallbackSource = "local_knowledge"
	FallbackEmergency      FallbackSource = "emergency"
	FallbackGeneric        FallbackSource = "generic"
)

// FallbackResult is terminal: it is never retried beyond the configured chain.
type FallbackResult struct {
	Success          bool             `json:"success"`
	Text             string           `json:"text"`
	Source           FallbackSource   `json:"source"`
	Confidence       float64          `json:"confidence"`
	Advisory         string           `json:"advisory,omitempty"`
	EmergencyContact string           `json:"emergency_contact,omitempty"`
	Sentiment        string           `json:"sentiment,omitempty"`
	Tried            []FallbackSource `json:"tried,omitempty"`
}

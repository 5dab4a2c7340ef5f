package domain

import "time"

type SessionID string
type UserID string
type MessageID string
type PersonaID string

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	PersonaTechnical  PersonaID = "dr_gasnelio" // Technical, pharmacist voice
	PersonaEmpathetic PersonaID = "ga"          // Empathetic, plain-language voice
)

// SessionStatus is the lifecycle state of a chat session: created -> active -> ended.
type SessionStatus string

const (
	SessionCreated SessionStatus = "created"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// ConfidenceLevel is the coarse tier of a retrieval confidence.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// LevelFor maps a confidence in [0,1] to its tier.
func LevelFor(confidence float64) ConfidenceLevel {
	switch {
	case confidence >= 0.7:
		return ConfidenceHigh
	case confidence >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

type Timestamp = time.Time

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

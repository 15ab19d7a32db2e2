package models

import "time"

// Agreement values emitted by the critic.
const (
	Agree    = "agree"
	Disagree = "disagree"
)

// AgentDecision is one stage's verdict on one event. Critic decisions carry
// Agreement; judge decisions carry FlagForReview and DisagreementScore.
type AgentDecision struct {
	EventID           string         `json:"event_id"`
	Label             CognitiveLabel `json:"label"`
	Justification     string         `json:"justification"`
	Confidence        float64        `json:"confidence"`
	Agreement         string         `json:"agreement,omitempty"`
	FlagForReview     bool           `json:"flag_for_review,omitempty"`
	DisagreementScore float64        `json:"disagreement_score,omitempty"`
	// Degraded marks a decision synthesised locally after a parse failure.
	Degraded bool `json:"degraded,omitempty"`
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// AnnotatedEvent is an event together with every stage's output and the
// derived review fields. There is exactly one per input event.
type AnnotatedEvent struct {
	SessionID  string `json:"session_id"`
	EventID    string `json:"event_id"`
	Timestamp  string `json:"timestamp"`
	ActionType string `json:"action_type"`
	Content    string `json:"content"`

	CognitiveLabel CognitiveLabel `json:"cognitive_label"`

	AnalystLabel         CognitiveLabel `json:"analyst_label"`
	AnalystJustification string         `json:"analyst_justification"`
	CriticLabel          CognitiveLabel `json:"critic_label"`
	CriticAgreement      string         `json:"critic_agreement"`
	CriticJustification  string         `json:"critic_justification"`
	JudgeJustification   string         `json:"judge_justification"`
	JudgeFlag            bool           `json:"judge_flag"`

	ConfidenceScore   float64 `json:"confidence_score"`
	DisagreementScore float64 `json:"disagreement_score"`
	FlaggedForReview  bool    `json:"flagged_for_review"`

	UserOverride      bool      `json:"user_override"`
	OverrideVersion   int       `json:"override_version"`
	OverrideTimestamp time.Time `json:"override_timestamp"`
}

// Interaction steps recorded in a session log.
const (
	StepAnalyst      = "analyst"
	StepCritic       = "critic"
	StepDisagreement = "disagreement"
	StepJudge        = "judge"
)

// InteractionRecord captures one stage call for a session log.
type InteractionRecord struct {
	Step         int             `json:"step"`
	Agent        string          `json:"agent"`
	Status       string          `json:"status"`
	Model        string          `json:"model,omitempty"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	ElapsedMS    int64           `json:"elapsed_ms"`
	Decisions    []AgentDecision `json:"decisions,omitempty"`
	Scores       []float64       `json:"scores,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// SessionLog is the per-session audit document. Only overrides mutate it
// after it is first written.
type SessionLog struct {
	SessionID        string              `json:"session_id"`
	JobID            string              `json:"job_id"`
	Timestamp        time.Time           `json:"timestamp"`
	Events           []AnnotatedEvent    `json:"events"`
	Interactions     []InteractionRecord `json:"interactions"`
	FlaggedForReview bool                `json:"flagged_for_review"`
	MaxDisagreement  float64             `json:"max_disagreement"`
}

package pipeline

import (
	"time"

	"cognitive-traces/internal/agents"
	"cognitive-traces/internal/models"
)

// DefaultFlagThreshold is the disagreement score above which an event, and
// its session, is flagged for review.
const DefaultFlagThreshold = 0.75

// expand places a windowed stage result at its session positions. Positions
// outside the window stay nil.
func expand(res *agents.Result, n int) []*models.AgentDecision {
	out := make([]*models.AgentDecision, n)
	if res == nil {
		return out
	}
	for k := range res.Decisions {
		if i := res.Offset + k; i >= 0 && i < n {
			d := res.Decisions[k]
			out[i] = &d
		}
	}
	return out
}

// Combine builds one AnnotatedEvent per session event. Decision slices may
// be shorter than the session or contain nil entries. The final label comes
// from the judge, else the critic, else the analyst, else Unknown.
func Combine(session *models.Session, analyst, critic, judge []*models.AgentDecision, scores []float64, threshold float64, now time.Time) ([]models.AnnotatedEvent, float64, bool) {
	out := make([]models.AnnotatedEvent, len(session.Events))
	maxScore := 0.0

	for i, ev := range session.Events {
		a, c, j := at(analyst, i), at(critic, i), at(judge, i)

		ae := models.AnnotatedEvent{
			SessionID:         session.SessionID,
			EventID:           ev.EventID,
			Timestamp:         ev.Timestamp,
			ActionType:        ev.ActionType,
			Content:           ev.Content,
			CognitiveLabel:    models.Unknown,
			AnalystLabel:      models.Unknown,
			CriticLabel:       models.Unknown,
			OverrideVersion:   1,
			OverrideTimestamp: now,
		}

		if a != nil {
			ae.AnalystLabel = a.Label
			ae.AnalystJustification = a.Justification
			ae.CognitiveLabel = a.Label
		}
		if c != nil {
			ae.CriticLabel = c.Label
			ae.CriticAgreement = c.Agreement
			ae.CriticJustification = c.Justification
			ae.CognitiveLabel = c.Label
		}
		if j != nil {
			ae.CognitiveLabel = j.Label
			ae.JudgeJustification = j.Justification
			ae.JudgeFlag = j.FlagForReview
			ae.ConfidenceScore = j.Confidence
		}
		if i < len(scores) {
			ae.DisagreementScore = scores[i]
		}
		ae.FlaggedForReview = ae.DisagreementScore > threshold
		if ae.DisagreementScore > maxScore {
			maxScore = ae.DisagreementScore
		}
		out[i] = ae
	}

	return out, maxScore, maxScore > threshold
}

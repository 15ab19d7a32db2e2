package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cognitive-traces/internal/models"
)

// MaxFieldLength bounds content and justification columns of output rows.
const MaxFieldLength = 500

// Header is the column order of the tabular output.
var Header = []string{
	"session_id",
	"event_id",
	"event_timestamp",
	"action_type",
	"content",
	"cognitive_label",
	"analyst_label",
	"analyst_justification",
	"critic_label",
	"critic_agreement",
	"critic_justification",
	"judge_justification",
	"confidence_score",
	"disagreement_score",
	"flagged_for_review",
	"user_override",
	"override_version",
	"override_timestamp",
}

// TruncateForOutput cuts long text columns to MaxFieldLength runes.
func TruncateForOutput(ev models.AnnotatedEvent) models.AnnotatedEvent {
	ev.Content = cut(ev.Content)
	ev.AnalystJustification = cut(ev.AnalystJustification)
	ev.CriticJustification = cut(ev.CriticJustification)
	ev.JudgeJustification = cut(ev.JudgeJustification)
	return ev
}

func cut(s string) string {
	r := []rune(s)
	if len(r) <= MaxFieldLength {
		return s
	}
	return string(r[:MaxFieldLength])
}

// EncodeRow renders an event in Header order.
func EncodeRow(ev models.AnnotatedEvent) []string {
	ev = TruncateForOutput(ev)
	ts := ""
	if !ev.OverrideTimestamp.IsZero() {
		ts = ev.OverrideTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		ev.SessionID,
		ev.EventID,
		ev.Timestamp,
		ev.ActionType,
		ev.Content,
		string(ev.CognitiveLabel),
		string(ev.AnalystLabel),
		ev.AnalystJustification,
		string(ev.CriticLabel),
		ev.CriticAgreement,
		ev.CriticJustification,
		ev.JudgeJustification,
		strconv.FormatFloat(ev.ConfidenceScore, 'f', -1, 64),
		strconv.FormatFloat(ev.DisagreementScore, 'f', -1, 64),
		strconv.FormatBool(ev.FlaggedForReview),
		strconv.FormatBool(ev.UserOverride),
		strconv.Itoa(ev.OverrideVersion),
		ts,
	}
}

// DecodeRow parses a row written by EncodeRow.
func DecodeRow(rec []string) (models.AnnotatedEvent, error) {
	if len(rec) != len(Header) {
		return models.AnnotatedEvent{}, fmt.Errorf("row has %d columns, want %d", len(rec), len(Header))
	}

	var ev models.AnnotatedEvent
	var err error
	ev.SessionID = rec[0]
	ev.EventID = rec[1]
	ev.Timestamp = rec[2]
	ev.ActionType = rec[3]
	ev.Content = rec[4]
	ev.CognitiveLabel = models.CognitiveLabel(rec[5])
	ev.AnalystLabel = models.CognitiveLabel(rec[6])
	ev.AnalystJustification = rec[7]
	ev.CriticLabel = models.CognitiveLabel(rec[8])
	ev.CriticAgreement = rec[9]
	ev.CriticJustification = rec[10]
	ev.JudgeJustification = rec[11]

	if ev.ConfidenceScore, err = parseFloat(rec[12]); err != nil {
		return ev, fmt.Errorf("invalid confidence_score: %w", err)
	}
	if ev.DisagreementScore, err = parseFloat(rec[13]); err != nil {
		return ev, fmt.Errorf("invalid disagreement_score: %w", err)
	}
	if ev.FlaggedForReview, err = parseBool(rec[14]); err != nil {
		return ev, fmt.Errorf("invalid flagged_for_review: %w", err)
	}
	if ev.UserOverride, err = parseBool(rec[15]); err != nil {
		return ev, fmt.Errorf("invalid user_override: %w", err)
	}
	if ev.OverrideVersion, err = strconv.Atoi(strings.TrimSpace(rec[16])); err != nil {
		return ev, fmt.Errorf("invalid override_version: %w", err)
	}
	if rec[17] != "" {
		if ev.OverrideTimestamp, err = time.Parse(time.RFC3339Nano, rec[17]); err != nil {
			return ev, fmt.Errorf("invalid override_timestamp: %w", err)
		}
	}
	return ev, nil
}

func parseFloat(s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseBool(s string) (bool, error) {
	if strings.TrimSpace(s) == "" {
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}

package agents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cognitive-traces/internal/models"
)

var errNoArray = errors.New("no JSON array found in response")

// looseString accepts JSON strings, numbers and booleans.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	*s = looseString(string(b))
	return nil
}

// looseFloat accepts numbers and numeric strings.
type looseFloat struct {
	value float64
	set   bool
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = looseFloat{value: n, set: true}
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("invalid number %s", string(b))
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(str, "%")), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", str)
	}
	if strings.HasSuffix(str, "%") {
		n /= 100
	}
	*f = looseFloat{value: n, set: true}
	return nil
}

// looseBool accepts booleans and "true"/"false"/"yes"/"no" strings.
type looseBool bool

func (v *looseBool) UnmarshalJSON(b []byte) error {
	var x bool
	if err := json.Unmarshal(b, &x); err == nil {
		*v = looseBool(x)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "true", "yes", "1":
			*v = true
		}
		return nil
	}
	return nil
}

// wireDecision is the shape models are asked to return. All three roles
// share it; unused fields are simply absent.
type wireDecision struct {
	EventID           looseString `json:"event_id"`
	Label             string      `json:"label"`
	FinalLabel        string      `json:"final_label"`
	Justification     string      `json:"justification"`
	Confidence        looseFloat  `json:"confidence"`
	Agreement         looseString `json:"agreement"`
	FlagForReview     looseBool   `json:"flag_for_review"`
	DisagreementScore looseFloat  `json:"disagreement_score"`
}

// extractArray returns the text between the first '[' and the last ']'.
func extractArray(text string) (string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return "", errNoArray
	}
	return text[start : end+1], nil
}

func parseDecisions(text string) ([]wireDecision, error) {
	raw, err := extractArray(text)
	if err != nil {
		return nil, err
	}
	var out []wireDecision
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to parse decisions: %w", err)
	}
	return out, nil
}

func (w wireDecision) toDecision(eventID string) models.AgentDecision {
	labelText := w.Label
	if w.FinalLabel != "" {
		labelText = w.FinalLabel
	}
	label, _ := models.ParseLabel(labelText)

	confidence := 0.0
	if w.Confidence.set {
		confidence = models.ClampConfidence(w.Confidence.value)
	}

	d := models.AgentDecision{
		EventID:       eventID,
		Label:         label,
		Justification: w.Justification,
		Confidence:    confidence,
		FlagForReview: bool(w.FlagForReview),
	}
	if w.DisagreementScore.set {
		d.DisagreementScore = models.ClampConfidence(w.DisagreementScore.value)
	}
	switch strings.ToLower(strings.TrimSpace(string(w.Agreement))) {
	case "":
	case models.Agree, "true", "yes":
		d.Agreement = models.Agree
	default:
		d.Agreement = models.Disagree
	}
	return d
}

// alignDecisions maps parsed decisions onto events. A decision is matched by
// event_id first, then by position. Events left without a decision get nil.
func alignDecisions(parsed []wireDecision, events []models.Event) []*models.AgentDecision {
	out := make([]*models.AgentDecision, len(events))

	byID := make(map[string]int, len(events))
	for i, ev := range events {
		byID[ev.EventID] = i
	}

	used := make([]bool, len(parsed))
	for j, w := range parsed {
		i, ok := byID[strings.TrimSpace(string(w.EventID))]
		if !ok || out[i] != nil {
			continue
		}
		d := w.toDecision(events[i].EventID)
		out[i] = &d
		used[j] = true
	}
	for j, w := range parsed {
		if used[j] || j >= len(events) || out[j] != nil {
			continue
		}
		d := w.toDecision(events[j].EventID)
		out[j] = &d
	}
	return out
}

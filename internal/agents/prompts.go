package agents

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/models"
)

// EventView is the per-event data available to prompt templates. Content and
// justifications are already truncated to the tier budget.
type EventView struct {
	Number     int
	EventID    string
	Timestamp  string
	ActionType string
	Content    string

	AnalystLabel         string
	AnalystJustification string
	AnalystConfidence    float64

	CriticAgreement     string
	CriticLabel         string
	CriticJustification string
	CriticConfidence    float64

	DisagreementScore float64
}

// PromptData is the root object passed to prompt templates.
type PromptData struct {
	Role        string
	LabelSchema string
	Labels      []string
	Events      []EventView
	TotalEvents int
}

// LabelSchema renders the label definitions shared by all prompts.
func LabelSchema() string {
	var sb strings.Builder
	sb.WriteString("# Cognitive Label Schema (Information Foraging Theory)\n")
	for i, l := range models.Labels {
		fmt.Fprintf(&sb, "\n%d. **%s**: %s\n", i+1, l, models.LabelDescriptions[l])
	}
	return sb.String()
}

const analystTemplate = `You are an expert analyst of user behaviour applying Information Foraging Theory. Assign one cognitive label to every event of the session below.

{{.LabelSchema}}
## Session Events ({{len .Events}} of {{.TotalEvents}}):
{{range .Events}}
Event {{.Number}} ({{.EventID}}):
  - Timestamp: {{.Timestamp}}
  - Action: {{.ActionType}}
  - Content: {{.Content}}
{{end}}
## Output Format (JSON):
Return a JSON array with exactly one object per event, in event order:
[
  {"event_id": "...", "label": "FollowingScent", "justification": "...", "confidence": 0.85}
]

Provide ONLY the JSON array, no additional text.
`

const criticTemplate = `You are a critical reviewer applying Information Foraging Theory. Challenge the Analyst's label for every event and look for alternative explanations.

{{.LabelSchema}}
## Analyst's Analysis:
{{range .Events}}
Event {{.Number}} ({{.EventID}}):
  - Action: {{.ActionType}}
  - Content: {{.Content}}
  - Analyst's Label: {{.AnalystLabel}}
  - Analyst's Reasoning: {{.AnalystJustification}}
{{end}}
## Your Task:
For EACH event either agree with the Analyst's label and support it, or disagree and propose a different label with a counter-argument.

## Output Format (JSON):
[
  {"event_id": "...", "agreement": "agree", "label": "FollowingScent", "justification": "...", "confidence": 0.80}
]

Provide ONLY the JSON array, no additional text.
`

const judgeTemplate = `You are the final arbiter of a multi-agent labelling system. Synthesise the Analyst's and Critic's views and decide the final label for every event.

{{.LabelSchema}}
## Agent Deliberations:
{{range .Events}}
Event {{.Number}} ({{.EventID}}):
  - Action: {{.ActionType}}
  - Content: {{.Content}}
  - Analyst: {{.AnalystLabel}} (confidence: {{printf "%.2f" .AnalystConfidence}})
    Reasoning: {{.AnalystJustification}}
  - Critic: {{.CriticAgreement}} - {{.CriticLabel}} (confidence: {{printf "%.2f" .CriticConfidence}})
    Reasoning: {{.CriticJustification}}
  - Disagreement score: {{printf "%.2f" .DisagreementScore}}
{{end}}
## Output Format (JSON):
[
  {"event_id": "...", "final_label": "FollowingScent", "justification": "...", "confidence": 0.87, "flag_for_review": false, "disagreement_score": 0.15}
]

Provide ONLY the JSON array, no additional text.
`

func defaultTemplate(role llm.Role) string {
	switch role {
	case llm.RoleCritic:
		return criticTemplate
	case llm.RoleJudge:
		return judgeTemplate
	default:
		return analystTemplate
	}
}

// parseTemplate compiles the override for role, or the built-in template.
// An override without template actions renders verbatim.
func parseTemplate(role llm.Role, override string) (*template.Template, error) {
	text := override
	if strings.TrimSpace(text) == "" {
		text = defaultTemplate(role)
	}
	tmpl, err := template.New(string(role)).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s prompt template: %w", role, err)
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", data.Role, err)
	}
	return buf.String(), nil
}

// truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

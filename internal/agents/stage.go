// Package agents implements the analyst, critic and judge stages. Each stage
// windows the session, renders a prompt, sizes the output budget, calls the
// model router and turns the reply into exactly one decision per event.
package agents

import (
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/metrics"
	"cognitive-traces/internal/models"

	"go.uber.org/zap"
)

// ErrNoFallback is returned when the judge reply is unusable and there are no
// critic decisions to fall back on.
var ErrNoFallback = errors.New("judge output unusable and no critic decision to fall back on")

const judgeFallbackConfidenceFactor = 0.8

// Input is the data a stage works on. Decision slices are indexed like
// Session.Events; nil entries mean the earlier stage produced nothing there.
type Input struct {
	Session *models.Session
	Analyst []*models.AgentDecision
	Critic  []*models.AgentDecision
	Scores  []float64
}

// Result holds one decision per windowed event. Offset is the session index
// of the first windowed event.
type Result struct {
	Decisions    []models.AgentDecision
	Offset       int
	Model        string
	FallbackUsed bool
	Elapsed      time.Duration
	Degraded     bool
	Raw          string
}

// Stage is one agent of the pipeline.
type Stage struct {
	role   llm.Role
	cfg    llm.Config
	gen    llm.Generator
	tmpl   *template.Template
	logger *zap.Logger
}

// NewStage creates a stage for role using the role's prompt override if set.
func NewStage(role llm.Role, cfg llm.Config, gen llm.Generator, logger *zap.Logger) (*Stage, error) {
	tmpl, err := parseTemplate(role, cfg.PromptOverride(role))
	if err != nil {
		return nil, err
	}
	return &Stage{
		role:   role,
		cfg:    cfg,
		gen:    gen,
		tmpl:   tmpl,
		logger: logger.With(zap.String("agent", string(role))),
	}, nil
}

// Role returns the stage role.
func (s *Stage) Role() llm.Role {
	return s.role
}

// Run executes the stage for one session.
func (s *Stage) Run(ctx context.Context, in Input) (*Result, error) {
	events, offset := s.window(in.Session.Events)

	prompt, err := s.Prompt(in)
	if err != nil {
		return nil, err
	}

	model := s.cfg.ModelFor(s.role)
	maxTokens, err := OutputBudget(s.cfg, s.gen.Spec(model), model, prompt, len(events))
	if err != nil {
		return nil, err
	}

	resp, err := s.gen.Generate(ctx, llm.Request{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: s.cfg.Temperature,
		Role:        s.role,
	})
	if err != nil {
		return nil, fmt.Errorf("%s agent error: %w", s.role, err)
	}

	decisions, degraded, err := s.decide(resp.Text, events, offset, in)
	if err != nil {
		return nil, err
	}
	if degraded {
		metrics.RecordStageFallback(string(s.role))
	}

	return &Result{
		Decisions:    decisions,
		Offset:       offset,
		Model:        resp.Model,
		FallbackUsed: resp.FallbackUsed,
		Elapsed:      resp.Elapsed,
		Degraded:     degraded,
		Raw:          resp.Text,
	}, nil
}

// Prompt renders the prompt the stage would send for in.
func (s *Stage) Prompt(in Input) (string, error) {
	events, offset := s.window(in.Session.Events)
	contentLimit, reasoningLimit := s.limits(len(events))

	views := make([]EventView, len(events))
	for i, ev := range events {
		v := EventView{
			Number:     i + 1,
			EventID:    ev.EventID,
			Timestamp:  ev.Timestamp,
			ActionType: ev.ActionType,
			Content:    truncate(ev.Content, contentLimit),
		}
		if a := at(in.Analyst, offset+i); a != nil {
			v.AnalystLabel = string(a.Label)
			v.AnalystJustification = truncate(a.Justification, reasoningLimit)
			v.AnalystConfidence = a.Confidence
		}
		if c := at(in.Critic, offset+i); c != nil {
			v.CriticAgreement = c.Agreement
			v.CriticLabel = string(c.Label)
			v.CriticJustification = truncate(c.Justification, reasoningLimit)
			v.CriticConfidence = c.Confidence
		}
		if j := offset + i; j < len(in.Scores) {
			v.DisagreementScore = in.Scores[j]
		}
		views[i] = v
	}

	labels := make([]string, len(models.Labels))
	for i, l := range models.Labels {
		labels[i] = string(l)
	}

	return render(s.tmpl, PromptData{
		Role:        string(s.role),
		LabelSchema: LabelSchema(),
		Labels:      labels,
		Events:      views,
		TotalEvents: len(in.Session.Events),
	})
}

// window applies the session strategy. Only sliding_window drops events.
func (s *Stage) window(events []models.Event) ([]models.Event, int) {
	if s.cfg.Strategy == llm.StrategySlidingWindow && s.cfg.WindowSize > 0 && len(events) > s.cfg.WindowSize {
		offset := len(events) - s.cfg.WindowSize
		return events[offset:], offset
	}
	return events, 0
}

// limits returns the content and reasoning character budgets. Strategies
// other than truncate always use the small tier.
func (s *Stage) limits(n int) (int, int) {
	t := s.cfg.Truncation
	if s.cfg.Strategy != llm.StrategyTruncate {
		return t.ContentSmall, t.ReasoningSmall
	}
	switch {
	case n <= 20:
		return t.ContentSmall, t.ReasoningSmall
	case n <= 50:
		return t.ContentMedium, t.ReasoningMedium
	default:
		return t.ContentLarge, t.ReasoningLarge
	}
}

// decide parses the reply and fills every event the model did not cover
// with the role's degraded decision.
func (s *Stage) decide(text string, events []models.Event, offset int, in Input) ([]models.AgentDecision, bool, error) {
	parsed, parseErr := parseDecisions(text)
	aligned := alignDecisions(parsed, events)

	reason := "no decision returned for event"
	if parseErr != nil {
		reason = parseErr.Error()
		s.logger.Warn("Failed to parse agent response, using fallback decisions",
			zap.String("session_id", in.Session.SessionID),
			zap.Error(parseErr))
	}

	out := make([]models.AgentDecision, len(events))
	degraded := false
	for i, ev := range events {
		if aligned[i] != nil {
			out[i] = *aligned[i]
			continue
		}
		d, err := s.fallback(ev, offset+i, in, reason)
		if err != nil {
			return nil, false, err
		}
		out[i] = d
		degraded = true
	}
	return out, degraded, nil
}

func (s *Stage) fallback(ev models.Event, idx int, in Input, reason string) (models.AgentDecision, error) {
	switch s.role {
	case llm.RoleCritic:
		label := models.FollowingScent
		if a := at(in.Analyst, idx); a != nil {
			label = a.Label
		}
		return models.AgentDecision{
			EventID:       ev.EventID,
			Label:         label,
			Justification: "Review error: " + reason,
			Confidence:    0.5,
			Agreement:     models.Agree,
			Degraded:      true,
		}, nil
	case llm.RoleJudge:
		c := at(in.Critic, idx)
		if c == nil {
			return models.AgentDecision{}, fmt.Errorf("event %s: %w", ev.EventID, ErrNoFallback)
		}
		return models.AgentDecision{
			EventID:           ev.EventID,
			Label:             c.Label,
			Justification:     "Judge parsing failed, using critic decision. Error: " + truncate(reason, 100),
			Confidence:        c.Confidence * judgeFallbackConfidenceFactor,
			FlagForReview:     true,
			DisagreementScore: 0.5,
			Degraded:          true,
		}, nil
	default:
		return models.AgentDecision{
			EventID:       ev.EventID,
			Label:         models.FollowingScent,
			Justification: "Analysis error: " + reason,
			Confidence:    0.5,
			Degraded:      true,
		}, nil
	}
}

func at(ds []*models.AgentDecision, i int) *models.AgentDecision {
	if i < 0 || i >= len(ds) {
		return nil
	}
	return ds[i]
}

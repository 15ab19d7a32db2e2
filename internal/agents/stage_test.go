package agents

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubGenerator struct {
	reply    string
	err      error
	spec     llm.ModelSpec
	requests []llm.Request
}

func (g *stubGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Response{Text: g.reply, Model: req.Model}, nil
}

func (g *stubGenerator) Spec(string) llm.ModelSpec {
	if g.spec == (llm.ModelSpec{}) {
		return llm.ModelSpec{ContextWindow: 128000, MaxOutput: 16384}
	}
	return g.spec
}

func session(t *testing.T, n int) *models.Session {
	t.Helper()
	events := make([]models.Event, n)
	for i := range events {
		events[i] = models.Event{
			EventID:    fmt.Sprintf("e%d", i+1),
			Timestamp:  fmt.Sprintf("2024-01-01T10:00:%02dZ", i),
			ActionType: "query",
			Content:    fmt.Sprintf("content %d", i+1),
		}
	}
	s, err := models.NewSession("s1", events)
	require.NoError(t, err)
	return s
}

func newStage(t *testing.T, role llm.Role, cfg llm.Config, gen llm.Generator) *Stage {
	t.Helper()
	s, err := NewStage(role, cfg, gen, zap.NewNop())
	require.NoError(t, err)
	return s
}

func decisionsOf(labels ...models.CognitiveLabel) []*models.AgentDecision {
	out := make([]*models.AgentDecision, len(labels))
	for i, l := range labels {
		out[i] = &models.AgentDecision{
			EventID:       fmt.Sprintf("e%d", i+1),
			Label:         l,
			Justification: "because",
			Confidence:    0.9,
			Agreement:     models.Agree,
		}
	}
	return out
}

func TestAnalyst_ParsesOutermostArray(t *testing.T) {
	gen := &stubGenerator{reply: "Sure! Here you go:\n```json\n[" +
		`{"event_id":"e2","label":"ApproachingSource","justification":"opened result","confidence":"0.7"},` +
		`{"event_id":"e1","label":"following scent","justification":"query","confidence":0.9}` +
		"]\n```"}
	st := newStage(t, llm.RoleAnalyst, llm.DefaultConfig(), gen)

	res, err := st.Run(context.Background(), Input{Session: session(t, 2)})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	assert.False(t, res.Degraded)

	assert.Equal(t, "e1", res.Decisions[0].EventID)
	assert.Equal(t, models.FollowingScent, res.Decisions[0].Label)
	assert.Equal(t, 0.9, res.Decisions[0].Confidence)
	assert.Equal(t, models.ApproachingSource, res.Decisions[1].Label)
	assert.Equal(t, 0.7, res.Decisions[1].Confidence)

	require.Len(t, gen.requests, 1)
	assert.Equal(t, "claude-3-5-sonnet-20241022", gen.requests[0].Model)
	assert.Equal(t, llm.RoleAnalyst, gen.requests[0].Role)
	assert.Equal(t, 4096+2*100, gen.requests[0].MaxTokens)
}

func TestAnalyst_ParseFailureDegrades(t *testing.T) {
	gen := &stubGenerator{reply: "I cannot do that"}
	st := newStage(t, llm.RoleAnalyst, llm.DefaultConfig(), gen)

	res, err := st.Run(context.Background(), Input{Session: session(t, 3)})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 3)
	assert.True(t, res.Degraded)
	for _, d := range res.Decisions {
		assert.Equal(t, models.FollowingScent, d.Label)
		assert.Equal(t, 0.5, d.Confidence)
		assert.True(t, d.Degraded)
		assert.Contains(t, d.Justification, "Analysis error")
	}
}

func TestCritic_ParseFailureAgreesWithAnalyst(t *testing.T) {
	gen := &stubGenerator{reply: "[not json"}
	st := newStage(t, llm.RoleCritic, llm.DefaultConfig(), gen)

	analyst := decisionsOf(models.PoorScent, models.LeavingPatch)
	res, err := st.Run(context.Background(), Input{Session: session(t, 2), Analyst: analyst})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, models.PoorScent, res.Decisions[0].Label)
	assert.Equal(t, models.LeavingPatch, res.Decisions[1].Label)
	assert.Equal(t, models.Agree, res.Decisions[1].Agreement)
	assert.Equal(t, 0.5, res.Decisions[1].Confidence)
}

func TestCritic_PromptIncludesAnalystDecisions(t *testing.T) {
	st := newStage(t, llm.RoleCritic, llm.DefaultConfig(), &stubGenerator{})
	prompt, err := st.Prompt(Input{Session: session(t, 1), Analyst: decisionsOf(models.DietEnrichment)})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Analyst's Label: DietEnrichment")
	assert.Contains(t, prompt, "ForagingSuccess")
}

func TestJudge_FallsBackToCritic(t *testing.T) {
	gen := &stubGenerator{reply: "unparsable"}
	st := newStage(t, llm.RoleJudge, llm.DefaultConfig(), gen)

	critic := decisionsOf(models.ForagingSuccess, models.PoorScent)
	res, err := st.Run(context.Background(), Input{
		Session: session(t, 2),
		Analyst: decisionsOf(models.FollowingScent, models.FollowingScent),
		Critic:  critic,
	})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	for i, d := range res.Decisions {
		assert.Equal(t, critic[i].Label, d.Label)
		assert.True(t, d.FlagForReview)
		assert.InDelta(t, 0.9*0.8, d.Confidence, 1e-9)
		assert.Equal(t, 0.5, d.DisagreementScore)
	}
}

func TestJudge_NoCriticDataFails(t *testing.T) {
	gen := &stubGenerator{reply: "unparsable"}
	st := newStage(t, llm.RoleJudge, llm.DefaultConfig(), gen)

	_, err := st.Run(context.Background(), Input{Session: session(t, 2)})
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestJudge_PartialOutputFilledFromCritic(t *testing.T) {
	gen := &stubGenerator{reply: `[{"event_id":"e1","final_label":"DietEnrichment","justification":"ok","confidence":0.95,"flag_for_review":false}]`}
	st := newStage(t, llm.RoleJudge, llm.DefaultConfig(), gen)

	res, err := st.Run(context.Background(), Input{
		Session: session(t, 2),
		Critic:  decisionsOf(models.PoorScent, models.LeavingPatch),
	})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, models.DietEnrichment, res.Decisions[0].Label)
	assert.False(t, res.Decisions[0].Degraded)
	assert.Equal(t, models.LeavingPatch, res.Decisions[1].Label)
	assert.True(t, res.Decisions[1].Degraded)
	assert.True(t, res.Degraded)
}

func TestStage_RouterErrorPropagates(t *testing.T) {
	gen := &stubGenerator{err: &llm.GenerationError{Provider: llm.ProviderOpenAI, Model: "gpt-4o", Err: fmt.Errorf("timeout")}}
	st := newStage(t, llm.RoleCritic, llm.DefaultConfig(), gen)

	_, err := st.Run(context.Background(), Input{Session: session(t, 1)})
	var genErr *llm.GenerationError
	assert.ErrorAs(t, err, &genErr)
}

func TestStage_SlidingWindow(t *testing.T) {
	cfg := llm.DefaultConfig()
	cfg.Strategy = llm.StrategySlidingWindow
	cfg.WindowSize = 3
	gen := &stubGenerator{reply: `[{"event_id":"e4","label":"PoorScent"},{"event_id":"e5","label":"PoorScent"},{"event_id":"e6","label":"LeavingPatch"}]`}
	st := newStage(t, llm.RoleAnalyst, cfg, gen)

	res, err := st.Run(context.Background(), Input{Session: session(t, 6)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Offset)
	require.Len(t, res.Decisions, 3)
	assert.Equal(t, "e4", res.Decisions[0].EventID)
	assert.Equal(t, models.LeavingPatch, res.Decisions[2].Label)

	assert.NotContains(t, gen.requests[0].Prompt, "(e1)")
	assert.Contains(t, gen.requests[0].Prompt, "(e6)")
}

func TestStage_TruncationTiers(t *testing.T) {
	cfg := llm.DefaultConfig()
	st := newStage(t, llm.RoleAnalyst, cfg, &stubGenerator{})

	for _, tt := range []struct {
		n, content, reasoning int
	}{
		{20, 200, 300},
		{21, 150, 200},
		{50, 150, 200},
		{51, 100, 150},
	} {
		c, r := st.limits(tt.n)
		assert.Equal(t, tt.content, c, "content limit for %d events", tt.n)
		assert.Equal(t, tt.reasoning, r, "reasoning limit for %d events", tt.n)
	}

	cfg.Strategy = llm.StrategyFull
	st = newStage(t, llm.RoleAnalyst, cfg, &stubGenerator{})
	c, r := st.limits(500)
	assert.Equal(t, 200, c)
	assert.Equal(t, 300, r)
}

func TestStage_ContentTruncatedInPrompt(t *testing.T) {
	s := session(t, 1)
	s.Events[0].Content = strings.Repeat("x", 250)
	st := newStage(t, llm.RoleAnalyst, llm.DefaultConfig(), &stubGenerator{})

	prompt, err := st.Prompt(Input{Session: s})
	require.NoError(t, err)
	assert.Contains(t, prompt, strings.Repeat("x", 200)+"...")
	assert.NotContains(t, prompt, strings.Repeat("x", 201))
}

func TestStage_CapacityErrorSkipsBackend(t *testing.T) {
	gen := &stubGenerator{spec: llm.ModelSpec{ContextWindow: 600, MaxOutput: 4096}}
	st := newStage(t, llm.RoleAnalyst, llm.DefaultConfig(), gen)

	_, err := st.Run(context.Background(), Input{Session: session(t, 5)})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 5, capErr.Events)
	assert.Contains(t, err.Error(), "Session too large (5 events")
	assert.Empty(t, gen.requests)
}

func TestStage_PromptOverride(t *testing.T) {
	cfg := llm.DefaultConfig()
	cfg.Prompts.Judge = "Decide {{len .Events}} events."
	gen := &stubGenerator{reply: "[]"}
	st := newStage(t, llm.RoleJudge, cfg, gen)

	prompt, err := st.Prompt(Input{Session: session(t, 4)})
	require.NoError(t, err)
	assert.Equal(t, "Decide 4 events.", prompt)

	cfg.Prompts.Analyst = "Plain prompt with no actions"
	st = newStage(t, llm.RoleAnalyst, cfg, gen)
	prompt, err = st.Prompt(Input{Session: session(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, "Plain prompt with no actions", prompt)

	cfg.Prompts.Critic = "{{.Broken"
	_, err = NewStage(llm.RoleCritic, cfg, gen, zap.NewNop())
	assert.Error(t, err)
}

func TestOutputBudget(t *testing.T) {
	cfg := llm.DefaultConfig()

	got, err := OutputBudget(cfg, llm.ModelSpec{ContextWindow: 200000, MaxOutput: 8192}, "m", "", 10)
	require.NoError(t, err)
	assert.Equal(t, 5096, got)

	got, err = OutputBudget(cfg, llm.ModelSpec{ContextWindow: 200000, MaxOutput: 8192}, "m", "", 200)
	require.NoError(t, err)
	assert.Equal(t, 8192, got, "clamped to model max output")

	got, err = OutputBudget(cfg, llm.ModelSpec{ContextWindow: 200000, MaxOutput: 64000}, "m", "", 200)
	require.NoError(t, err)
	assert.Equal(t, 16000, got, "clamped to configured cap")

	prompt := strings.Repeat("abcd", 7000)
	got, err = OutputBudget(cfg, llm.ModelSpec{ContextWindow: 8192, MaxOutput: 4096}, "m", prompt, 1)
	require.NoError(t, err)
	assert.Equal(t, 8192-7000-SafetyMargin, got, "clamped to remaining context")

	_, err = OutputBudget(cfg, llm.ModelSpec{ContextWindow: 7500, MaxOutput: 4096}, "m", prompt, 1)
	assert.Error(t, err)
}

func TestAlignDecisions_ByIDThenIndex(t *testing.T) {
	events := session(t, 3).Events
	parsed, err := parseDecisions(`[{"event_id":"zzz","label":"PoorScent"},{"event_id":"e3","label":"LeavingPatch"}]`)
	require.NoError(t, err)

	aligned := alignDecisions(parsed, events)
	require.Len(t, aligned, 3)
	require.NotNil(t, aligned[0])
	assert.Equal(t, "e1", aligned[0].EventID)
	assert.Equal(t, models.PoorScent, aligned[0].Label)
	assert.Nil(t, aligned[1])
	require.NotNil(t, aligned[2])
	assert.Equal(t, models.LeavingPatch, aligned[2].Label)
}

func TestParseDecisions_LooseFields(t *testing.T) {
	parsed, err := parseDecisions(`[{"event_id": 7, "label":"Nonsense", "confidence":"85%", "agreement":"Disagree", "flag_for_review":"yes"}]`)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	d := parsed[0].toDecision("7")
	assert.Equal(t, "7", string(parsed[0].EventID))
	assert.Equal(t, models.Unknown, d.Label)
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)
	assert.Equal(t, models.Disagree, d.Agreement)
	assert.True(t, d.FlagForReview)

	_, err = parseDecisions("no array here")
	assert.ErrorIs(t, err, errNoArray)
}

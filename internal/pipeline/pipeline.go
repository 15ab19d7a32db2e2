// Package pipeline runs the analyst, critic and judge stages for one session
// and combines their output.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"cognitive-traces/internal/agents"
	"cognitive-traces/internal/metrics"
	"cognitive-traces/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StageRunner is implemented by agents.Stage.
type StageRunner interface {
	Run(ctx context.Context, in agents.Input) (*agents.Result, error)
}

// Pipeline processes sessions through the three agents.
type Pipeline struct {
	analyst   StageRunner
	critic    StageRunner
	judge     StageRunner
	scorer    *Scorer
	threshold float64
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

// Config wires the pipeline.
type Config struct {
	Analyst       StageRunner
	Critic        StageRunner
	Judge         StageRunner
	Scorer        *Scorer
	FlagThreshold float64
}

// New creates a pipeline. A zero FlagThreshold uses DefaultFlagThreshold.
func New(cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.FlagThreshold == 0 {
		cfg.FlagThreshold = DefaultFlagThreshold
	}
	return &Pipeline{
		analyst:   cfg.Analyst,
		critic:    cfg.Critic,
		judge:     cfg.Judge,
		scorer:    cfg.Scorer,
		threshold: cfg.FlagThreshold,
		tracer:    otel.Tracer("cognitive-traces/pipeline"),
		logger:    logger,
		now:       time.Now,
	}
}

// Process runs one session. Any stage error aborts the session; nothing is
// returned for a partially processed session.
func (p *Pipeline) Process(ctx context.Context, jobID string, session *models.Session) (*models.SessionLog, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.session",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("session_id", session.SessionID),
			attribute.Int("event_count", len(session.Events)),
		),
	)
	defer span.End()

	n := len(session.Events)
	log := &models.SessionLog{
		SessionID: session.SessionID,
		JobID:     jobID,
		Timestamp: p.now(),
	}

	analystRes, err := p.runStage(ctx, log, 1, models.StepAnalyst, p.analyst, agents.Input{Session: session})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	analyst := expand(analystRes, n)

	criticRes, err := p.runStage(ctx, log, 2, models.StepCritic, p.critic, agents.Input{Session: session, Analyst: analyst})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	critic := expand(criticRes, n)

	start := time.Now()
	scores := p.scorer.Score(ctx, analyst, critic, n)
	elapsed := time.Since(start)
	metrics.RecordStage(models.StepDisagreement, elapsed)
	log.Interactions = append(log.Interactions, models.InteractionRecord{
		Step:      3,
		Agent:     models.StepDisagreement,
		Status:    "success",
		ElapsedMS: elapsed.Milliseconds(),
		Scores:    scores,
	})

	judgeRes, err := p.runStage(ctx, log, 4, models.StepJudge, p.judge, agents.Input{
		Session: session,
		Analyst: analyst,
		Critic:  critic,
		Scores:  scores,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	judge := expand(judgeRes, n)

	events, maxScore, flagged := Combine(session, analyst, critic, judge, scores, p.threshold, p.now())
	log.Events = events
	log.MaxDisagreement = maxScore
	log.FlaggedForReview = flagged

	span.SetAttributes(
		attribute.Float64("max_disagreement", maxScore),
		attribute.Bool("flagged_for_review", flagged),
	)

	p.logger.Debug("Session processed",
		zap.String("job_id", jobID),
		zap.String("session_id", session.SessionID),
		zap.Int("events", n),
		zap.Float64("max_disagreement", maxScore),
		zap.Bool("flagged", flagged))

	return log, nil
}

func (p *Pipeline) runStage(ctx context.Context, log *models.SessionLog, step int, name string, stage StageRunner, in agents.Input) (*agents.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	res, err := stage.Run(ctx, in)
	elapsed := time.Since(start)
	metrics.RecordStage(name, elapsed)

	rec := models.InteractionRecord{
		Step:      step,
		Agent:     name,
		ElapsedMS: elapsed.Milliseconds(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rec.Status = "error"
		rec.Error = err.Error()
		log.Interactions = append(log.Interactions, rec)
		return nil, fmt.Errorf("%s stage failed: %w", name, err)
	}

	rec.Status = "success"
	if res.Degraded {
		rec.Status = "degraded"
	}
	rec.Model = res.Model
	rec.FallbackUsed = res.FallbackUsed
	rec.Decisions = res.Decisions
	log.Interactions = append(log.Interactions, rec)

	span.SetAttributes(
		attribute.String("model", res.Model),
		attribute.Bool("fallback_used", res.FallbackUsed),
		attribute.Bool("degraded", res.Degraded),
	)
	return res, nil
}

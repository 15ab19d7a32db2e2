package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cognitive-traces/internal/agents"
	"cognitive-traces/internal/embedding"
	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/models"
	"cognitive-traces/internal/orchestrator"
	"cognitive-traces/internal/pipeline"
	"cognitive-traces/internal/review"
	"cognitive-traces/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrJobRunning is returned when a job id is started twice.
	ErrJobRunning = errors.New("job is already running")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
)

// FactoryFunc builds the backend factory of one job.
type FactoryFunc func(ctx context.Context, cfg llm.Config, logger *zap.Logger) llm.BackendFactory

// Options configure the annotator.
type Options struct {
	// LLM holds the default models and the credentials of every job.
	LLM           llm.Config
	FlagThreshold float64
	Embedder      embedding.Embedder
	// Backends defaults to NewBackendFactory.
	Backends FactoryFunc
}

// JobRequest starts or resumes a job.
type JobRequest struct {
	// JobID resumes an existing job when set; a new id is generated otherwise.
	JobID       string            `json:"job_id,omitempty"`
	DatasetName string            `json:"dataset_name"`
	Sessions    []*models.Session `json:"sessions"`
	// LLM overrides the default model settings. Empty credentials are taken
	// from the annotator defaults.
	LLM *llm.Config `json:"llm_config,omitempty"`
}

type job struct {
	orch    *orchestrator.Orchestrator
	router  *llm.Router
	dataset string
	done    chan struct{}
	summary *models.JobSummary
	err     error
}

// Annotator is the registry of annotation jobs. Every job gets its own
// router, pipeline and orchestrator.
type Annotator struct {
	store     store.Store
	corrector *review.Corrector
	opts      Options
	logger    *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewAnnotator creates an annotator service
func NewAnnotator(st store.Store, opts Options, logger *zap.Logger) *Annotator {
	if opts.Embedder == nil {
		opts.Embedder = embedding.NewHashingEmbedder(0)
	}
	if opts.Backends == nil {
		opts.Backends = NewBackendFactory
	}
	opts.LLM.ApplyDefaults()

	return &Annotator{
		store:     st,
		corrector: review.NewCorrector(st, logger),
		opts:      opts,
		logger:    logger,
		jobs:      make(map[string]*job),
	}
}

// Start validates the request and runs the job in the background.
func (a *Annotator) Start(ctx context.Context, req JobRequest) (string, error) {
	j, jobID, err := a.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	go a.execute(context.WithoutCancel(ctx), j, req.Sessions)

	return jobID, nil
}

// Run executes a job and waits for it to finish.
func (a *Annotator) Run(ctx context.Context, req JobRequest) (*models.JobSummary, error) {
	j, _, err := a.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	a.execute(ctx, j, req.Sessions)
	return j.summary, j.err
}

// prepare validates input and registers the job before any session runs.
func (a *Annotator) prepare(ctx context.Context, req JobRequest) (*job, string, error) {
	if err := models.ValidateSessions(req.Sessions); err != nil {
		return nil, "", fmt.Errorf("invalid dataset: %w", err)
	}
	if req.DatasetName == "" {
		req.DatasetName = "dataset"
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, "", err
	}

	cfg, err := a.jobConfig(ctx, jobID, req.LLM)
	if err != nil {
		return nil, "", err
	}

	logger := a.logger.With(zap.String("job_id", jobID))
	router := llm.NewRouter(cfg, a.opts.Backends(ctx, cfg, logger), logger)

	stages := make(map[llm.Role]*agents.Stage, 3)
	for _, role := range []llm.Role{llm.RoleAnalyst, llm.RoleCritic, llm.RoleJudge} {
		st, err := agents.NewStage(role, cfg, router, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create %s stage: %w", role, err)
		}
		stages[role] = st
	}

	pipe := pipeline.New(pipeline.Config{
		Analyst:       stages[llm.RoleAnalyst],
		Critic:        stages[llm.RoleCritic],
		Judge:         stages[llm.RoleJudge],
		Scorer:        pipeline.NewScorer(a.opts.Embedder, logger),
		FlagThreshold: a.opts.FlagThreshold,
	}, logger)

	redacted, err := json.Marshal(cfg.Redacted())
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode llm config: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		JobID:       jobID,
		DatasetName: req.DatasetName,
		LLMConfig:   redacted,
	}, pipe, a.store, logger)
	if err != nil {
		return nil, "", err
	}

	j := &job{orch: orch, router: router, dataset: req.DatasetName, done: make(chan struct{})}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.jobs[jobID]; ok && !existing.finished() {
		return nil, "", fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	}
	a.jobs[jobID] = j

	logger.Info("Job registered",
		zap.String("dataset", req.DatasetName),
		zap.Int("sessions", len(req.Sessions)),
		zap.String("analyst_model", cfg.AnalystModel),
		zap.String("critic_model", cfg.CriticModel),
		zap.String("judge_model", cfg.JudgeModel))

	return j, jobID, nil
}

// jobConfig picks the LLM config of a job: the request override, else the
// config stored with an existing checkpoint, else the defaults.
func (a *Annotator) jobConfig(ctx context.Context, jobID string, override *llm.Config) (llm.Config, error) {
	cfg := a.opts.LLM

	switch {
	case override != nil:
		cfg = fillCredentials(*override, a.opts.LLM)
	default:
		cp, err := a.store.LoadCheckpoint(ctx, jobID)
		if err != nil {
			return llm.Config{}, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil && len(cp.LLMConfig) > 0 {
			var stored llm.Config
			if err := json.Unmarshal(cp.LLMConfig, &stored); err != nil {
				return llm.Config{}, fmt.Errorf("failed to decode checkpoint llm config: %w", err)
			}
			cfg = stored.WithCredentials(a.opts.LLM)
			a.logger.Info("Resuming with checkpointed llm config", zap.String("job_id", jobID))
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return llm.Config{}, fmt.Errorf("invalid llm config: %w", err)
	}
	return cfg, nil
}

// fillCredentials keeps credentials set in cfg and takes the rest from
// defaults.
func fillCredentials(cfg, defaults llm.Config) llm.Config {
	merged := cfg.WithCredentials(defaults)
	if cfg.AnthropicAPIKey != "" {
		merged.AnthropicAPIKey = cfg.AnthropicAPIKey
	}
	if cfg.OpenAIAPIKey != "" {
		merged.OpenAIAPIKey = cfg.OpenAIAPIKey
	}
	if cfg.GoogleAPIKey != "" {
		merged.GoogleAPIKey = cfg.GoogleAPIKey
	}
	for i, ep := range cfg.CustomEndpoints {
		if ep.APIKey != "" {
			merged.CustomEndpoints[i].APIKey = ep.APIKey
		}
	}
	return merged
}

func (a *Annotator) execute(ctx context.Context, j *job, sessions []*models.Session) {
	defer close(j.done)
	defer func() {
		if err := j.router.Close(); err != nil {
			a.logger.Warn("Failed to close backends", zap.String("job_id", j.orch.JobID()), zap.Error(err))
		}
	}()

	j.summary, j.err = j.orch.Run(ctx, sessions)
	if j.err != nil {
		a.logger.Error("Job failed", zap.String("job_id", j.orch.JobID()), zap.Error(j.err))
	}
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (a *Annotator) lookup(jobID string) (*job, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	j, ok := a.jobs[jobID]
	return j, ok
}

// Status returns live progress, or the progress stored in the checkpoint
// for jobs not run by this process.
func (a *Annotator) Status(ctx context.Context, jobID string) (*models.JobProgress, error) {
	if j, ok := a.lookup(jobID); ok {
		return j.orch.Status(), nil
	}

	cp, err := a.store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil || cp.Progress == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return cp.Progress, nil
}

// RequestStop asks a running job to stop before its next session.
func (a *Annotator) RequestStop(jobID string) error {
	j, ok := a.lookup(jobID)
	if !ok || j.finished() {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	j.orch.RequestStop()
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (a *Annotator) Wait(ctx context.Context, jobID string) (*models.JobSummary, error) {
	j, ok := a.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	select {
	case <-j.done:
		return j.summary, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SessionLog returns the stored log of one session.
func (a *Annotator) SessionLog(ctx context.Context, jobID, sessionID string) (*models.SessionLog, error) {
	return a.store.LoadSessionLog(ctx, jobID, sessionID)
}

// Summary returns the summary of a finished job.
func (a *Annotator) Summary(ctx context.Context, jobID string) (*models.JobSummary, error) {
	return a.store.LoadSummary(ctx, jobID)
}

// Rows returns the output rows of a job.
func (a *Annotator) Rows(ctx context.Context, jobID string) ([]models.AnnotatedEvent, error) {
	dataset := ""
	if j, ok := a.lookup(jobID); ok {
		dataset = j.dataset
	} else {
		cp, err := a.store.LoadCheckpoint(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp == nil {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		dataset = cp.DatasetName
	}
	return a.store.Rows(ctx, jobID, dataset)
}

// ApplyOverride relabels the flagged events of a session.
func (a *Annotator) ApplyOverride(ctx context.Context, jobID, sessionID, label string) (*review.Result, error) {
	return a.corrector.ApplyOverride(ctx, jobID, sessionID, label)
}

// ModelInfo describes how the default configuration routes model.
func (a *Annotator) ModelInfo(model string) map[string]interface{} {
	return llm.NewRouter(a.opts.LLM, nil, a.logger).ModelInfo(model)
}

// Shutdown requests every running job to stop and waits for them.
func (a *Annotator) Shutdown(ctx context.Context) error {
	a.mu.RLock()
	running := make([]*job, 0, len(a.jobs))
	for _, j := range a.jobs {
		if !j.finished() {
			running = append(running, j)
		}
	}
	a.mu.RUnlock()

	for _, j := range running {
		j.orch.RequestStop()
	}
	for _, j := range running {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/models"
	"cognitive-traces/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runFlags struct {
	input    string
	jobID    string
	dataset  string
	strategy string
}

func newRunCmd(opts *Options) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Annotate a dataset, or resume the job with the given id",
		Long: `Annotate every session of a JSON dataset. The dataset is either
{"sessions": [...]} or a bare array of sessions.

Passing the --job-id of an interrupted job resumes it: completed sessions
are skipped and the models recorded in its checkpoint are reused. The
first interrupt stops the job after the current session; a second one
aborts it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnotate(cmd, opts, f)
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "dataset file (JSON)")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "job id; reuse one to resume")
	cmd.Flags().StringVar(&f.dataset, "dataset", "", "dataset name (default: input file name)")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "session strategy: truncate, sliding_window or full")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runAnnotate(cmd *cobra.Command, opts *Options, f runFlags) error {
	data, err := os.ReadFile(f.input)
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}
	sessions, err := models.DecodeSessions(data)
	if err != nil {
		return err
	}

	e, err := openEnv(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	dataset := f.dataset
	if dataset == "" {
		dataset = strings.TrimSuffix(filepath.Base(f.input), filepath.Ext(f.input))
	}

	jobID := f.jobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	req := service.JobRequest{
		JobID:       jobID,
		DatasetName: dataset,
		Sessions:    sessions,
	}
	if f.strategy != "" {
		override := e.cfg.LLM
		override.Strategy = llm.Strategy(f.strategy)
		req.LLM = &override
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fmt.Fprintf(cmd.ErrOrStderr(), "Job %s: annotating %d sessions\n", jobID, len(sessions))

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	go func() {
		interrupts := 0
		for {
			select {
			case <-sig:
				interrupts++
				if interrupts == 1 {
					fmt.Fprintln(cmd.ErrOrStderr(), "Stopping after the current session (interrupt again to abort)")
					if err := e.annotator.RequestStop(jobID); err != nil {
						e.logger.Debug("Stop request ignored", zap.Error(err))
					}
					continue
				}
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	summary, err := e.annotator.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}

	if summary.Stopped {
		fmt.Fprintf(cmd.ErrOrStderr(), "Job %s stopped with %d sessions remaining; rerun with --job-id %s to resume\n",
			jobID, summary.RemainingSessions, jobID)
	}
	return printJSON(cmd.OutOrStdout(), summary)
}

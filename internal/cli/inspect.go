package cli

import (
	"encoding/csv"
	"fmt"

	"cognitive-traces/internal/store"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the checkpointed progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer e.Close()

			progress, err := e.annotator.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:       %s\n", progress.JobID)
			fmt.Fprintf(out, "Dataset:   %s\n", progress.DatasetName)
			fmt.Fprintf(out, "Status:    %s\n", progress.Status)
			fmt.Fprintf(out, "Progress:  %d/%d sessions\n", progress.CompletedSessions, progress.TotalSessions)
			fmt.Fprintf(out, "Flagged:   %d sessions\n", len(progress.FlaggedSessions))
			for _, sid := range progress.FlaggedSessions {
				fmt.Fprintf(out, "  - %s\n", sid)
			}
			if len(progress.Errors) > 0 {
				fmt.Fprintf(out, "Errors:    %d\n", len(progress.Errors))
				for _, msg := range progress.Errors {
					fmt.Fprintf(out, "  - %s\n", msg)
				}
			}
			return nil
		},
	}
}

func newLogCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "log <job-id> <session-id>",
		Short: "Print the interaction log of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer e.Close()

			log, err := e.annotator.SessionLog(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), log)
		},
	}
}

func newSummaryCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <job-id>",
		Short: "Print the summary of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer e.Close()

			summary, err := e.annotator.Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newOverrideCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "override <job-id> <session-id> <label>",
		Short: "Relabel the flagged events of a session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.annotator.ApplyOverride(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newExportCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <job-id>",
		Short: "Write the labelled events of a job as CSV to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(opts)
			if err != nil {
				return err
			}
			defer e.Close()

			rows, err := e.annotator.Rows(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := csv.NewWriter(cmd.OutOrStdout())
			if err := w.Write(store.Header); err != nil {
				return err
			}
			for _, row := range rows {
				if err := w.Write(store.EncodeRow(row)); err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		},
	}
}

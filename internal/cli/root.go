// Package cli defines the cobra commands of the annotate tool.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cognitive-traces/internal/config"
	"cognitive-traces/internal/service"
	"cognitive-traces/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options carry the global flags and the hooks tests replace.
type Options struct {
	ConfigPath string
	OutputDir  string
	Verbose    bool

	// Backends overrides the provider clients; nil uses the real ones.
	Backends service.FactoryFunc
}

// NewRootCmd builds the command tree.
func NewRootCmd(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:   "annotate",
		Short: "Annotate behavioural sessions with cognitive labels",
		Long: `annotate runs the analyst, critic and judge models over every session
of a dataset, writes the labelled events and keeps a checkpoint so an
interrupted job can be resumed with the same job id.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVarP(&opts.OutputDir, "output", "o", "", "output directory for file storage (overrides config)")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newLogCmd(opts))
	root.AddCommand(newSummaryCmd(opts))
	root.AddCommand(newOverrideCmd(opts))
	root.AddCommand(newExportCmd(opts))
	return root
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := NewRootCmd(&Options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command needs: the config, a store and the service.
type env struct {
	cfg       *config.Config
	store     store.Store
	annotator *service.Annotator
	logger    *zap.Logger
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close store", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func openEnv(opts *Options) (*env, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.OutputDir != "" {
		cfg.Storage.Path = opts.OutputDir
	}

	logger, err := newLogger(opts.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	st, err := cfg.OpenStore(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	embedder, err := cfg.NewEmbedder(logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	annotator := service.NewAnnotator(st, service.Options{
		LLM:           cfg.LLM,
		FlagThreshold: cfg.Review.FlagThreshold,
		Embedder:      embedder,
		Backends:      opts.Backends,
	}, logger)

	return &env{cfg: cfg, store: st, annotator: annotator, logger: logger}, nil
}

// newLogger logs to stderr so stdout stays machine readable.
func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	zc.Encoding = "console"
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return zc.Build()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

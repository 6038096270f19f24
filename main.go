package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kwv/conflator/conflate"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// cliContext carries the loaded configuration and logger to every subcommand.
type cliContext struct {
	configPath string
	logLevel   string

	config *conflate.Config
	logger *slog.Logger
}

func (c *cliContext) load() error {
	cfg, err := conflate.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.config = cfg
	c.logger = newLogger(cfg.Level())
	return nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCommand() *cobra.Command {
	ctx := &cliContext{}

	rootCmd := &cobra.Command{
		Use:           "conflator",
		Short:         "Building footprint conflation: candidate pairs and collaborative labeling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newCreateDatasetCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	return rootCmd
}

func newCreateDatasetCommand(ctx *cliContext) *cobra.Command {
	var (
		overlapRange     []float64
		similarityRange  []float64
		maxDistance      float64
		maxOverlapOthers float64
		sampleSize       int
		nbhSamples       int
		h3Resolution     int
		idProperty       string
		seed             int64
	)

	cmd := &cobra.Command{
		Use:   "create-dataset EXISTING NEW OUTPUT",
		Short: "Generate candidate pairs between two GeoJSON footprint files",
		Long: "Reads the existing and the new building footprints (GeoJSON, EPSG:4326), " +
			"generates candidate pairs and writes them to a container file.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			d := &cfg.Dataset
			flags := cmd.Flags()
			if flags.Changed("overlap-range") {
				d.OverlapRange = overlapRange
			}
			if flags.Changed("similarity-range") {
				d.SimilarityRange = similarityRange
			}
			if flags.Changed("max-distance") {
				d.MaxDistance = &maxDistance
			}
			if flags.Changed("max-overlap-others") {
				d.MaxOverlapOthers = &maxOverlapOthers
			}
			if flags.Changed("sample-size") {
				d.SampleSize = sampleSize
			}
			if flags.Changed("neighborhood-samples") {
				d.NeighborhoodSamples = nbhSamples
			}
			if flags.Changed("h3-res") {
				d.H3Resolution = h3Resolution
			}
			if flags.Changed("id-property") {
				d.IDProperty = idProperty
			}
			if flags.Changed("seed") {
				cfg.Labeling.RandomState = seed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return createDataset(cfg, args[0], args[1], args[2], ctx.logger)
		},
	}

	flags := cmd.Flags()
	flags.Float64SliceVar(&overlapRange, "overlap-range", nil, "Keep pairs whose overlap lies in MIN,MAX")
	flags.Float64SliceVar(&similarityRange, "similarity-range", nil, "Keep pairs whose shape similarity lies in MIN,MAX")
	flags.Float64Var(&maxDistance, "max-distance", 0, "Maximum nearest-neighbor distance; 0 skips the nearest-neighbor search")
	flags.Float64Var(&maxOverlapOthers, "max-overlap-others", 0, "Maximum share of area overlapped by buildings other than the partner (0 disables)")
	flags.IntVarP(&sampleSize, "sample-size", "n", 0, "Sample this many pairs")
	flags.IntVar(&nbhSamples, "neighborhood-samples", 0, "Restrict to this many sampled neighborhoods")
	flags.IntVar(&h3Resolution, "h3-res", conflate.DefaultH3Resolution, "H3 resolution of the neighborhoods")
	flags.StringVar(&idProperty, "id-property", "", "Feature property holding the building ID")
	flags.Int64Var(&seed, "seed", int64(conflate.DefaultSeed), "Random seed for sampling")
	return cmd
}

func createDataset(cfg *conflate.Config, existingPath, newPath, outPath string, logger *slog.Logger) error {
	projector, err := conflate.NewProjProjector(cfg.Dataset.CRS)
	if err != nil {
		return err
	}
	defer projector.Close()
	grid, err := conflate.NewH3Grid(cfg.Dataset.H3Resolution)
	if err != nil {
		return err
	}

	a, err := conflate.LoadFootprints(existingPath, datasetName(existingPath), cfg.Dataset.IDProperty, projector, cfg.Dataset.CRS)
	if err != nil {
		return err
	}
	b, err := conflate.LoadFootprints(newPath, datasetName(newPath), cfg.Dataset.IDProperty, projector, cfg.Dataset.CRS)
	if err != nil {
		return err
	}
	logger.Info("footprints loaded", "existing", a.Len(), "new", b.Len())

	gen := conflate.NewGenerator(cfg.Dataset.GeneratorOptions(cfg.Labeling.RandomState), grid, projector, logger)
	pairs, err := gen.Generate(a, b)
	if err != nil {
		return err
	}
	if err := pairs.Save(outPath); err != nil {
		return err
	}
	logger.Info("candidate pairs stored", "path", outPath, "pairs", len(pairs.Pairs),
		"existing", pairs.DatasetA.Len(), "new", pairs.DatasetB.Len())
	return nil
}

func datasetName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// labelingFlags binds the flags shared by every command that opens labeling states.
type labelingFlags struct {
	dataPath   string
	redundancy int
	margin     int
}

func (f *labelingFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dataPath, "data", "", "Container file or directory of containers")
	cmd.Flags().IntVar(&f.redundancy, "redundancy", 0, "Labelers wanted per pair beyond the first")
	cmd.Flags().IntVar(&f.margin, "margin", 1, "Minimum yes/no vote gap for consensus")
}

func (f *labelingFlags) apply(cmd *cobra.Command, cfg *conflate.Config) error {
	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.Labeling.DataPath = f.dataPath
	}
	if flags.Changed("redundancy") {
		cfg.Labeling.AnnotationRedundancy = f.redundancy
	}
	if flags.Changed("margin") {
		cfg.Labeling.ConsensusMargin = f.margin
	}
	return cfg.Validate()
}

func newServeCommand(ctx *cliContext) *cobra.Command {
	var (
		lf     labelingFlags
		listen string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the labeling service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if err := lf.apply(cmd, cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.HTTP.Listen = listen
			}
			ctx.logger.Info("starting conflator", "version", Version)

			app, err := NewApp(cfg, ctx.logger)
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(runCtx)
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	return cmd
}

func newStatsCommand(ctx *cliContext) *cobra.Command {
	var (
		lf   labelingFlags
		user string
	)
	cmd := &cobra.Command{
		Use:   "stats DATASET",
		Short: "Show the labeler leaderboard and the remaining work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if err := lf.apply(cmd, cfg); err != nil {
				return err
			}
			registry, err := conflate.NewRegistry(cfg.Labeling.DataPath, cfg.Labeling.ResultsDir, cfg.Labeling.StateOptions(), ctx.logger)
			if err != nil {
				return err
			}
			defer registry.Close()
			state, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, conflate.LeaderboardTable(state.TopLabelers()))
			progress, err := conflate.ProgressTable(state, user)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, progress)
			return nil
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVar(&user, "user", "", "Show the remaining work of this labeler")
	return cmd
}

func newExportCommand(ctx *cliContext) *cobra.Command {
	var (
		lf     labelingFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "export DATASET",
		Short: "Write the aggregated labels of a dataset to CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if err := lf.apply(cmd, cfg); err != nil {
				return err
			}
			registry, err := conflate.NewRegistry(cfg.Labeling.DataPath, cfg.Labeling.ResultsDir, cfg.Labeling.StateOptions(), ctx.logger)
			if err != nil {
				return err
			}
			defer registry.Close()
			state, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = registry.AggregatedPath(args[0])
			}
			if err := state.StoreAggregatedResults(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote aggregated labels to %s\n", output)
			return nil
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output CSV (default labeled-pairs-DATASET.csv next to the results)")
	return cmd
}

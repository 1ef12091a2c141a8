// Command roost splits the labeled radar files into folds and draws balanced
// training batches from them.
//
// Usage:
//
//	roost split --labels ml_labels.csv --folds ml_splits.csv
//	roost stats --labels ml_labels.csv --folds ml_splits.csv --images radar_images
//	roost batch --images radar_images --product reflectivity --product velocity --count 3
package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Noofbiz/birdRoost/config"
	"github.com/Noofbiz/birdRoost/metrics"
)

func main() {
	if err := newRootCommand(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}

// app is what every subcommand runs against once the settings are loaded.
type app struct {
	fs         afero.Fs
	v          *viper.Viper
	configFile string

	settings *config.Settings
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.DatasetMetrics
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs, v: viper.New()}
	config.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:           "roost",
		Short:         "Fold assignment and balanced batch sampling for radar roost images",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	if err := setupFlags(rootCmd, a); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(splitCommand(a), statsCommand(a), batchCommand(a))

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.initialize()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.log != nil {
			_ = a.log.Sync()
		}
	}
	return rootCmd
}

// setupFlags defines the flags shared by every subcommand and binds them to
// viper under their snake_case keys.
func setupFlags(rootCmd *cobra.Command, a *app) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (default ./roost.yaml if present)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("labels", "", "Label table (CSV)")
	flags.String("folds", "", "Fold table (CSV)")
	flags.String("images", "", "Root directory of the rendered radar images")
	flags.Int("k", 0, "Number of folds")
	flags.Int("validate-index", 0, "Fold used for validation")
	flags.Int("test-index", 0, "Fold used for testing")
	flags.Int("batch-size", 0, "Examples per batch, half of them roosts")
	flags.Int64("seed", 0, "Seed for shuffling and draws, 0 for a random seed")
	flags.Int("max-resample", 0, "Undecodable draws tolerated per batch")
	flags.Bool("high-memory", false, "Decode every image up front")
	flags.Int("crop-dim", 0, "Half side of the center crop taken from each image")
	flags.Int("cache-size", 0, "Decoded images kept in memory when not in high memory mode")
	flags.Int("workers", 0, "Parallel decoders for high memory mode")

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = a.v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return errors.Wrap(bindErr, "error binding flags")
	}
	return nil
}

// initialize is called before any subcommand runs. A registry set beforehand
// is reused.
func (a *app) initialize() error {
	settings, err := config.Load(a.v, a.fs, a.configFile)
	if err != nil {
		return err
	}
	a.settings = settings

	if settings.Debug {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}

	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics, err = metrics.NewDatasetMetrics(a.registry)
	if err != nil {
		return errors.Wrap(err, "failed to register metrics")
	}
	return nil
}

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/audiolibrelab/fairrecord/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	backendName  string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "fairrecord",
	Short: "Multi-track audio capture to WAV files",
	Long: `FairRecord records any number of tracks at once, one capture device per track,
and writes each take as a WAV file. Levels are metered while recording and an
optional low-pass noise filter can be enabled per track.

Tracks are described in the configuration file; without one, a single track is
recorded from the default capture device.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if backendName != "" {
			cfg.Audio.Backend = backendName
		}
		return nil
	},
}

// loadConfig reads the configuration file. A missing default file falls back to built-in defaults.
func loadConfig() (*config.Config, error) {
	explicit := cfgFile != ""
	if !explicit {
		cfgFile = config.DefaultConfigFile()
	}

	if _, err := os.Stat(cfgFile); errors.Is(err, fs.ErrNotExist) && !explicit {
		slog.Debug("No config file found, using defaults", "path", cfgFile)
		if profile != "" && profile != config.DefaultProfile {
			return nil, fmt.Errorf("profile '%s' requested but %s does not exist", profile, cfgFile)
		}
		return config.Default(), nil
	}

	return config.LoadWithProfile(cfgFile, profile)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/fairrecord.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "audio backend: auto, malgo, pipewire, synthetic (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=backend tracing")

	// Add subcommands
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// pw-record inherits the environment
	if level >= 2 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
	}
}

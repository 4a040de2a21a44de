package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/audiolibrelab/fairrecord/internal/audio"
	"github.com/audiolibrelab/fairrecord/internal/service"
	"github.com/audiolibrelab/fairrecord/internal/track"

	"github.com/spf13/cobra"
)

const meterInterval = 250 * time.Millisecond

var recordCmd = &cobra.Command{
	Use:   "record [take-name]",
	Short: "Record every configured track",
	Long: `Record every track of the active profile until Ctrl+C (or --duration) and write
one WAV file per track. With a take name the files go into a sub-directory of
the output directory named after the take.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if output, _ := cmd.Flags().GetString("output"); output != "" {
			cfg.Output.Directory = output
		}
		cfg.Output.Directory = takeDirectory(cfg.Output.Directory, args)
		duration, _ := cmd.Flags().GetDuration("duration")
		quiet, _ := cmd.Flags().GetBool("quiet")

		slog.Info("Record command started", "profile", cfg.Profile, "tracks", len(cfg.Tracks), "output", cfg.Output.Directory)

		svc, err := service.New(cfg, cfgFile, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		// Meters read the level streams, so they are attached before recording starts
		var meter *levelMeter
		if !quiet {
			meter = newLevelMeter(svc.Tracks())
		}

		if err := svc.StartRecording(); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording - Press Ctrl+C to stop")

		// Handle interruption
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		var timeout <-chan time.Time
		if duration > 0 {
			timeout = time.After(duration)
		}

		ticker := time.NewTicker(meterInterval)
		defer ticker.Stop()

	wait:
		for {
			select {
			case <-sigChan:
				break wait
			case <-timeout:
				break wait
			case <-ticker.C:
				if meter != nil {
					meter.render(cmd.ErrOrStderr())
				}
			}
		}
		if meter != nil {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		slog.Info("Stopping recording...")

		files, err := svc.StopRecording()
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		return nil
	},
}

// levelMeter keeps the latest level of every track for a one-line display.
// Levels are keyed by track id since display names may repeat.
type levelMeter struct {
	mu     sync.Mutex
	tracks []track.TrackInfo
	latest map[string]float64
}

func newLevelMeter(manager *track.Manager) *levelMeter {
	m := &levelMeter{latest: make(map[string]float64)}
	for _, info := range manager.Tracks() {
		levels, err := manager.Levels(info.ID)
		if err != nil {
			continue
		}
		m.add(info)
		go m.follow(info.ID, levels)
	}
	return m
}

func (m *levelMeter) add(info track.TrackInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, info)
	m.latest[info.ID] = audio.FloorDB
}

func (m *levelMeter) set(id string, db float64) {
	m.mu.Lock()
	m.latest[id] = db
	m.mu.Unlock()
}

// follow ends when the track is removed and its level stream closes
func (m *levelMeter) follow(id string, levels <-chan audio.LevelSample) {
	for sample := range levels {
		m.set(id, sample.Clamped())
	}
}

func (m *levelMeter) render(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := make([]string, 0, len(m.tracks))
	for _, info := range m.tracks {
		name, db := info.Name, m.latest[info.ID]
		bar := int(audio.LevelPercent(db) / 10)
		parts = append(parts, fmt.Sprintf("%s %6.1f dB [%-10s] %s", name, db, strings.Repeat("#", bar), audio.LevelZone(db)))
	}
	fmt.Fprintf(w, "\r%s", strings.Join(parts, "  "))
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().DurationP("duration", "d", 0, "stop after this long (default: until Ctrl+C)")
	recordCmd.Flags().BoolP("quiet", "q", false, "do not print level meters")
}

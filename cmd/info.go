package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/audiolibrelab/fairrecord/internal/audio"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [take-name]",
	Short: "Show resolved configuration and file paths for a take",
	Long:  `Display the resolved configuration with inheritance indicators and the files each track would be written to. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		outDir := takeDirectory(cfg.Output.Directory, args)

		fmt.Fprintf(w, "=== FILE PATHS ===\n")
		for _, t := range cfg.Tracks {
			name := audio.SanitizeFileName(t.Name)
			if name == "" {
				name = audio.SanitizeFileName(t.Device)
			}
			fmt.Fprintf(w, "%s: %s\n", t.Name, filepath.Join(outDir, name+".wav"))
		}

		fmt.Fprintf(w, "\n=== RESOLVED CONFIGURATION ===\n")
		fmt.Fprintf(w, "profile: %s\n", cfg.Profile)

		fmt.Fprintf(w, "\n[Audio]\n")
		fmt.Fprintf(w, "backend: %s %s\n", cfg.Audio.Backend, inheritanceOf(func() string { return cfg.Inheritance.Audio.Backend }))
		fmt.Fprintf(w, "buffer_size: %d %s\n", cfg.Audio.BufferSize, inheritanceOf(func() string { return cfg.Inheritance.Audio.BufferSize }))
		fmt.Fprintf(w, "stop_timeout: %s %s\n", cfg.Audio.StopTimeout, inheritanceOf(func() string { return cfg.Inheritance.Audio.StopTimeout }))

		fmt.Fprintf(w, "\n[Tracks]\n")
		for i, t := range cfg.Tracks {
			fmt.Fprintf(w, "%d. name: %s\n", i, t.Name)
			fmt.Fprintf(w, "   device: %s\n", t.Device)
			fmt.Fprintf(w, "   noise_reduction: %t\n", t.NoiseReduction)
		}

		fmt.Fprintf(w, "\n[Output]\n")
		fmt.Fprintf(w, "directory: %s %s\n", cfg.Output.Directory, inheritanceOf(func() string { return cfg.Inheritance.Output.Directory }))

		return nil
	},
}

// takeDirectory is the output directory, or a sub-directory named after the take
func takeDirectory(base string, args []string) string {
	if len(args) == 0 {
		return base
	}
	if name := audio.SanitizeFileName(args[0]); name != "" {
		return filepath.Join(base, name)
	}
	return base
}

// inheritanceOf formats an inheritance status; the default profile has no inheritance info
func inheritanceOf(status func() string) string {
	if cfg.Inheritance == nil {
		return "[profile-specific]"
	}
	return getInheritanceIndicator(status())
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

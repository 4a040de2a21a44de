package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/audiolibrelab/fairrecord/internal/audio"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List capture devices and their formats",
	Long: `List every device of the configured backend that can capture audio, with the
formats it advertises and the format a recording would negotiate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := audio.NewBackend(cfg.Audio.Backend)
		if err != nil {
			return err
		}
		if closer, ok := backend.(io.Closer); ok {
			defer closer.Close()
		}

		return listDevices(cmd.OutOrStdout(), audio.NewDeviceRegistry(backend))
	},
}

func listDevices(w io.Writer, registry *audio.DeviceRegistry) error {
	devices, err := registry.Enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	fmt.Fprintf(w, "Capture devices (%s, %d found)\n", registry.BackendName(), len(devices))
	fmt.Fprintf(w, "═══════════════════════════════════════\n\n")

	for i := range devices {
		dev := &devices[i]
		marker := ""
		if dev.Default {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%d. %s%s\n", i+1, dev.Name, marker)
		fmt.Fprintf(w, "   id: %s\n", dev.ID)
		for _, f := range dev.CaptureFormats() {
			fmt.Fprintf(w, "   format: %s\n", f)
		}

		format, err := registry.NegotiateFormat(dev)
		if err != nil {
			slog.Debug("Negotiation failed", "device", dev.ID, "error", err)
			fmt.Fprintf(w, "   negotiated: none (%v)\n", err)
		} else {
			fmt.Fprintf(w, "   negotiated: %s\n", format)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Use a device by id, exact name or part of its name in definitions.tracks[].device\n")
	return nil
}

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/audiolibrelab/fairrecord/internal/audio"
	"github.com/audiolibrelab/fairrecord/internal/config"
	"github.com/audiolibrelab/fairrecord/internal/track"
)

func TestListDevices(t *testing.T) {
	var out bytes.Buffer
	registry := audio.NewDeviceRegistry(&audio.SyntheticBackend{})

	if err := listDevices(&out, registry); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	text := out.String()
	for _, want := range []string{"synthetic, 1 found", "Synthetic Sine (default)", "id: synthetic:sine", "negotiated: " + audio.DefaultFormat.String()} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, text)
		}
	}
}

func TestTakeDirectory(t *testing.T) {
	if got := takeDirectory("/rec", nil); got != "/rec" {
		t.Errorf("Expected /rec, got %s", got)
	}
	if got := takeDirectory("/rec", []string{"Song #1"}); got != filepath.Join("/rec", "Song_1") {
		t.Errorf("Expected /rec/Song_1, got %s", got)
	}
	if got := takeDirectory("/rec", []string{"???"}); got != "/rec" {
		t.Errorf("Expected unusable take names to be ignored, got %s", got)
	}
}

func TestLoadConfig_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfgFile, profile = "", ""
	t.Cleanup(func() { cfgFile, profile = "", "" })

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(loaded.Tracks) != 1 || loaded.Tracks[0].Device != "default" {
		t.Errorf("Expected the single default track, got %+v", loaded.Tracks)
	}
	if cfgFile != config.DefaultConfigFile() {
		t.Errorf("Expected default config path, got %s", cfgFile)
	}
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() { cfgFile = "" })

	if _, err := loadConfig(); err == nil {
		t.Error("Expected an error for an explicit config file that does not exist")
	}
}

func TestLoadConfig_ProfileWithoutFileFails(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfgFile, profile = "", "studio"
	t.Cleanup(func() { cfgFile, profile = "", "" })

	if _, err := loadConfig(); err == nil {
		t.Error("Expected an error when a profile is requested without a config file")
	}
}

func TestConfigActivate(t *testing.T) {
	content := `
active_config: default

definitions:
  tracks:
    - id: one
      name: One
      device: default

configs:
  default:
    tracks:
      - ref: one
  live:
    tracks:
      - ref: one
`
	path := filepath.Join(t.TempDir(), "fairrecord.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	var out bytes.Buffer
	configActivateCmd.SetOut(&out)
	if err := configActivateCmd.RunE(configActivateCmd, []string{"live"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	loaded, err := config.LoadWithProfile(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if loaded.Profile != "live" {
		t.Errorf("Expected live to be active, got %s", loaded.Profile)
	}

	if err := configActivateCmd.RunE(configActivateCmd, []string{"nope"}); err == nil {
		t.Error("Expected an error for an unknown profile")
	}
}

func TestLevelMeter_SameNameTracksStayApart(t *testing.T) {
	m := &levelMeter{latest: make(map[string]float64)}
	m.add(track.TrackInfo{ID: "a", Name: "Track 2"})
	m.add(track.TrackInfo{ID: "b", Name: "Track 2"})
	m.set("a", -6)
	m.set("b", -30)

	var out bytes.Buffer
	m.render(&out)

	text := out.String()
	for _, want := range []string{"Track 2   -6.0 dB", "Track 2  -30.0 dB"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected output to contain %q, got: %q", want, text)
		}
	}
}

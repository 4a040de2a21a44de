package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultProfile     = "default"
	DefaultBufferSize  = 4096
	MaxBufferSize      = 1 << 20
	DefaultStopTimeout = 5 * time.Second
	DefaultListen      = ":8080"
	envPrefix          = "FAIRRECORD"
)

var knownBackends = []string{"auto", "malgo", "pipewire", "synthetic"}

type DefinitionsConfig struct {
	Tracks []TrackDefinition `mapstructure:"tracks" yaml:"tracks"`
}

type TrackDefinition struct {
	ID             string `mapstructure:"id" yaml:"id"`
	Name           string `mapstructure:"name" yaml:"name"`
	Device         string `mapstructure:"device" yaml:"device"`
	NoiseReduction bool   `mapstructure:"noise_reduction" yaml:"noise_reduction"`
}

type TrackReference struct {
	Ref            string  `mapstructure:"ref" yaml:"ref"`
	Device         *string `mapstructure:"device,omitempty" yaml:"device,omitempty"`
	NoiseReduction *bool   `mapstructure:"noise_reduction,omitempty" yaml:"noise_reduction,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Audio        *AudioConfig              `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Server       *ServerConfig             `mapstructure:"server,omitempty" yaml:"server,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// Config is one resolved profile
type Config struct {
	Profile string       `mapstructure:"-" yaml:"profile"`
	Audio   AudioConfig  `mapstructure:"audio" yaml:"audio"`
	Server  ServerConfig `mapstructure:"server" yaml:"server"`
	Tracks  []Track      `mapstructure:"tracks" yaml:"tracks"`
	Output  OutputConfig `mapstructure:"output" yaml:"output"`

	// Internal field to track where values came from
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Audio  AudioConfig      `mapstructure:"audio" yaml:"audio"`
	Tracks []TrackReference `mapstructure:"tracks" yaml:"tracks"`
	Output OutputConfig     `mapstructure:"output" yaml:"output"`
}

type InheritanceInfo struct {
	Audio struct {
		Backend     string // "inherited" or "profile-specific"
		BufferSize  string
		StopTimeout string
	}
	Output struct {
		Directory string
	}
}

type AudioConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"` // "auto", "malgo", "pipewire", "synthetic"
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	// StopTimeout bounds how long a stop waits for capture to end, 0 waits forever
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type Track struct {
	ID             string `mapstructure:"id" yaml:"id"`
	Name           string `mapstructure:"name" yaml:"name"`
	Device         string `mapstructure:"device" yaml:"device"`
	NoiseReduction bool   `mapstructure:"noise_reduction" yaml:"noise_reduction"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// DefaultConfigFile returns $HOME/.config/fairrecord.yaml
func DefaultConfigFile() string {
	return os.ExpandEnv("$HOME/.config/fairrecord.yaml")
}

// Default returns the configuration used when no file is given: one track on the default device
func Default() *Config {
	return &Config{
		Profile: DefaultProfile,
		Audio: AudioConfig{
			Backend:     "auto",
			BufferSize:  DefaultBufferSize,
			StopTimeout: DefaultStopTimeout,
		},
		Server: ServerConfig{Listen: DefaultListen},
		Tracks: []Track{{ID: "main", Name: "Track 1", Device: "default"}},
		Output: OutputConfig{Directory: filepath.Join(os.Getenv("HOME"), "Audio", "FairRecord")},
	}
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("audio.backend", "auto")
	v.SetDefault("audio.buffer_size", DefaultBufferSize)
	v.SetDefault("audio.stop_timeout", DefaultStopTimeout)
	v.SetDefault("server.listen", DefaultListen)
	return v
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != DefaultProfile {
		if defaultProfile, exists := rootConfig.Configs[DefaultProfile]; exists {
			base, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}

	// Global audio settings fill whatever the profiles left unset
	if rootConfig.Audio != nil {
		if selectedConfig.Audio.Backend == "" {
			selectedConfig.Audio.Backend = rootConfig.Audio.Backend
		}
		if selectedConfig.Audio.BufferSize == 0 {
			selectedConfig.Audio.BufferSize = rootConfig.Audio.BufferSize
		}
		if selectedConfig.Audio.StopTimeout == 0 {
			selectedConfig.Audio.StopTimeout = rootConfig.Audio.StopTimeout
		}
	}
	if rootConfig.Server != nil {
		selectedConfig.Server = *rootConfig.Server
	}

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}
	if selectedConfig.Output.Directory == "" {
		selectedConfig.Output.Directory = Default().Output.Directory
	}
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Profile = configName

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving track references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Audio:  profile.Audio,
		Output: profile.Output,
	}

	for i, ref := range profile.Tracks {
		if ref.Ref == "" {
			return nil, fmt.Errorf("tracks[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("tracks[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		track := Track{
			ID:             definition.ID,
			Name:           definition.Name,
			Device:         definition.Device,
			NoiseReduction: definition.NoiseReduction,
		}

		// Apply overrides
		if ref.Device != nil {
			track.Device = *ref.Device
		}
		if ref.NoiseReduction != nil {
			track.NoiseReduction = *ref.NoiseReduction
		}

		config.Tracks = append(config.Tracks, track)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *TrackDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Tracks {
		if definitions.Tracks[i].ID == id {
			return &definitions.Tracks[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Tracks: only the tracks listed in the profile are recorded
// - Audio and output settings use the profile value or fall back to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}

	if base != nil {
		result.Audio = base.Audio
		result.Output = base.Output

		result.Inheritance.Audio.Backend = "inherited"
		result.Inheritance.Audio.BufferSize = "inherited"
		result.Inheritance.Audio.StopTimeout = "inherited"
		result.Inheritance.Output.Directory = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		result.Inheritance.Audio.Backend = "profile-specific"
	}
	if profile.Audio.BufferSize != 0 {
		result.Audio.BufferSize = profile.Audio.BufferSize
		result.Inheritance.Audio.BufferSize = "profile-specific"
	}
	if profile.Audio.StopTimeout != 0 {
		result.Audio.StopTimeout = profile.Audio.StopTimeout
		result.Inheritance.Audio.StopTimeout = "profile-specific"
	}
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}

	result.Tracks = make([]Track, len(profile.Tracks))
	copy(result.Tracks, profile.Tracks)

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func validateConfig(config *Config) error {
	if !isKnownBackend(config.Audio.Backend) {
		return fmt.Errorf("audio.backend must be one of %s, got: %s", strings.Join(knownBackends, ", "), config.Audio.Backend)
	}
	if config.Audio.BufferSize <= 0 || config.Audio.BufferSize > MaxBufferSize {
		return fmt.Errorf("audio.buffer_size must be in 1..%d, got: %d", MaxBufferSize, config.Audio.BufferSize)
	}
	if config.Audio.StopTimeout < 0 {
		return fmt.Errorf("audio.stop_timeout must be >= 0, got: %s", config.Audio.StopTimeout)
	}

	seen := make(map[string]bool)
	for i, track := range config.Tracks {
		if track.Name == "" {
			return fmt.Errorf("tracks[%d] must have a name", i)
		}
		if seen[track.ID] {
			return fmt.Errorf("tracks[%d]: '%s' is listed more than once", i, track.ID)
		}
		seen[track.ID] = true
	}
	return nil
}

func isKnownBackend(name string) bool {
	for _, b := range knownBackends {
		if strings.EqualFold(b, name) {
			return true
		}
	}
	return false
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := newViper(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateTrackReferences(configProfile.Tracks, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Tracks) == 0 {
		return fmt.Errorf("definitions.tracks cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Tracks {
		prefix := fmt.Sprintf("definitions.tracks[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Name == "" {
			return fmt.Errorf("%s: 'name' is required", prefix)
		}
	}

	return nil
}

// validateTrackReferences validates track references in a config profile
func validateTrackReferences(tracks []TrackReference, definitions *DefinitionsConfig) error {
	for i, ref := range tracks {
		prefix := fmt.Sprintf("tracks[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		if findDefinition(definitions, ref.Ref) == nil {
			return fmt.Errorf("%s: references undefined track definition '%s'", prefix, ref.Ref)
		}
	}

	return nil
}

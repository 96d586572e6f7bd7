package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ARTARGET_LOG_LEVEL.
const EnvPrefix = "ARTARGET"

// Config holds the application configuration
type Config struct {
	Log        LogConfig        `json:"log" mapstructure:"log"`
	Compositor CompositorConfig `json:"compositor" mapstructure:"compositor"`
	Descriptor DescriptorConfig `json:"descriptor" mapstructure:"descriptor"`
	Placement  PlacementConfig  `json:"placement" mapstructure:"placement"`
	Storage    StorageConfig    `json:"storage" mapstructure:"storage"`
	Catalog    CatalogConfig    `json:"catalog" mapstructure:"catalog"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Tracking   TrackingConfig   `json:"tracking" mapstructure:"tracking"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `json:"level" mapstructure:"level"`
	Dir   string `json:"dir" mapstructure:"dir"`
}

// CompositorConfig holds configuration for target composition
type CompositorConfig struct {
	MaxDimension int           `json:"maxDimension" mapstructure:"maxDimension"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	CacheSize    int           `json:"cacheSize" mapstructure:"cacheSize"`
	MinImageSize int           `json:"minImageSize" mapstructure:"minImageSize"`
}

// CommandConfig describes one external descriptor compiler invocation.
// Args may reference {input} and {output}.
type CommandConfig struct {
	Command string        `json:"command" mapstructure:"command"`
	Args    []string      `json:"args" mapstructure:"args"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DescriptorConfig holds configuration for descriptor generation
type DescriptorConfig struct {
	Primary           CommandConfig `json:"primary" mapstructure:"primary"`
	Secondary         CommandConfig `json:"secondary" mapstructure:"secondary"`
	StructuralEnabled bool          `json:"structuralEnabled" mapstructure:"structuralEnabled"`
	MinBytes          int           `json:"minBytes" mapstructure:"minBytes"`
	MaxBytes          int           `json:"maxBytes" mapstructure:"maxBytes"`
	BuildTimeout      time.Duration `json:"buildTimeout" mapstructure:"buildTimeout"`
	FetchTimeout      time.Duration `json:"fetchTimeout" mapstructure:"fetchTimeout"`
	FetchRetries      int           `json:"fetchRetries" mapstructure:"fetchRetries"`
}

// PlacementConfig holds configuration for default marker placement
type PlacementConfig struct {
	Backend     string  `json:"backend" mapstructure:"backend"` // none|saliency|ollama|llamacpp
	URL         string  `json:"url" mapstructure:"url"`
	Model       string  `json:"model" mapstructure:"model"`
	MarkerRatio float64 `json:"markerRatio" mapstructure:"markerRatio"`
	MarginRatio float64 `json:"marginRatio" mapstructure:"marginRatio"`
}

// StorageConfig holds configuration for the object store
type StorageConfig struct {
	Root    string `json:"root" mapstructure:"root"`
	BaseURL string `json:"baseUrl" mapstructure:"baseUrl"`
}

// CatalogConfig holds configuration for the artifact catalog
type CatalogConfig struct {
	Path string `json:"path" mapstructure:"path"` // empty = in-memory
}

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Addr              string        `json:"addr" mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `json:"readHeaderTimeout" mapstructure:"readHeaderTimeout"`
	PublicURL         string        `json:"publicUrl" mapstructure:"publicUrl"`
}

// TrackingConfig holds configuration consumed by the client tracking runtime
type TrackingConfig struct {
	CameraFacing      string        `json:"cameraFacing" mapstructure:"cameraFacing"` // auto|front|rear
	AnimationDuration time.Duration `json:"animationDuration" mapstructure:"animationDuration"`
	PopOutDistance    float64       `json:"popOutDistance" mapstructure:"popOutDistance"`
	BaseHeight        float64       `json:"baseHeight" mapstructure:"baseHeight"`
	LiftedHeight      float64       `json:"liftedHeight" mapstructure:"liftedHeight"`
	ViewAngle         float64       `json:"viewAngle" mapstructure:"viewAngle"` // degrees
	DebounceFrames    int           `json:"debounceFrames" mapstructure:"debounceFrames"`
	InitAttempts      int           `json:"initAttempts" mapstructure:"initAttempts"`
	InitRetryDelay    time.Duration `json:"initRetryDelay" mapstructure:"initRetryDelay"`
	InitMaxRetryDelay time.Duration `json:"initMaxRetryDelay" mapstructure:"initMaxRetryDelay"`
	FilterMinCF       float64       `json:"filterMinCF" mapstructure:"filterMinCF"`
	FilterBeta        float64       `json:"filterBeta" mapstructure:"filterBeta"`
	MissTolerance     int           `json:"missTolerance" mapstructure:"missTolerance"`
	WarmupTolerance   int           `json:"warmupTolerance" mapstructure:"warmupTolerance"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")

	v.SetDefault("compositor.maxDimension", 2048)
	v.SetDefault("compositor.timeout", "30s")
	v.SetDefault("compositor.cacheSize", 32)
	v.SetDefault("compositor.minImageSize", 64)

	v.SetDefault("descriptor.primary.command", "mindar-compile")
	v.SetDefault("descriptor.primary.args", []string{"--input", "{input}", "--output", "{output}"})
	v.SetDefault("descriptor.primary.timeout", "5m")
	v.SetDefault("descriptor.secondary.command", "")
	v.SetDefault("descriptor.secondary.args", []string{"{input}", "{output}"})
	v.SetDefault("descriptor.secondary.timeout", "2m")
	v.SetDefault("descriptor.structuralEnabled", true)
	v.SetDefault("descriptor.minBytes", 1024)
	v.SetDefault("descriptor.maxBytes", 20<<20)
	v.SetDefault("descriptor.buildTimeout", "10m")
	v.SetDefault("descriptor.fetchTimeout", "15s")
	v.SetDefault("descriptor.fetchRetries", 3)

	v.SetDefault("placement.backend", "saliency")
	v.SetDefault("placement.url", "http://localhost:11434")
	v.SetDefault("placement.model", "openbmb/minicpm-v4.5")
	v.SetDefault("placement.markerRatio", 0.25)
	v.SetDefault("placement.marginRatio", 0.04)

	v.SetDefault("storage.root", "./targets")
	v.SetDefault("storage.baseUrl", "/assets")

	v.SetDefault("catalog.path", "./artarget.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readHeaderTimeout", "10s")
	v.SetDefault("server.publicUrl", "http://localhost:8080")

	v.SetDefault("tracking.cameraFacing", "auto")
	v.SetDefault("tracking.animationDuration", "1800ms")
	v.SetDefault("tracking.popOutDistance", 0.3)
	v.SetDefault("tracking.baseHeight", 0.0)
	v.SetDefault("tracking.liftedHeight", 0.15)
	v.SetDefault("tracking.viewAngle", -20.0)
	v.SetDefault("tracking.debounceFrames", 0)
	v.SetDefault("tracking.initAttempts", 3)
	v.SetDefault("tracking.initRetryDelay", "250ms")
	v.SetDefault("tracking.initMaxRetryDelay", "2s")
	v.SetDefault("tracking.filterMinCF", 0.0001)
	v.SetDefault("tracking.filterBeta", 0.001)
	v.SetDefault("tracking.missTolerance", 5)
	v.SetDefault("tracking.warmupTolerance", 5)
}

// Default returns a configuration with default values
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Load reads configuration from a JSON file (optional) on top of the
// defaults and environment. An empty filename loads defaults and env only.
func Load(filename string) (*Config, error) {
	v := newViper()

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Compositor.MaxDimension < 1 {
		errs = append(errs, errors.New("compositor.maxDimension must be positive"))
	}
	if c.Compositor.Timeout <= 0 {
		errs = append(errs, errors.New("compositor.timeout must be positive"))
	}
	if c.Descriptor.Primary.Command == "" && c.Descriptor.Secondary.Command == "" && !c.Descriptor.StructuralEnabled {
		errs = append(errs, errors.New("descriptor: at least one generation strategy must be configured"))
	}
	if c.Descriptor.MinBytes < 1 {
		errs = append(errs, errors.New("descriptor.minBytes must be positive"))
	}
	if c.Descriptor.MaxBytes < c.Descriptor.MinBytes {
		errs = append(errs, errors.New("descriptor.maxBytes must be >= descriptor.minBytes"))
	}
	switch c.Placement.Backend {
	case "none", "saliency", "ollama", "llamacpp":
	default:
		errs = append(errs, fmt.Errorf("placement.backend %q must be one of none, saliency, ollama, llamacpp", c.Placement.Backend))
	}
	if c.Placement.MarkerRatio <= 0 || c.Placement.MarkerRatio > 1 {
		errs = append(errs, errors.New("placement.markerRatio must be in (0, 1]"))
	}
	if c.Placement.MarginRatio < 0 || c.Placement.MarginRatio >= 0.5 {
		errs = append(errs, errors.New("placement.marginRatio must be in [0, 0.5)"))
	}
	switch c.Tracking.CameraFacing {
	case "auto", "front", "rear":
	default:
		errs = append(errs, fmt.Errorf("tracking.cameraFacing %q must be auto, front or rear", c.Tracking.CameraFacing))
	}
	if c.Tracking.AnimationDuration <= 0 {
		errs = append(errs, errors.New("tracking.animationDuration must be positive"))
	}
	if c.Tracking.InitAttempts < 1 {
		errs = append(errs, errors.New("tracking.initAttempts must be at least 1"))
	}
	if c.Tracking.DebounceFrames < 0 {
		errs = append(errs, errors.New("tracking.debounceFrames must not be negative"))
	}

	return errors.Join(errs...)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "ar-target", "config.json")
}

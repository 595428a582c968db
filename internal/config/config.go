// Package config handles configuration loading and validation for the
// handwriting recognition service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	// Server configuration for the HTTP listener.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Model configuration for artifact resolution and inference backends.
	Model ModelConfig `toml:"model" json:"model" yaml:"model"`

	// Pipeline holds the constants shared by the drawing surface,
	// resampler, normalizer and ranker.
	Pipeline PipelineConfig `toml:"pipeline" json:"pipeline" yaml:"pipeline"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Port is the TCP port to listen on.
	Port string `toml:"port" json:"port" yaml:"port"`

	// ReadTimeoutSec bounds reading a request, headers and body. WebSocket
	// connections are exempt once upgraded.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// MaxUploadMB caps multipart image uploads.
	MaxUploadMB int64 `toml:"max_upload_mb" json:"max_upload_mb" yaml:"max_upload_mb"`
}

// ModelConfig holds artifact configuration.
type ModelConfig struct {
	// ArtifactID names the artifact to load at startup.
	ArtifactID string `toml:"artifact_id" json:"artifact_id" yaml:"artifact_id"`

	// ArtifactRoot is a local directory holding one subdirectory per artifact.
	ArtifactRoot string `toml:"artifact_root" json:"artifact_root" yaml:"artifact_root"`

	// ArtifactURL, when set, is used instead of ArtifactRoot. Artifacts are
	// fetched from ArtifactURL/<artifact_id>/.
	ArtifactURL string `toml:"artifact_url" json:"artifact_url" yaml:"artifact_url"`

	// OnnxRuntimeLib is the path to the onnxruntime shared library.
	// Empty uses the platform default search.
	OnnxRuntimeLib string `toml:"onnxruntime_lib" json:"onnxruntime_lib" yaml:"onnxruntime_lib"`

	// InkPolarity is used when the artifact manifest does not declare one:
	// "dark_on_light" or "light_on_dark".
	InkPolarity string `toml:"ink_polarity" json:"ink_polarity" yaml:"ink_polarity"`

	// Output is used when the artifact manifest does not declare one:
	// "logits" or "probabilities".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FetchTimeoutSec bounds a single artifact fetch.
	FetchTimeoutSec int `toml:"fetch_timeout_sec" json:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// PipelineConfig holds pipeline-wide constants.
type PipelineConfig struct {
	// InputSize is N: the model consumes N×N×1 tensors.
	InputSize int `toml:"input_size" json:"input_size" yaml:"input_size"`

	// CSSSize is the logical edge length of the drawing surface.
	CSSSize int `toml:"css_size" json:"css_size" yaml:"css_size"`

	// MaxDevicePixelRatio caps the backing buffer scale a client may request.
	MaxDevicePixelRatio float64 `toml:"max_device_pixel_ratio" json:"max_device_pixel_ratio" yaml:"max_device_pixel_ratio"`

	BrushMin     float64 `toml:"brush_min" json:"brush_min" yaml:"brush_min"`
	BrushMax     float64 `toml:"brush_max" json:"brush_max" yaml:"brush_max"`
	BrushDefault float64 `toml:"brush_default" json:"brush_default" yaml:"brush_default"`

	// Filter selects the resampling kernel: "bilinear", "lanczos3" or "catmullrom".
	Filter string `toml:"filter" json:"filter" yaml:"filter"`

	// TopK is the number of ranked guesses returned.
	TopK int `toml:"top_k" json:"top_k" yaml:"top_k"`

	// Labels overrides the artifact's class table. Empty means use the
	// manifest's classes, or A–Z when the manifest has none.
	Labels []string `toml:"labels" json:"labels" yaml:"labels"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			ReadTimeoutSec: 15,
			MaxUploadMB:    10,
		},
		Model: ModelConfig{
			ArtifactID:      "hcr",
			ArtifactRoot:    "models",
			InkPolarity:     "dark_on_light",
			Output:          "logits",
			FetchTimeoutSec: 30,
		},
		Pipeline: PipelineConfig{
			InputSize:           28,
			CSSSize:             320,
			MaxDevicePixelRatio: 4,
			BrushMin:            6,
			BrushMax:            36,
			BrushDefault:        16,
			Filter:              "bilinear",
			TopK:                3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	return cfg, nil
}

// ApplyEnvOverrides overlays well-known environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("HCR_ARTIFACT_ID"); v != "" {
		c.Model.ArtifactID = v
	}
	if v := os.Getenv("HCR_ARTIFACT_ROOT"); v != "" {
		c.Model.ArtifactRoot = v
	}
	if v := os.Getenv("HCR_ARTIFACT_URL"); v != "" {
		c.Model.ArtifactURL = v
	}
	if v := os.Getenv("HCR_ORT_LIB"); v != "" {
		c.Model.OnnxRuntimeLib = v
	}
	if v := os.Getenv("HCR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HCR_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.TopK = n
		}
	}
}

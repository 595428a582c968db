package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		add("server.port", "invalid port %q", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		add("server.max_upload_mb", "must be positive")
	}

	if c.Model.ArtifactID == "" {
		add("model.artifact_id", "required")
	}
	if c.Model.ArtifactRoot == "" && c.Model.ArtifactURL == "" {
		add("model.artifact_root", "either artifact_root or artifact_url is required")
	}
	if c.Model.ArtifactURL != "" {
		if u, err := url.Parse(c.Model.ArtifactURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("model.artifact_url", "invalid URL %q", c.Model.ArtifactURL)
		}
	}
	switch c.Model.InkPolarity {
	case "dark_on_light", "light_on_dark":
	default:
		add("model.ink_polarity", "unknown polarity %q", c.Model.InkPolarity)
	}
	switch c.Model.Output {
	case "logits", "probabilities":
	default:
		add("model.output", "unknown output kind %q", c.Model.Output)
	}

	p := c.Pipeline
	if p.InputSize <= 0 {
		add("pipeline.input_size", "must be positive")
	}
	if p.CSSSize < p.InputSize {
		add("pipeline.css_size", "must be at least input_size (%d)", p.InputSize)
	}
	if p.MaxDevicePixelRatio < 1 {
		add("pipeline.max_device_pixel_ratio", "must be >= 1")
	}
	if p.BrushMin <= 0 || p.BrushMax < p.BrushMin {
		add("pipeline.brush_min", "brush range [%g, %g] is empty", p.BrushMin, p.BrushMax)
	} else if p.BrushDefault < p.BrushMin || p.BrushDefault > p.BrushMax {
		add("pipeline.brush_default", "%g outside [%g, %g]", p.BrushDefault, p.BrushMin, p.BrushMax)
	}
	switch p.Filter {
	case "bilinear", "lanczos3", "catmullrom":
	case "nearest":
		add("pipeline.filter", "nearest-neighbour drops stroke anti-aliasing")
	default:
		add("pipeline.filter", "unknown filter %q", p.Filter)
	}
	if p.TopK <= 0 {
		add("pipeline.top_k", "must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidTransportNames lists the transports registered by the liveintake
// binary. Used by [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini-live", "genai-live", "mock"}

// ValidAudioBackends lists the audio backends registered by the liveintake
// binary.
var ValidAudioBackends = []string{"ffmpeg", "mock"}

// validate is the shared struct-tag validator. Field names in its errors are
// the YAML keys.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(fe), validationMessage(fe)))
		}
	}

	warnUnknown("transport", cfg.Transport.Name, ValidTransportNames)
	warnUnknown("capture backend", cfg.Capture.Backend, ValidAudioBackends)
	warnUnknown("playback backend", cfg.Playback.Backend, ValidAudioBackends)

	// Cross-field checks.
	t := cfg.Transport
	switch t.Name {
	case "gemini-live":
		if t.APIKey == "" {
			errs = append(errs, errors.New("transport.api_key is required for gemini-live"))
		}
		if t.Vertex != nil {
			errs = append(errs, errors.New("transport.vertex is only supported by genai-live"))
		}
	case "genai-live":
		if t.APIKey == "" && t.Vertex == nil {
			errs = append(errs, errors.New("transport.api_key or transport.vertex is required for genai-live"))
		}
		if len(t.FallbackURLs) > 0 {
			errs = append(errs, errors.New("transport.fallback_urls is only supported by gemini-live"))
		}
	}
	if t.SendPolicy == "drop" && t.PendingLimit > 0 {
		slog.Warn("transport.pending_limit has no effect with send_policy drop")
	}

	if cfg.Capture.WireSampleRate > cfg.Capture.SampleRate && cfg.Capture.SampleRate > 0 {
		slog.Warn("capture.wire_sample_rate is above the device rate; audio will be upsampled",
			"sample_rate", cfg.Capture.SampleRate,
			"wire_sample_rate", cfg.Capture.WireSampleRate,
		)
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcripts will not be archived")
	}

	return errors.Join(errs...)
}

// fieldPath renders a validator namespace ("Config.transport.send_policy")
// as a YAML key path ("transport.send_policy").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// validationMessage creates a human-readable message from a validator error.
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "url":
		return fmt.Sprintf("%q must be a valid URL", fe.Value())
	case "oneof":
		return fmt.Sprintf("%q is invalid; valid values: %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "hostname_port":
		return fmt.Sprintf("%q must be a host:port address", fe.Value())
	default:
		return fmt.Sprintf("failed validation %q", fe.Tag())
	}
}

// warnUnknown logs a warning if name is non-empty and not in known.
func warnUnknown(kind, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

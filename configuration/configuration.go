// Package configuration defines the registry configuration file format.
//
// Configuration is provided as a yaml document and may be selectively
// overridden through environment variables of the form REGISTRY_ABC_XYZ,
// where the variable name mirrors the field path.
package configuration

import (
	"fmt"
	"io"
	"time"
)

// Configuration holds the full registry configuration.
type Configuration struct {
	// Log configures the structured logger.
	Log struct {
		// Level is one of error, warn, info or debug.
		Level Loglevel `yaml:"level"`

		// Formatter selects the log output format, text or json.
		Formatter string `yaml:"formatter"`
	} `yaml:"log"`

	// HTTP contains parameters for the registry's http interface.
	HTTP struct {
		// Addr is the bind address for the registry API.
		Addr string `yaml:"addr"`

		// Prefix mounts the API under a path prefix instead of /.
		Prefix string `yaml:"prefix"`

		// Debug configures the side listener serving pprof and
		// prometheus metrics. Disabled when Addr is empty.
		Debug struct {
			Addr string `yaml:"addr"`
		} `yaml:"debug"`
	} `yaml:"http"`

	// Storage configures the blob store and metadata index.
	Storage struct {
		// Path is the root directory holding blobs, staging files and
		// the metadata database.
		Path string `yaml:"path"`

		// MaxBlobSize caps a single blob in bytes. Zero uses the
		// built-in default.
		MaxBlobSize int64 `yaml:"maxblobsize"`

		// MaxManifestSize caps a manifest payload in bytes. Zero uses
		// the built-in default.
		MaxManifestSize int64 `yaml:"maxmanifestsize"`

		// Delete enables the blob and manifest deletion endpoints.
		Delete struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"delete"`
	} `yaml:"storage"`

	// Upload configures upload session housekeeping.
	Upload struct {
		// SessionTTL expires upload sessions idle longer than this.
		SessionTTL Duration `yaml:"sessionttl"`

		// PurgeInterval is how often the expiry pass runs.
		PurgeInterval Duration `yaml:"purgeinterval"`
	} `yaml:"upload"`

	// Security configures authentication and rate limiting.
	Security struct {
		// RequireAuth rejects unauthenticated requests, subject to
		// AllowAnonymousPull.
		RequireAuth bool `yaml:"requireauth"`

		// AllowAnonymousPull permits credential-free pulls from public
		// repositories.
		AllowAnonymousPull bool `yaml:"allowanonymouspull"`

		// Realm and Service parameterize the bearer challenge.
		Realm   string `yaml:"realm"`
		Service string `yaml:"service"`

		// Users maps bearer tokens to static identities.
		Users map[string]User `yaml:"users"`

		// RateLimit throttles requests per client.
		RateLimit struct {
			Enabled bool `yaml:"enabled"`

			// RPS is the sustained requests per second allowed.
			RPS float64 `yaml:"rps"`

			// Burst is the burst bucket size.
			Burst int `yaml:"burst"`
		} `yaml:"ratelimit"`
	} `yaml:"security"`

	// GC configures the garbage collector.
	GC struct {
		// SafetyHorizon is the minimum blob age before sweeping.
		SafetyHorizon Duration `yaml:"safetyhorizon"`
	} `yaml:"gc"`
}

// User is a statically configured identity.
type User struct {
	Name   string  `yaml:"name"`
	Admin  bool    `yaml:"admin"`
	Grants []Grant `yaml:"grants"`
}

// Grant allows actions on a repository.
type Grant struct {
	Repository string   `yaml:"repository"`
	Actions    []string `yaml:"actions"`
}

// Loglevel is the level at which operations are logged.
type Loglevel string

// UnmarshalYAML implements the yaml.Unmarshaler interface, lowercasing the
// string and validating that it represents a valid loglevel.
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	if err := unmarshal(&loglevelString); err != nil {
		return err
	}

	switch Loglevel(loglevelString) {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s, must be one of error, warn, info, debug", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Duration is a time.Duration parsed from a yaml string like "24h" or "90s".
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default values applied by Parse when the corresponding field is unset.
const (
	DefaultAddr          = ":5000"
	DefaultSessionTTL    = Duration(24 * time.Hour)
	DefaultPurgeInterval = Duration(15 * time.Minute)
	DefaultSafetyHorizon = Duration(1 * time.Hour)
	DefaultRateLimitRPS  = 100.0
	DefaultRateBurst     = 200
)

// Parse parses an input configuration yaml document into a Configuration
// struct, applying environment overrides and defaults.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	p := NewParser("registry")
	if err := p.Parse(in, config); err != nil {
		return nil, err
	}

	if config.Storage.Path == "" {
		return nil, fmt.Errorf("no storage path provided")
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = "text"
	}
	if config.HTTP.Addr == "" {
		config.HTTP.Addr = DefaultAddr
	}
	if config.Upload.SessionTTL == 0 {
		config.Upload.SessionTTL = DefaultSessionTTL
	}
	if config.Upload.PurgeInterval == 0 {
		config.Upload.PurgeInterval = DefaultPurgeInterval
	}
	if config.GC.SafetyHorizon == 0 {
		config.GC.SafetyHorizon = DefaultSafetyHorizon
	}
	if config.Security.RateLimit.Enabled {
		if config.Security.RateLimit.RPS <= 0 {
			config.Security.RateLimit.RPS = DefaultRateLimitRPS
		}
		if config.Security.RateLimit.Burst <= 0 {
			config.Security.RateLimit.Burst = DefaultRateBurst
		}
	}

	return config, nil
}

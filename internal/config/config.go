package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/facegate/internal/actuator"
	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/embedding"
	"github.com/andresmejia3/facegate/internal/identity"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/sessionlog"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/verify"
)

// Verification modes.
const (
	ModeLiveness = "liveness"
	ModeIdentity = "identity"
)

// Face analysis providers.
const (
	ProviderPython = "python"
	ProviderHTTP   = "http"
)

// SecretEnv names the variable that holds the unlock secret.
const SecretEnv = "UNLOCK_PIN"

const DefaultDatabaseURL = "postgres://localhost:5432/facegate"

type Config struct {
	Mode      string `yaml:"mode"`
	Reference string `yaml:"reference"` // image of the enrolled user (identity mode)
	Wait      bool   `yaml:"wait"`      // hold the terminal open after a fatal error

	Camera   camera.Config  `yaml:"camera"`
	Liveness LivenessConfig `yaml:"liveness"`
	Identity IdentityConfig `yaml:"identity"`
	Provider ProviderConfig `yaml:"provider"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`

	// Secret is only ever read from the environment.
	Secret string `yaml:"-"`
}

type LivenessConfig struct {
	RequiredFaceFrames int     `yaml:"required_face_frames"`
	Threshold          float64 `yaml:"threshold"`         // average EAR below this counts as closed
	MinClosedFrames    int     `yaml:"min_closed_frames"` // closed run needed for a blink
}

type IdentityConfig struct {
	RequiredFaceFrames int     `yaml:"required_face_frames"`
	RequiredMatches    int     `yaml:"required_matches"`
	Tolerance          float64 `yaml:"tolerance"`
	Metric             string  `yaml:"metric"`
}

type ProviderConfig struct {
	Kind    string        `yaml:"kind"`   // python or http
	Script  string        `yaml:"script"` // python worker script, defaults to python/worker.py next to the binary
	URL     string        `yaml:"url"`    // embedding server, defaults to http://localhost:8000
	Timeout time.Duration `yaml:"timeout"`
}

type ActuatorConfig struct {
	Keyboard string          `yaml:"keyboard"`
	Timing   actuator.Timing `yaml:"timing"`
}

type LogConfig struct {
	File string `yaml:"file"` // empty disables the file sink
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL
}

// ExeDir returns the directory of the running binary, or "." if unknown.
func ExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Mode:   ModeLiveness,
		Wait:   true,
		Camera: camera.Config{Backend: "ffmpeg", Width: camera.DefaultWidth, Height: camera.DefaultHeight},
		Liveness: LivenessConfig{
			RequiredFaceFrames: verify.DefaultLivenessFaceFrames,
			Threshold:          liveness.DefaultThreshold,
			MinClosedFrames:    liveness.DefaultMinClosedFrames,
		},
		Identity: IdentityConfig{
			RequiredFaceFrames: verify.DefaultIdentityFaceFrames,
			RequiredMatches:    identity.DefaultRequiredMatches,
			Tolerance:          identity.DefaultTolerance,
			Metric:             string(identity.Euclidean),
		},
		Provider: ProviderConfig{
			Kind:    ProviderPython,
			URL:     embedding.DefaultURL,
			Timeout: embedding.DefaultTimeout,
		},
		Actuator: ActuatorConfig{
			Keyboard: actuator.BackendAuto,
			Timing:   actuator.DefaultTiming,
		},
		Log: LogConfig{File: filepath.Join(ExeDir(), sessionlog.DefaultFile)},
	}
}

// LoadDotEnv reads .env from next to the binary and from the working
// directory. Variables already in the environment win.
func LoadDotEnv() error {
	for _, path := range []string{filepath.Join(ExeDir(), ".env"), ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return types.StartupError("load .env", fmt.Errorf("%s: %w", path, err))
		}
	}
	return nil
}

// Load layers the YAML file (path, or $FACEGATE_CONFIG) and the environment
// over the defaults. Flags are applied by the caller afterwards.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getenv("FACEGATE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.StartupError("read config", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, types.StartupError("parse config", fmt.Errorf("%s: %w", path, err))
		}
	}

	cfg.applyEnv(getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	c.Secret = getenv(SecretEnv)
	set(&c.Mode, "FACEGATE_MODE")
	set(&c.Reference, "FACEGATE_REFERENCE")
	set(&c.Camera.Device, "FACEGATE_DEVICE")
	set(&c.Provider.Kind, "FACEGATE_PROVIDER")
	set(&c.Provider.URL, "FACEGATE_PROVIDER_URL")
	set(&c.Log.File, "FACEGATE_LOG_FILE")
	set(&c.Actuator.Keyboard, "FACEGATE_KEYBOARD")
	if url := DatabaseURL(getenv); url != "" {
		c.Database.URL = url
	}
}

// DatabaseURL returns $DATABASE_URL, or builds one from the POSTGRES_* variables.
func DatabaseURL(getenv func(string) string) string {
	if url := getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

// RequiredFaceFrames returns the presence requirement of the active mode.
func (c *Config) RequiredFaceFrames() int {
	if c.Mode == ModeIdentity {
		return c.Identity.RequiredFaceFrames
	}
	return c.Liveness.RequiredFaceFrames
}

// Validate checks everything that can be checked without touching devices.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Mode {
	case ModeLiveness:
		if c.Liveness.RequiredFaceFrames <= 0 {
			bad("liveness.required_face_frames must be positive, got %d", c.Liveness.RequiredFaceFrames)
		}
		if c.Liveness.Threshold <= 0 || c.Liveness.Threshold >= 1 {
			bad("liveness.threshold must be in (0, 1), got %g", c.Liveness.Threshold)
		}
		if c.Liveness.MinClosedFrames < 1 {
			bad("liveness.min_closed_frames must be at least 1, got %d", c.Liveness.MinClosedFrames)
		}
		// Embedding servers return no eye landmarks.
		if c.Provider.Kind == ProviderHTTP {
			bad("liveness mode needs the %s provider for eye landmarks, got %s", ProviderPython, ProviderHTTP)
		}
	case ModeIdentity:
		if c.Identity.RequiredFaceFrames <= 0 {
			bad("identity.required_face_frames must be positive, got %d", c.Identity.RequiredFaceFrames)
		}
		if c.Identity.RequiredMatches <= 0 {
			bad("identity.required_matches must be positive, got %d", c.Identity.RequiredMatches)
		}
		if c.Identity.Tolerance <= 0 {
			bad("identity.tolerance must be positive, got %g", c.Identity.Tolerance)
		}
		if _, err := identity.ParseMetric(c.Identity.Metric); err != nil {
			errs = append(errs, err)
		}
		if c.Reference == "" && c.Database.URL == "" {
			bad("identity mode needs a reference image or an enrollment database")
		}
	default:
		bad("unknown mode %q (want %s or %s)", c.Mode, ModeLiveness, ModeIdentity)
	}

	if c.Provider.Kind != ProviderPython && c.Provider.Kind != ProviderHTTP {
		bad("unknown provider %q (want %s or %s)", c.Provider.Kind, ProviderPython, ProviderHTTP)
	}
	if !slices.Contains(actuator.Backends, c.Actuator.Keyboard) {
		bad("unknown keyboard %q", c.Actuator.Keyboard)
	}
	if c.Camera.Backend != "" && c.Camera.Backend != "ffmpeg" && c.Camera.Backend != "gocv" {
		bad("unknown camera backend %q", c.Camera.Backend)
	}
	if c.Actuator.Timing.Settle < 0 || c.Actuator.Timing.Confirm < 0 || c.Actuator.Timing.KeyInterval < 0 {
		bad("actuator timings must not be negative")
	}

	if len(errs) > 0 {
		return types.StartupError("validate config", errors.Join(errs...))
	}
	return nil
}

// RequireSecret fails when no unlock secret is configured.
func (c *Config) RequireSecret() error {
	if c.Secret == "" {
		return types.StartupError("load secret", fmt.Errorf("%s is not set (environment or .env)", SecretEnv))
	}
	return nil
}

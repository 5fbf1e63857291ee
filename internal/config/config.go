// Package config loads chamicore-bmc configuration from environment variables
// and an optional YAML profile file. Environment values override the profile.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/jobs"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/mejo"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/power"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/redfish"
)

const (
	envPrefix = "CHAMICORE_BMC_"

	defaultProfilePath          = "~/.chamicore/bmc.yaml"
	defaultRequestTimeout       = 60 * time.Second
	defaultPollInterval         = 5 * time.Second
	defaultScheduleTimeout      = 5 * time.Minute
	defaultRealtimeTimeout      = 30 * time.Minute
	defaultStagedTimeout        = 2 * time.Hour
	defaultRetryAttempts        = 20
	defaultRetryWindow          = 2 * time.Hour
	defaultReconnectInterval    = 30 * time.Second
	defaultPowerPollInterval    = 15 * time.Second
	defaultShutdownGrace        = 5 * time.Minute
	defaultControllerResetGrace = 6 * time.Minute
	defaultNATSStream           = "CHAMICORE_BMC"
)

// Config holds runtime configuration.
type Config struct {
	Host      string
	Username  string
	Password  string
	Token     string
	VerifyTLS bool
	SystemID  string
	// ManagerPath pins the manager whose job queue is used.
	ManagerPath string

	LogLevel string
	DevMode  bool

	RequestTimeout       time.Duration
	PollInterval         time.Duration
	ScheduleTimeout      time.Duration
	RealtimeTimeout      time.Duration
	StagedTimeout        time.Duration
	RetryAttempts        int
	RetryWindow          time.Duration
	ReconnectInterval    time.Duration
	PowerPollInterval    time.Duration
	ShutdownGrace        time.Duration
	ControllerResetGrace time.Duration

	NATSURL        string
	NATSStream     string
	PushgatewayURL string
	TracesEnabled  bool

	Profile     string
	ProfilePath string
}

// Profile is one named endpoint entry of the profile file.
type Profile struct {
	Host        string `yaml:"host"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Token       string `yaml:"token"`
	VerifyTLS   bool   `yaml:"verifyTLS"`
	SystemID    string `yaml:"systemID"`
	ManagerPath string `yaml:"managerPath"`
}

type profileFile struct {
	Endpoints map[string]Profile `yaml:"endpoints"`
}

// Load reads configuration from the environment and, when CHAMICORE_BMC_PROFILE
// is set, from the named profile.
func Load() (Config, error) {
	profileName := strings.TrimSpace(os.Getenv(envPrefix + "PROFILE"))
	profilePath := expandPath(envOrDefault(envPrefix+"PROFILE_PATH", defaultProfilePath))

	profile, err := LoadProfile(profilePath, profileName)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:        strings.TrimSpace(envOrDefault(envPrefix+"HOST", profile.Host)),
		Username:    envOrDefault(envPrefix+"USERNAME", profile.Username),
		Password:    envOrDefault(envPrefix+"PASSWORD", profile.Password),
		Token:       strings.TrimSpace(envOrDefault(envPrefix+"TOKEN", profile.Token)),
		VerifyTLS:   envBool(envPrefix+"VERIFY_TLS", profile.VerifyTLS),
		SystemID:    strings.TrimSpace(envOrDefault(envPrefix+"SYSTEM_ID", profile.SystemID)),
		ManagerPath: strings.TrimSpace(envOrDefault(envPrefix+"MANAGER_PATH", profile.ManagerPath)),

		LogLevel: strings.ToLower(strings.TrimSpace(envOrDefault(envPrefix+"LOG_LEVEL", "info"))),
		DevMode:  envBool(envPrefix+"DEV_MODE", false),

		RequestTimeout:       envPositiveDuration(envPrefix+"REQUEST_TIMEOUT", defaultRequestTimeout),
		PollInterval:         envPositiveDuration(envPrefix+"POLL_INTERVAL", defaultPollInterval),
		ScheduleTimeout:      envPositiveDuration(envPrefix+"SCHEDULE_TIMEOUT", defaultScheduleTimeout),
		RealtimeTimeout:      envPositiveDuration(envPrefix+"REALTIME_TIMEOUT", defaultRealtimeTimeout),
		StagedTimeout:        envPositiveDuration(envPrefix+"STAGED_TIMEOUT", defaultStagedTimeout),
		RetryAttempts:        envPositiveInt(envPrefix+"RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryWindow:          envPositiveDuration(envPrefix+"RETRY_WINDOW", defaultRetryWindow),
		ReconnectInterval:    envPositiveDuration(envPrefix+"RECONNECT_INTERVAL", defaultReconnectInterval),
		PowerPollInterval:    envPositiveDuration(envPrefix+"POWER_POLL_INTERVAL", defaultPowerPollInterval),
		ShutdownGrace:        envPositiveDuration(envPrefix+"SHUTDOWN_GRACE", defaultShutdownGrace),
		ControllerResetGrace: envPositiveDuration(envPrefix+"CONTROLLER_RESET_GRACE", defaultControllerResetGrace),

		NATSURL:        strings.TrimSpace(envOrDefault(envPrefix+"NATS_URL", "")),
		NATSStream:     strings.TrimSpace(envOrDefault(envPrefix+"NATS_STREAM", defaultNATSStream)),
		PushgatewayURL: strings.TrimSpace(envOrDefault(envPrefix+"PUSHGATEWAY_URL", "")),
		TracesEnabled:  envBool(envPrefix+"TRACES_ENABLED", false),

		Profile:     profileName,
		ProfilePath: profilePath,
	}

	if cfg.ReconnectInterval > cfg.RetryWindow {
		cfg.ReconnectInterval = cfg.RetryWindow
	}
	if cfg.NATSStream == "" {
		cfg.NATSStream = defaultNATSStream
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Host == "" {
		result = multierror.Append(result, fmt.Errorf("%sHOST is required", envPrefix))
	} else if _, err := redfish.NormalizeEndpoint(c.Host); err != nil {
		result = multierror.Append(result, fmt.Errorf("%sHOST: %w", envPrefix, err))
	}
	if c.Token == "" && strings.TrimSpace(c.Username) == "" {
		result = multierror.Append(result, fmt.Errorf("either %sTOKEN or %sUSERNAME is required", envPrefix, envPrefix))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid %sLOG_LEVEL %q", envPrefix, c.LogLevel))
	}

	return result.ErrorOrNil()
}

// Endpoint builds the managed endpoint. A token takes precedence over basic credentials.
func (c Config) Endpoint() redfish.Endpoint {
	ep := redfish.Endpoint{
		Address:   c.Host,
		VerifyTLS: c.VerifyTLS,
		Timeout:   c.RequestTimeout,
	}
	if c.Token != "" {
		ep.Auth = redfish.TokenAuth{Token: c.Token}
	} else {
		ep.Auth = redfish.BasicAuth{User: c.Username, Password: c.Password}
	}
	return ep
}

// Client returns the facade configuration.
func (c Config) Client() mejo.Config {
	return mejo.Config{
		Endpoint: c.Endpoint(),
		Jobs: jobs.Config{
			PollInterval:         c.PollInterval,
			ScheduleTimeout:      c.ScheduleTimeout,
			RealtimeTimeout:      c.RealtimeTimeout,
			StagedTimeout:        c.StagedTimeout,
			RetryAttempts:        c.RetryAttempts,
			RetryWindow:          c.RetryWindow,
			ReconnectInterval:    c.ReconnectInterval,
			ControllerResetGrace: c.ControllerResetGrace,
			ManagerPath:          c.ManagerPath,
		},
		Power: power.Config{
			PollInterval:         c.PowerPollInterval,
			ShutdownGrace:        c.ShutdownGrace,
			ControllerResetGrace: c.ControllerResetGrace,
			SystemID:             c.SystemID,
		},
	}
}

// LoadProfile reads the named endpoint from the profile file. An empty name
// returns an empty profile without touching the file.
func LoadProfile(path, name string) (Profile, error) {
	if name == "" {
		return Profile{}, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return Profile{}, fmt.Errorf("profile %q requested but %s does not exist", name, path)
	default:
		return Profile{}, fmt.Errorf("reading profile file: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Profile{}, fmt.Errorf("decoding profile file %s: %w", path, err)
	}
	profile, ok := file.Endpoints[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in %s", name, path)
	}
	return profile, nil
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return filepath.Clean(path)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		switch strings.ToLower(v) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		default:
			return defaultVal
		}
	}
	return b
}

func envPositiveInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envPositiveDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

// Package config loads the broker's settings from DAIV_SANDBOX_-prefixed
// environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config holds every setting the broker needs to serve requests.
type Config struct {
	Host string
	Port string

	Environment string
	LogLevel    string

	APIKey string

	Runtime  string
	RunUID   int
	RunGID   int
	GitImage string

	NetworkEnabled bool

	MetricsEnabled bool
}

// Load reads Config from the environment, applying the same defaults as the
// broker's reference deployment.
func Load() (Config, error) {
	cfg := Config{
		Host:           env("DAIV_SANDBOX_HOST", "0.0.0.0"),
		Port:           env("DAIV_SANDBOX_PORT", "8000"),
		Environment:    env("DAIV_SANDBOX_ENVIRONMENT", "production"),
		LogLevel:       env("DAIV_SANDBOX_LOG_LEVEL", "info"),
		Runtime:        env("DAIV_SANDBOX_RUNTIME", "runc"),
		GitImage:       env("DAIV_SANDBOX_GIT_IMAGE", "alpine/git:2.49.1"),
		NetworkEnabled: true,
		MetricsEnabled: true,
	}

	uid, err := intEnv("DAIV_SANDBOX_RUN_UID", 1000)
	if err != nil {
		return Config{}, err
	}
	cfg.RunUID = uid

	gid, err := intEnv("DAIV_SANDBOX_RUN_GID", 1000)
	if err != nil {
		return Config{}, err
	}
	cfg.RunGID = gid

	if v := strings.TrimSpace(os.Getenv("DAIV_SANDBOX_NETWORK_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.New("invalid DAIV_SANDBOX_NETWORK_ENABLED: " + err.Error())
		}
		cfg.NetworkEnabled = enabled
	}
	if v := strings.TrimSpace(os.Getenv("DAIV_SANDBOX_METRICS_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, errors.New("invalid DAIV_SANDBOX_METRICS_ENABLED: " + err.Error())
		}
		cfg.MetricsEnabled = enabled
	}

	apiKey, err := loadAPIKey()
	if err != nil {
		return Config{}, err
	}
	cfg.APIKey = apiKey
	if cfg.APIKey == "" {
		return Config{}, errors.New("missing DAIV_SANDBOX_API_KEY or DAIV_SANDBOX_API_KEY_FILE")
	}

	return cfg, nil
}

// loadAPIKey prefers DAIV_SANDBOX_API_KEY, falling back to reading a secret
// from the file named by DAIV_SANDBOX_API_KEY_FILE (e.g. a mounted Docker
// secret under /run/secrets).
func loadAPIKey() (string, error) {
	if v := strings.TrimSpace(os.Getenv("DAIV_SANDBOX_API_KEY")); v != "" {
		return v, nil
	}
	path := strings.TrimSpace(os.Getenv("DAIV_SANDBOX_API_KEY_FILE"))
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + err.Error())
	}
	return n, nil
}

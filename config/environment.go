package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

// DefaultPath is the config file used when no -config flag is given.
const DefaultPath = "config/config.yml"

var environmentAliases = map[string]string{
	"dev":  EnvironmentDevelopment,
	"prod": EnvironmentProduction,
	"stag": EnvironmentStaging,
}

// AppEnvironment reads APP_ENV, normalising aliases. Empty means development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env should fail hard on optional sinks
// that cannot start (Redis, CloudWatch) instead of logging and continuing.
func IsProductionLike(env string) bool {
	switch env {
	case EnvironmentProduction, EnvironmentStaging:
		return true
	default:
		return false
	}
}

// ResolvePath picks config/config.<env>.yml over the default file when it
// exists and the caller did not ask for an explicit path.
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultPath
	}
	if path != DefaultPath {
		return path
	}

	env := AppEnvironment()
	if env == EnvironmentDevelopment {
		return path
	}
	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + env + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

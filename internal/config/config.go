// Package config provides configuration for faebuild.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds build front end settings.
type Config struct {
	// RecipeFile is the recipe file name inside the package directory.
	RecipeFile string
	// SourcesDir is the persistent source cache, relative to the package directory.
	SourcesDir string
	// WorkDir is the ephemeral build tree, relative to the package directory.
	WorkDir string
	// MaxRedirects is the redirect hop limit for downloads.
	MaxRedirects int
	// DownloadTimeout bounds each download (0 = none).
	DownloadTimeout time.Duration
	// GitTimeout bounds each git clone/fetch/checkout (0 = none).
	GitTimeout time.Duration
	// LockTimeout bounds the wait for the sources cache lock.
	LockTimeout time.Duration
	// PatchCommand is the patch executable.
	PatchCommand string
	// Debug enables debug logging.
	Debug bool
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		RecipeFile:      getEnv("FAEBUILD_RECIPE", "faebuild.yaml"),
		SourcesDir:      getEnv("FAEBUILD_SOURCES_DIR", "src"),
		WorkDir:         getEnv("FAEBUILD_WORK_DIR", "build"),
		MaxRedirects:    getEnvInt("FAEBUILD_MAX_REDIRECTS", 10),
		DownloadTimeout: getEnvDuration("FAEBUILD_DOWNLOAD_TIMEOUT", 0),
		GitTimeout:      getEnvDuration("FAEBUILD_GIT_TIMEOUT", 0),
		LockTimeout:     getEnvDuration("FAEBUILD_LOCK_TIMEOUT", 10*time.Minute),
		PatchCommand:    getEnv("FAEBUILD_PATCH_CMD", "patch"),
		Debug:           getEnvBool("FAEBUILD_DEBUG", false),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Package config loads the tool's runtime configuration: everything about
// how a preprocessing run executes (directories, parallelism, logging), as
// opposed to what the pipeline computes, which the plan file owns.
//
// Values come from SEGPREP_* environment variables over built-in defaults;
// command-line flags override both in main.
package config

import (
	"runtime"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// InputDir is the raw dataset root (imagesTr/ + labelsTr/).
	InputDir string `koanf:"input_dir"`

	// TargetDir receives the preprocessed arrays and metadata sidecars.
	TargetDir string `koanf:"target_dir"`

	// Plan is the path of the plan file.
	Plan string `koanf:"plan"`

	// Workers bounds the preprocessing worker pool.
	Workers int `koanf:"workers"`

	// LogLevel is a logrus level name.
	LogLevel string `koanf:"log_level"`
}

// Load reads SEGPREP_* environment variables over the defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	k.Set("workers", runtime.NumCPU())
	k.Set("log_level", "info")

	if err := k.Load(env.Provider("SEGPREP_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SEGPREP_"))
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

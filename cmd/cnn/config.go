package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the cnn configuration file (~/.config/cnn/config.yaml). Device
// is a pointer so an explicit 0 can be told apart from unset.
type Config struct {
	Backend       string `yaml:"backend"`
	Device        *int   `yaml:"device"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	Weights       string `yaml:"weights"`
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cnn", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func isSet(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

// applyConfig fills flag variables from cfg unless the flag was given on
// the command line.
func applyConfig(cmd *cobra.Command, cfg Config) {
	if cfg.Backend != "" && !isSet(cmd, "backend") {
		backendName = cfg.Backend
	}
	if cfg.Device != nil && !isSet(cmd, "device") {
		device = *cfg.Device
	}
	if cfg.LogLevel != "" && !isSet(cmd, "log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet(cmd, "log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.Weights != "" && !isSet(cmd, "weights") {
		weightsPath = cfg.Weights
	}
}

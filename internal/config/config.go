package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a demuxpump run. Flags given on the
// command line override what the file sets.
type Config struct {
	Input InputConfig `yaml:"input"`
	Pump  PumpConfig  `yaml:"pump"`
	RTSP  RTSPConfig  `yaml:"rtsp"`
	Log   LogConfig   `yaml:"log"`
}

type InputConfig struct {
	// Path of an rtpdump file read from start to end.
	Path string `yaml:"path"`
	// SegmentDir is watched for segment files appended in name order.
	SegmentDir string `yaml:"segment_dir"`
	// SegmentInterval is how often SegmentDir is scanned.
	SegmentInterval time.Duration `yaml:"segment_interval"`
	// GStreamer reads Path through a filesrc element in pull mode.
	GStreamer bool `yaml:"gstreamer"`
}

type PumpConfig struct {
	Fragmented bool `yaml:"fragmented"`
	Live       bool `yaml:"live"`
}

type RTSPConfig struct {
	// Address to serve the pump output on, empty to only log it.
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() *Config {
	return &Config{
		Input: InputConfig{
			SegmentInterval: time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file with environment
// variable substitution, on top of Default.
func LoadFromFile(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return config, nil
}

// LoadEnvFiles loads environment variables from the .env files that exist.
// Variables already set are kept, so earlier files win.
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("could not load env file")
			continue
		}
		log.Debug().Str("file", envFile).Msg("loaded env file")
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Input.Path == "" && c.Input.SegmentDir == "" {
		return errors.New("config: one of input.path or input.segment_dir is required")
	}
	if c.Input.Path != "" && c.Input.SegmentDir != "" {
		return errors.New("config: input.path and input.segment_dir are exclusive")
	}
	if c.Input.SegmentDir != "" {
		if c.Input.GStreamer {
			return errors.New("config: input.gstreamer needs input.path")
		}
		if c.Input.SegmentInterval <= 0 {
			return fmt.Errorf("config: input.segment_interval must be positive, got %s", c.Input.SegmentInterval)
		}
		if !c.Pump.Fragmented {
			return errors.New("config: input.segment_dir needs pump.fragmented")
		}
	}
	if c.Pump.Live && !c.Pump.Fragmented {
		return errors.New("config: pump.live needs pump.fragmented")
	}
	if _, err := c.Log.ZerologLevel(); err != nil {
		return err
	}
	return nil
}

// ZerologLevel parses Log.Level, info when empty.
func (l LogConfig) ZerologLevel() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		defaultValue := ""
		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(submatches[1]); value != "" {
			return value
		}
		return defaultValue
	})
}

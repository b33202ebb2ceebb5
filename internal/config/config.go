package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ClancyDennis/claude-commander/internal/logger"
)

type Config struct {
	DataDir       string         `yaml:"data_dir"`
	WorkerCommand string         `yaml:"worker_command"`
	DefaultModel  string         `yaml:"default_model"`
	MaxIterations int            `yaml:"max_iterations"`
	OutputBuffer  int            `yaml:"output_buffer"`
	Log           logger.Options `yaml:"log"`
}

// New loads configuration: defaults, then an optional YAML file, then
// environment overrides.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	c := &Config{
		DataDir:       filepath.Join(homeDir, ".commander"),
		WorkerCommand: "claude",
		MaxIterations: 5,
		OutputBuffer:  500,
	}

	path := getEnv("COMMANDER_CONFIG", filepath.Join(c.DataDir, "config.yaml"))
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.DataDir = getEnv("COMMANDER_DATA_DIR", c.DataDir)
	c.WorkerCommand = getEnv("COMMANDER_WORKER_COMMAND", c.WorkerCommand)
	c.DefaultModel = getEnv("COMMANDER_MODEL", c.DefaultModel)
	if v, ok := os.LookupEnv("COMMANDER_MAX_ITERATIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COMMANDER_MAX_ITERATIONS: %w", err)
		}
		c.MaxIterations = n
	}
	if v, ok := os.LookupEnv("COMMANDER_LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	return c, nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "commander.db")
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.WorkspacesDir(), 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

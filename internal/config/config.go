// Package config loads covloop settings from a YAML file, then applies
// COVLOOP_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	GeneratorTemplate = "template"
	GeneratorCommand  = "command"
	GeneratorOpenAI   = "openai"

	StrategyInPlace  = "inplace"
	StrategyWorktree = "worktree"
)

type Config struct {
	ReportPath   string `yaml:"report_path"`
	GeneratedDir string `yaml:"generated_dir"`
	// ArtifactDir holds per-run logs, summaries and the run database.
	ArtifactDir  string `yaml:"artifact_dir"`
	DatabasePath string `yaml:"database_path"`
	GitStrategy  string `yaml:"git_strategy"`
	WorktreeRoot string `yaml:"worktree_root"`
	LogLevel     string `yaml:"log_level"`

	Build     BuildConfig     `yaml:"build"`
	Loop      LoopConfig      `yaml:"loop"`
	Generator GeneratorConfig `yaml:"generator"`
	Review    ReviewConfig    `yaml:"review"`
}

type BuildConfig struct {
	Goals     []string      `yaml:"goals"`
	ExtraArgs []string      `yaml:"extra_args"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LoopConfig struct {
	MaxIterations           int     `yaml:"max_iterations"`
	PlateauThreshold        float64 `yaml:"plateau_threshold"`
	PlateauWindow           int     `yaml:"plateau_window"`
	DiscardOnCompileFailure bool    `yaml:"discard_on_compile_failure"`
	Commit                  bool    `yaml:"commit"`
	Push                    bool    `yaml:"push"`
	Remote                  string  `yaml:"remote"`
	Branch                  string  `yaml:"branch"`
	MaxSourceContext        int     `yaml:"max_source_context"`
}

type GeneratorConfig struct {
	Kind    string        `yaml:"kind"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	// APIKey only comes from the environment.
	APIKey string `yaml:"-"`
}

type ReviewConfig struct {
	MaxMethodLines int `yaml:"max_method_lines"`
	Workers        int `yaml:"workers"`
}

func Default() Config {
	return Config{
		ReportPath:   "target/site/jacoco/jacoco.xml",
		GeneratedDir: "src/test/java/generated",
		ArtifactDir:  ".covloop",
		GitStrategy:  StrategyInPlace,
		WorktreeRoot: ".covloop/worktrees",
		LogLevel:     "info",
		Build: BuildConfig{
			Goals:   []string{"clean", "test"},
			Timeout: 5 * time.Minute,
		},
		Loop: LoopConfig{
			MaxIterations:           10,
			PlateauThreshold:        0.5,
			PlateauWindow:           2,
			DiscardOnCompileFailure: true,
			Commit:                  true,
			Remote:                  "origin",
			MaxSourceContext:        16 * 1024,
		},
		Generator: GeneratorConfig{
			Kind:    GeneratorTemplate,
			Timeout: 2 * time.Minute,
		},
		Review: ReviewConfig{
			MaxMethodLines: 30,
			Workers:        4,
		},
	}
}

// Load reads path (optional) over the defaults, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ReportPath = envStr("COVLOOP_REPORT_PATH", c.ReportPath)
	c.GeneratedDir = envStr("COVLOOP_GENERATED_DIR", c.GeneratedDir)
	c.ArtifactDir = envStr("COVLOOP_ARTIFACT_DIR", c.ArtifactDir)
	c.DatabasePath = envStr("COVLOOP_DB", c.DatabasePath)
	c.GitStrategy = envStr("COVLOOP_GIT_STRATEGY", c.GitStrategy)
	c.LogLevel = envStr("COVLOOP_LOG_LEVEL", c.LogLevel)

	c.Build.Timeout = envDuration("COVLOOP_BUILD_TIMEOUT", c.Build.Timeout)

	c.Loop.MaxIterations = envInt("COVLOOP_MAX_ITERATIONS", c.Loop.MaxIterations)
	c.Loop.PlateauThreshold = envFloat("COVLOOP_PLATEAU_THRESHOLD", c.Loop.PlateauThreshold)
	c.Loop.PlateauWindow = envInt("COVLOOP_PLATEAU_WINDOW", c.Loop.PlateauWindow)
	c.Loop.Push = envBool("COVLOOP_PUSH", c.Loop.Push)
	c.Loop.Remote = envStr("COVLOOP_REMOTE", c.Loop.Remote)
	c.Loop.Branch = envStr("COVLOOP_BRANCH", c.Loop.Branch)

	c.Generator.Kind = envStr("COVLOOP_GENERATOR", c.Generator.Kind)
	if cmd := os.Getenv("COVLOOP_GENERATOR_CMD"); cmd != "" {
		c.Generator.Command = strings.Fields(cmd)
	}
	c.Generator.Timeout = envDuration("COVLOOP_GENERATOR_TIMEOUT", c.Generator.Timeout)
	c.Generator.Model = envStr("OPENAI_MODEL", c.Generator.Model)
	c.Generator.BaseURL = envStr("OPENAI_BASE_URL", c.Generator.BaseURL)
	c.Generator.APIKey = envStr("OPENAI_API_KEY", c.Generator.APIKey)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.Loop.PlateauThreshold < 0 {
		return fmt.Errorf("config: plateau_threshold must not be negative")
	}
	if c.Loop.PlateauWindow < 1 {
		return fmt.Errorf("config: plateau_window must be at least 1")
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("config: max_iterations must not be negative")
	}
	if c.Build.Timeout <= 0 {
		return fmt.Errorf("config: build.timeout must be positive")
	}
	switch c.GitStrategy {
	case StrategyInPlace, StrategyWorktree:
	default:
		return fmt.Errorf("config: unknown git_strategy %q", c.GitStrategy)
	}
	switch c.Generator.Kind {
	case GeneratorTemplate, GeneratorOpenAI:
	case GeneratorCommand:
		if len(c.Generator.Command) == 0 {
			return fmt.Errorf("config: generator.command is required for the command generator")
		}
	default:
		return fmt.Errorf("config: unknown generator kind %q", c.Generator.Kind)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

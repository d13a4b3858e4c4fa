package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// Benchmark modes.
const (
	ModeSpeed  = "speed"
	ModeEnergy = "energy"
)

// Energy derivation methods.
const (
	EnergyMeanPower = "mean-power"
	EnergyTrapezoid = "trapezoid"
)

type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	GPUs    bool   `yaml:"gpus"`
}

type EngineConfig struct {
	Binary         string       `yaml:"binary"`
	Args           []string     `yaml:"args"`
	Workdir        string       `yaml:"workdir"`
	TimeoutSeconds int          `yaml:"timeout_seconds"` // 0 = no timeout
	Docker         DockerConfig `yaml:"docker"`
}

type TelemetryConfig struct {
	CPUPeriodMs int    `yaml:"cpu_period_ms"`
	GPUPeriodMs int    `yaml:"gpu_period_ms"`
	DisableGPU  bool   `yaml:"disable_gpu"`
	NvidiaSMI   string `yaml:"nvidia_smi"`
	RAPLGlob    string `yaml:"rapl_glob"`
	StopGraceMs int    `yaml:"stop_grace_ms"`
}

type AnalysisConfig struct {
	EnergyMethod   string `yaml:"energy_method"`
	NormalizeSteps int    `yaml:"normalize_steps"`
}

type Config struct {
	Case            string          `yaml:"case"`
	Steps           int             `yaml:"steps"`
	Replicates      int             `yaml:"replicates"`
	Mode            string          `yaml:"mode"`
	CustomFlags     []string        `yaml:"custom_flags"`
	OutputDir       string          `yaml:"output_dir"`
	DBPath          string          `yaml:"db_path"`
	MetricsTextfile string          `yaml:"metrics_textfile"`
	LogLevel        string          `yaml:"log_level"`
	Engine          EngineConfig    `yaml:"engine"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	Analysis        AnalysisConfig  `yaml:"analysis"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Case:       "benchmark",
		Steps:      10000,
		Replicates: 3,
		Mode:       ModeSpeed,
		OutputDir:  "./mdbench-results",
		DBPath:     "./mdbench.db",
		LogLevel:   "info",
		Engine: EngineConfig{
			Binary:  "gmx",
			Args:    []string{"mdrun", "-s", "benchmark.tpr"},
			Workdir: ".",
			Docker: DockerConfig{
				Enabled: false,
				GPUs:    true,
			},
		},
		Telemetry: TelemetryConfig{
			CPUPeriodMs: 50,
			GPUPeriodMs: 150,
			NvidiaSMI:   "nvidia-smi",
			StopGraceMs: 1000,
		},
		Analysis: AnalysisConfig{
			EnergyMethod:   EnergyMeanPower,
			NormalizeSteps: 10000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MDBENCH_CASE"); v != "" {
		cfg.Case = v
	}
	if v := os.Getenv("MDBENCH_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Steps = n
		}
	}
	if v := os.Getenv("MDBENCH_REPLICATES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replicates = n
		}
	}
	if v := os.Getenv("MDBENCH_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("MDBENCH_CUSTOM_FLAGS"); v != "" {
		cfg.CustomFlags = strings.Fields(v)
	}
	if v := os.Getenv("MDBENCH_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("MDBENCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MDBENCH_METRICS_TEXTFILE"); v != "" {
		cfg.MetricsTextfile = v
	}
	if v := os.Getenv("MDBENCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MDBENCH_ENGINE_BINARY"); v != "" {
		cfg.Engine.Binary = v
	}
	if v := os.Getenv("MDBENCH_ENGINE_WORKDIR"); v != "" {
		cfg.Engine.Workdir = v
	}
	if v := os.Getenv("MDBENCH_ENGINE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("MDBENCH_DOCKER_IMAGE"); v != "" {
		cfg.Engine.Docker.Image = v
		cfg.Engine.Docker.Enabled = true
	}
	if v := os.Getenv("MDBENCH_DISABLE_GPU_TELEMETRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.DisableGPU = b
		}
	}
	if v := os.Getenv("MDBENCH_ENERGY_METHOD"); v != "" {
		cfg.Analysis.EnergyMethod = v
	}
}

// Validate checks the run specification before any engine is started.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Case) == "" || strings.ContainsAny(c.Case, `/\`) {
		errs = append(errs, fmt.Errorf("case %q must be a plain name", c.Case))
	}
	if c.Steps < 0 {
		errs = append(errs, fmt.Errorf("steps must be >= 0, got %d", c.Steps))
	}
	if c.Replicates < 1 {
		errs = append(errs, fmt.Errorf("replicates must be >= 1, got %d", c.Replicates))
	}
	if c.Mode != ModeSpeed && c.Mode != ModeEnergy {
		errs = append(errs, fmt.Errorf("mode must be %s or %s, got %q", ModeSpeed, ModeEnergy, c.Mode))
	}
	if c.Engine.Binary == "" {
		errs = append(errs, errors.New("engine.binary is required"))
	}
	if c.Engine.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("engine.timeout_seconds must be >= 0"))
	}
	if c.Engine.Docker.Enabled && c.Engine.Docker.Image == "" {
		errs = append(errs, errors.New("engine.docker.image is required when docker is enabled"))
	}
	if c.Telemetry.CPUPeriodMs <= 0 || c.Telemetry.GPUPeriodMs <= 0 {
		errs = append(errs, errors.New("telemetry periods must be > 0"))
	}
	if c.Analysis.EnergyMethod != EnergyMeanPower && c.Analysis.EnergyMethod != EnergyTrapezoid {
		errs = append(errs, fmt.Errorf("analysis.energy_method must be %s or %s", EnergyMeanPower, EnergyTrapezoid))
	}
	if c.Analysis.NormalizeSteps <= 0 {
		errs = append(errs, errors.New("analysis.normalize_steps must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) MeasuresEnergy() bool {
	return c.Mode == ModeEnergy
}

func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

func (t TelemetryConfig) CPUPeriod() time.Duration {
	return time.Duration(t.CPUPeriodMs) * time.Millisecond
}

func (t TelemetryConfig) GPUPeriod() time.Duration {
	return time.Duration(t.GPUPeriodMs) * time.Millisecond
}

func (t TelemetryConfig) StopGrace() time.Duration {
	return time.Duration(t.StopGraceMs) * time.Millisecond
}

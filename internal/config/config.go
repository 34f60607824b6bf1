// Package config loads and validates circadia configuration from
// .circadia/config.yaml. Validation is strict: malformed phase durations or
// out-of-range capacities are construction-time failures, never silently
// normalized.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// durationSumTolerance bounds the allowed deviation of the four phase
// durations from 1.0.
const durationSumTolerance = 1e-3

// Config holds all circadia configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Cycle configures the phase scheduler.
	Cycle CycleConfig `yaml:"cycle"`

	// Attention configures the workspace arbiter.
	Attention AttentionConfig `yaml:"attention"`

	// Fleet configures the duty manager.
	Fleet FleetConfig `yaml:"fleet"`

	// Reflex configures per-agent reflex gates.
	Reflex ReflexConfig `yaml:"reflex"`

	// Agents lists the fleet's registered agents and their policies.
	Agents []AgentConfig `yaml:"agents"`

	// Store configures snapshot persistence.
	Store StoreConfig `yaml:"store"`

	// Logging configures the category file logger.
	Logging LoggingConfig `yaml:"logging"`
}

// CycleConfig configures the phase scheduler.
type CycleConfig struct {
	PeriodMs     float64                `yaml:"period_ms"`
	HysteresisMs float64                `yaml:"hysteresis_ms"`
	EnergyBudget float64                `yaml:"energy_budget"` // 0 = unlimited
	InitialPhase string                 `yaml:"initial_phase"`
	Strategy     string                 `yaml:"strategy"` // lookup | competition
	Phases       map[string]PhaseConfig `yaml:"phases"`
}

// PhaseConfig describes one of the four phases.
type PhaseConfig struct {
	Duration            float64 `yaml:"duration"`             // fraction of cycle, 0-1
	DutyFactor          float64 `yaml:"duty_factor"`          // 0-1
	ImportanceThreshold float64 `yaml:"importance_threshold"` // 0-1
	AllowLearning       bool    `yaml:"allow_learning"`
	AllowConsolidation  bool    `yaml:"allow_consolidation"`
	AllowCompute        bool    `yaml:"allow_compute"`
}

// AttentionConfig configures the workspace arbiter.
type AttentionConfig struct {
	Capacity  int     `yaml:"capacity"`  // valid 1-16, recommended 4-9
	Threshold float64 `yaml:"threshold"` // minimum salience, default 0.1
	DecayRate float64 `yaml:"decay_rate"`
}

// FleetConfig configures the duty manager.
type FleetConfig struct {
	TickInterval     string  `yaml:"tick_interval"` // parseable duration, default 1s
	SavingsMilestone float64 `yaml:"savings_milestone"`
}

// ReflexConfig configures per-agent reflex gates.
type ReflexConfig struct {
	Neurons             int     `yaml:"neurons"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	WTAThreshold        float64 `yaml:"wta_threshold"`
	Inhibition          float64 `yaml:"inhibition"`
	LatencyBufferSize   int     `yaml:"latency_buffer_size"`
}

// AgentConfig declares one fleet agent and its duty policy.
type AgentConfig struct {
	ID                 string   `yaml:"id"`
	Criticality        string   `yaml:"criticality"` // low | medium | high | critical
	MinActiveFraction  float64  `yaml:"min_active_fraction"`
	CanRest            bool     `yaml:"can_rest"`
	DutyFactorOverride *float64 `yaml:"duty_factor_override,omitempty"`
}

// StoreConfig configures snapshot persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns a complete, valid configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "circadia",
		Version: "0.3.0",
		Cycle: CycleConfig{
			PeriodMs:     4 * 60 * 60 * 1000, // 4h cycle
			HysteresisMs: 5000,
			EnergyBudget: 0,
			InitialPhase: "active",
			Strategy:     "lookup",
			Phases: map[string]PhaseConfig{
				"active": {
					Duration:            0.4,
					DutyFactor:          1.0,
					ImportanceThreshold: 0.1,
					AllowLearning:       true,
					AllowConsolidation:  false,
					AllowCompute:        true,
				},
				"dawn": {
					Duration:            0.15,
					DutyFactor:          0.5,
					ImportanceThreshold: 0.3,
					AllowLearning:       true,
					AllowConsolidation:  false,
					AllowCompute:        true,
				},
				"dusk": {
					Duration:            0.15,
					DutyFactor:          0.3,
					ImportanceThreshold: 0.5,
					AllowLearning:       false,
					AllowConsolidation:  true,
					AllowCompute:        true,
				},
				"rest": {
					Duration:            0.3,
					DutyFactor:          0.05,
					ImportanceThreshold: 0.8,
					AllowLearning:       false,
					AllowConsolidation:  true,
					AllowCompute:        false,
				},
			},
		},
		Attention: AttentionConfig{
			Capacity:  7,
			Threshold: 0.1,
			DecayRate: 0.05,
		},
		Fleet: FleetConfig{
			TickInterval:     "1s",
			SavingsMilestone: 60_000,
		},
		Reflex: ReflexConfig{
			Neurons:             16,
			ConfidenceThreshold: 0.7,
			WTAThreshold:        0.1,
			Inhibition:          0.2,
			LatencyBufferSize:   1000,
		},
		Store: StoreConfig{
			Path: filepath.Join(".circadia", "circadia.db"),
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from path, fills defaults for omitted sections, and
// validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorkspace loads config from workspace/.circadia/config.yaml.
func LoadWorkspace(workspace string) (*Config, error) {
	return Load(filepath.Join(workspace, ".circadia", "config.yaml"))
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every invariant the scheduling core relies on. Errors here
// are fatal: the caller must not construct components from an invalid config.
func (c *Config) Validate() error {
	if err := c.Cycle.validate(); err != nil {
		return err
	}
	if err := c.Attention.validate(); err != nil {
		return err
	}
	if err := c.Reflex.validate(); err != nil {
		return err
	}
	if _, err := c.Fleet.ParseTickInterval(); err != nil {
		return err
	}
	if c.Fleet.SavingsMilestone < 0 {
		return fmt.Errorf("fleet: savings_milestone must be >= 0, got %g", c.Fleet.SavingsMilestone)
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: empty agent id")
		}
		if seen[a.ID] {
			return fmt.Errorf("agents: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Criticality {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("agent %s: unknown criticality %q", a.ID, a.Criticality)
		}
		if a.MinActiveFraction < 0 || a.MinActiveFraction > 1 {
			return fmt.Errorf("agent %s: min_active_fraction must be in [0,1], got %g",
				a.ID, a.MinActiveFraction)
		}
		if a.DutyFactorOverride != nil && (*a.DutyFactorOverride < 0 || *a.DutyFactorOverride > 1) {
			return fmt.Errorf("agent %s: duty_factor_override must be in [0,1], got %g",
				a.ID, *a.DutyFactorOverride)
		}
	}
	return nil
}

func (cc *CycleConfig) validate() error {
	if cc.PeriodMs <= 0 {
		return fmt.Errorf("cycle: period_ms must be positive, got %g", cc.PeriodMs)
	}
	if cc.HysteresisMs < 0 {
		return fmt.Errorf("cycle: hysteresis_ms must be >= 0, got %g", cc.HysteresisMs)
	}
	if cc.EnergyBudget < 0 {
		return fmt.Errorf("cycle: energy_budget must be >= 0, got %g", cc.EnergyBudget)
	}
	switch cc.Strategy {
	case "lookup", "competition":
	default:
		return fmt.Errorf("cycle: unknown strategy %q (want lookup or competition)", cc.Strategy)
	}

	required := []string{"active", "dawn", "dusk", "rest"}
	if len(cc.Phases) != len(required) {
		return fmt.Errorf("cycle: expected %d phases, got %d", len(required), len(cc.Phases))
	}
	var sum float64
	for _, name := range required {
		pc, ok := cc.Phases[name]
		if !ok {
			return fmt.Errorf("cycle: missing phase %q", name)
		}
		if pc.Duration < 0 || pc.Duration > 1 {
			return fmt.Errorf("cycle: phase %s duration must be in [0,1], got %g", name, pc.Duration)
		}
		if pc.DutyFactor < 0 || pc.DutyFactor > 1 {
			return fmt.Errorf("cycle: phase %s duty_factor must be in [0,1], got %g", name, pc.DutyFactor)
		}
		if pc.ImportanceThreshold < 0 || pc.ImportanceThreshold > 1 {
			return fmt.Errorf("cycle: phase %s importance_threshold must be in [0,1], got %g",
				name, pc.ImportanceThreshold)
		}
		sum += pc.Duration
	}
	if math.Abs(sum-1.0) > durationSumTolerance {
		return fmt.Errorf("cycle: phase durations must sum to 1.0 +/- %g, got %g",
			durationSumTolerance, sum)
	}

	switch cc.InitialPhase {
	case "active", "dawn", "dusk", "rest":
	default:
		return fmt.Errorf("cycle: unknown initial_phase %q", cc.InitialPhase)
	}
	return nil
}

func (ac *AttentionConfig) validate() error {
	if ac.Capacity < 1 || ac.Capacity > 16 {
		return fmt.Errorf("attention: capacity must be in [1,16] (recommended 4-9), got %d", ac.Capacity)
	}
	if ac.Threshold < 0 || ac.Threshold >= 1 {
		return fmt.Errorf("attention: threshold must be in [0,1), got %g", ac.Threshold)
	}
	if ac.DecayRate < 0 || ac.DecayRate >= 1 {
		return fmt.Errorf("attention: decay_rate must be in [0,1), got %g", ac.DecayRate)
	}
	return nil
}

func (rc *ReflexConfig) validate() error {
	if rc.Neurons <= 0 {
		return fmt.Errorf("reflex: neurons must be positive, got %d", rc.Neurons)
	}
	if rc.ConfidenceThreshold < 0 || rc.ConfidenceThreshold > 1 {
		return fmt.Errorf("reflex: confidence_threshold must be in [0,1], got %g", rc.ConfidenceThreshold)
	}
	if rc.WTAThreshold < 0 || rc.WTAThreshold > 1 {
		return fmt.Errorf("reflex: wta_threshold must be in [0,1], got %g", rc.WTAThreshold)
	}
	if rc.Inhibition < 0 || rc.Inhibition > 1 {
		return fmt.Errorf("reflex: inhibition must be in [0,1], got %g", rc.Inhibition)
	}
	if rc.LatencyBufferSize <= 0 {
		return fmt.Errorf("reflex: latency_buffer_size must be positive, got %d", rc.LatencyBufferSize)
	}
	return nil
}

// ParseTickInterval parses the fleet tick interval, defaulting to 1s.
func (fc *FleetConfig) ParseTickInterval() (time.Duration, error) {
	if fc.TickInterval == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(fc.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("fleet: bad tick_interval %q: %w", fc.TickInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("fleet: tick_interval must be positive, got %v", d)
	}
	return d, nil
}

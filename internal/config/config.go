package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileName is the config file looked up from the working directory upward.
const FileName = "steward.json"

// Config represents the steward.json configuration file
type Config struct {
	Version   string    `json:"version"`
	VaultRoot string    `json:"vault_root"`
	Policy    Policy    `json:"policy"`
	Intake    Intake    `json:"intake"`
	Executor  Executor  `json:"executor"`
	Schedule  Schedule  `json:"schedule"`
	Telemetry Telemetry `json:"telemetry"`
}

// Policy contains engine policy settings
type Policy struct {
	MaxIterations int      `json:"max_iterations"`
	Retry         Retry    `json:"retry"`
	Approval      Approval `json:"approval"`
	Risk          Risk     `json:"risk"`
}

// Retry contains retry queue configuration. The delay is fixed between attempts.
type Retry struct {
	MaxAttempts int      `json:"max_attempts"`
	Delay       Duration `json:"delay"`
}

// Approval contains approval gate configuration
type Approval struct {
	TimeoutHours float64  `json:"timeout_hours"`
	PollInterval Duration `json:"poll_interval"`
}

// Timeout converts TimeoutHours to a duration.
func (a Approval) Timeout() time.Duration {
	return time.Duration(a.TimeoutHours * float64(time.Hour))
}

// Risk contains the sensitive keyword list and the priorities that force approval
type Risk struct {
	Keywords   []string `json:"keywords"`
	Priorities []string `json:"priorities"`
}

// Intake selects which Inbox files are treated as work items
type Intake struct {
	Include []string `json:"include"`
	Ignore  []string `json:"ignore,omitempty"`
}

// Executor configures the external step executor. An empty Cmd selects the
// built-in simulated executor.
type Executor struct {
	Cmd     []string          `json:"cmd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout Duration          `json:"timeout"`
}

// Schedule holds one cron spec per daemon subsystem
type Schedule struct {
	Intake    string   `json:"intake"`
	Approvals string   `json:"approvals"`
	Retries   string   `json:"retries"`
	Execute   string   `json:"execute"`
	Watch     bool     `json:"watch"`
	Debounce  Duration `json:"debounce"`
}

// Telemetry toggles in-process metrics collection
type Telemetry struct {
	Metrics bool `json:"metrics"`
}

// DefaultKeywords are the sensitive-action markers that make an item risky.
func DefaultKeywords() []string {
	return []string{
		"delete", "remove", "drop", "destroy", "permanent",
		"payment", "transfer", "send money", "wire",
		"password", "secret", "credential", "api key",
		"approve", "authorize", "confirm",
	}
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:   "1.0",
		VaultRoot: ".",
		Policy: Policy{
			MaxIterations: 5,
			Retry: Retry{
				MaxAttempts: 2,
				Delay:       Duration(5 * time.Minute),
			},
			Approval: Approval{
				TimeoutHours: 2,
				PollInterval: Duration(10 * time.Second),
			},
			Risk: Risk{
				Keywords:   DefaultKeywords(),
				Priorities: []string{"high", "urgent", "critical"},
			},
		},
		Intake: Intake{
			Include: []string{"*.md", "*.txt"},
		},
		Executor: Executor{
			Timeout: Duration(5 * time.Minute),
		},
		Schedule: Schedule{
			Intake:    "@every 30s",
			Approvals: "@every 1m",
			Retries:   "@every 1m",
			Execute:   "@every 1m",
			Watch:     true,
			Debounce:  Duration(500 * time.Millisecond),
		},
	}
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// Duration is a time.Duration encoded as a Go duration string ("5m", "90s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

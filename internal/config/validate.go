package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hay-kot/criterio"

	"github.com/iambrandonn/steward/internal/scheduler"
)

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.VaultRoot == "" {
		return fmt.Errorf("configuration error: missing required field 'vault_root'\n\nHint: Point it at the vault directory, for example:\n  \"vault_root\": \".\"")
	}

	if c.Policy.MaxIterations < 1 {
		return fmt.Errorf("configuration error: invalid 'policy.max_iterations' value: %d\n\nHint: The execution loop needs a positive iteration cap:\n  \"policy\": {\n    \"max_iterations\": 5\n  }", c.Policy.MaxIterations)
	}

	return criterio.ValidateStruct(
		criterio.Run("policy.retry.max_attempts", c.Policy.Retry.MaxAttempts, positive),
		criterio.Run("policy.retry.delay", c.Policy.Retry.Delay, nonNegativeDuration),
		criterio.Run("policy.approval.timeout_hours", c.Policy.Approval.TimeoutHours, positiveHours),
		criterio.Run("policy.approval.poll_interval", c.Policy.Approval.PollInterval, nonNegativeDuration),
		criterio.Run("executor.timeout", c.Executor.Timeout, nonNegativeDuration),
		criterio.Run("schedule.debounce", c.Schedule.Debounce, nonNegativeDuration),
		c.validateRisk(),
		c.validateIntake(),
		c.validateSchedule(),
	)
}

func (c *Config) validateRisk() error {
	var errs criterio.FieldErrorsBuilder
	for i, kw := range c.Policy.Risk.Keywords {
		if strings.TrimSpace(kw) == "" {
			errs = errs.Append(fmt.Sprintf("policy.risk.keywords[%d]", i), fmt.Errorf("keyword is empty"))
		}
	}
	for i, p := range c.Policy.Risk.Priorities {
		if strings.TrimSpace(p) == "" {
			errs = errs.Append(fmt.Sprintf("policy.risk.priorities[%d]", i), fmt.Errorf("priority is empty"))
		}
	}
	return errs.ToError()
}

func (c *Config) validateIntake() error {
	var errs criterio.FieldErrorsBuilder
	if len(c.Intake.Include) == 0 {
		errs = errs.Append("intake.include", fmt.Errorf("at least one pattern is required"))
	}
	for i, p := range c.Intake.Include {
		if !doublestar.ValidatePattern(p) {
			errs = errs.Append(fmt.Sprintf("intake.include[%d]", i), fmt.Errorf("invalid glob %q", p))
		}
	}
	for i, p := range c.Intake.Ignore {
		if !doublestar.ValidatePattern(p) {
			errs = errs.Append(fmt.Sprintf("intake.ignore[%d]", i), fmt.Errorf("invalid glob %q", p))
		}
	}
	return errs.ToError()
}

func (c *Config) validateSchedule() error {
	specs := []struct {
		field string
		spec  string
	}{
		{"schedule.intake", c.Schedule.Intake},
		{"schedule.approvals", c.Schedule.Approvals},
		{"schedule.retries", c.Schedule.Retries},
		{"schedule.execute", c.Schedule.Execute},
	}

	var errs criterio.FieldErrorsBuilder
	for _, s := range specs {
		if _, err := scheduler.ParseSchedule(s.spec); err != nil {
			errs = errs.Append(s.field, err)
		}
	}
	return errs.ToError()
}

func positive(n int) error {
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func positiveHours(h float64) error {
	if h <= 0 {
		return fmt.Errorf("must be greater than 0, got %g", h)
	}
	return nil
}

func nonNegativeDuration(d Duration) error {
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", d.D())
	}
	return nil
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.VaultRoot)

	assert.Equal(t, 5, cfg.Policy.MaxIterations)
	assert.Equal(t, 2, cfg.Policy.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Policy.Retry.Delay.D())
	assert.Equal(t, 2*time.Hour, cfg.Policy.Approval.Timeout())
	assert.Contains(t, cfg.Policy.Risk.Keywords, "payment")
	assert.Contains(t, cfg.Policy.Risk.Keywords, "api key")
	assert.Equal(t, []string{"high", "urgent", "critical"}, cfg.Policy.Risk.Priorities)

	assert.Empty(t, cfg.Executor.Cmd, "default executor is simulated")
	assert.True(t, cfg.Schedule.Watch)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GenerateDefault()
	assert.NoError(t, cfg.Validate(), "Default config should be valid")
}

func TestValidate_MissingVersion(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Version = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
	assert.Contains(t, err.Error(), "Hint:")
}

func TestValidate_MissingVaultRoot(t *testing.T) {
	cfg := GenerateDefault()
	cfg.VaultRoot = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault_root")
}

func TestValidate_InvalidMaxIterations(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Policy.MaxIterations = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "zero retry attempts",
			mutate: func(c *Config) { c.Policy.Retry.MaxAttempts = 0 },
			field:  "policy.retry.max_attempts",
		},
		{
			name:   "negative retry delay",
			mutate: func(c *Config) { c.Policy.Retry.Delay = Duration(-time.Second) },
			field:  "policy.retry.delay",
		},
		{
			name:   "zero approval timeout",
			mutate: func(c *Config) { c.Policy.Approval.TimeoutHours = 0 },
			field:  "policy.approval.timeout_hours",
		},
		{
			name:   "blank keyword",
			mutate: func(c *Config) { c.Policy.Risk.Keywords = append(c.Policy.Risk.Keywords, "  ") },
			field:  "policy.risk.keywords",
		},
		{
			name:   "no include patterns",
			mutate: func(c *Config) { c.Intake.Include = nil },
			field:  "intake.include",
		},
		{
			name:   "bad include glob",
			mutate: func(c *Config) { c.Intake.Include = []string{"[unclosed"} },
			field:  "intake.include[0]",
		},
		{
			name:   "bad schedule",
			mutate: func(c *Config) { c.Schedule.Retries = "every now and then" },
			field:  "schedule.retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)

			err := cfg.Validate()

			var fieldErrs criterio.FieldErrors
			require.ErrorAs(t, err, &fieldErrs)
			require.Len(t, fieldErrs, 1)
			assert.Contains(t, fieldErrs[0].Field, tt.field)
		})
	}
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/steward.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	invalidFile := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(invalidFile, []byte("{invalid json"), 0600))

	cfg, err := LoadFromFile(invalidFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1.0","policy":{"retry":{"delay":"soon"}}}`), 0600))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestSaveToFile(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Executor.Cmd = []string{"./bin/executor", "--json"}
	configPath := filepath.Join(t.TempDir(), FileName)

	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.D())

	require.NoError(t, json.Unmarshal([]byte(`""`), &d))
	assert.Zero(t, d)

	assert.Error(t, json.Unmarshal([]byte(`12`), &d))
}

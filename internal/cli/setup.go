package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/steward/internal/config"
	"github.com/iambrandonn/steward/internal/engine"
	"github.com/iambrandonn/steward/internal/telemetry"
	"github.com/iambrandonn/steward/internal/workspace"
)

// session bundles what every command needs: configuration, logger and engine.
type session struct {
	cfg     *config.Config
	cfgPath string
	root    string
	logger  *slog.Logger
	metrics *telemetry.Metrics
	engine  *engine.Engine
	logFile *os.File
}

type sessionOptions struct {
	// initialize creates missing vault directories.
	initialize bool
	// logToFile also writes the log to Logs/steward.log.
	logToFile bool
}

func openSession(cmd *cobra.Command, opts sessionOptions) (*session, error) {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	root, err := vaultRoot(cmd, cfg, cfgPath)
	if err != nil {
		return nil, err
	}

	if opts.initialize {
		if err := workspace.Initialize(root); err != nil {
			return nil, fmt.Errorf("failed to initialize vault: %w", err)
		}
	}

	s := &session{cfg: cfg, cfgPath: cfgPath, root: root}

	var out io.Writer = cmd.ErrOrStderr()
	if opts.logToFile {
		layout := workspace.New(root)
		f, err := os.OpenFile(layout.LogFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.logFile = f
		out = io.MultiWriter(out, f)
	}

	if s.logger, err = newLogger(cmd, out); err != nil {
		s.close(cmd.Context())
		return nil, err
	}
	s.logger.Debug("loaded configuration", "path", cfgPath, "vault", root)

	if s.metrics, err = telemetry.NewMetrics(cfg.Telemetry.Metrics); err != nil {
		s.close(cmd.Context())
		return nil, err
	}
	s.engine, err = engine.New(engine.Options{
		Config:  cfg,
		Root:    root,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		s.close(cmd.Context())
		return nil, err
	}
	return s, nil
}

func (s *session) close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

func newLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	format, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return nil, err
	}
	return telemetry.NewLogger(w, level, format)
}

// loadConfig reads the config named by --config, else the nearest
// steward.json up the directory tree, else the built-in defaults rooted at
// the working directory.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}

	var cfg *config.Config
	switch {
	case configPath != "":
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	default:
		found, err := findConfigInTree()
		if err != nil {
			return nil, "", err
		}
		if found != "" {
			if cfg, err = config.LoadFromFile(found); err != nil {
				return nil, "", fmt.Errorf("failed to load config: %w", err)
			}
			configPath = found
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, "", fmt.Errorf("failed to get current directory: %w", err)
			}
			cfg = config.GenerateDefault()
			configPath = filepath.Join(cwd, config.FileName)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// findConfigInTree searches up the directory tree for steward.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

func vaultRoot(cmd *cobra.Command, cfg *config.Config, cfgPath string) (string, error) {
	override, err := cmd.Flags().GetString("vault")
	if err != nil {
		return "", err
	}
	if override != "" {
		return filepath.Abs(override)
	}
	return determineWorkspaceRoot(cfg, cfgPath), nil
}

// determineWorkspaceRoot resolves vault_root relative to the directory that
// holds the config file.
func determineWorkspaceRoot(cfg *config.Config, configPath string) string {
	configDir := filepath.Dir(configPath)
	if cfg.VaultRoot == "" || cfg.VaultRoot == "." {
		return configDir
	}
	if filepath.IsAbs(cfg.VaultRoot) {
		return cfg.VaultRoot
	}
	return filepath.Join(configDir, cfg.VaultRoot)
}

// requireVault fails with a hint when root has not been initialized.
func requireVault(root string) error {
	ok, err := workspace.IsInitialized(root)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no vault at %s (run 'steward init' first)", root)
	}
	return nil
}

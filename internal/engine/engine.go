// Package engine runs the vault's processing cycle: intake of new items,
// approval resolution, the retry pass and plan execution. Each phase works
// on state loaded at the start of a Cycle and saved at its end.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/iambrandonn/steward/internal/analyzer"
	"github.com/iambrandonn/steward/internal/approval"
	"github.com/iambrandonn/steward/internal/config"
	"github.com/iambrandonn/steward/internal/executor"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/risk"
	"github.com/iambrandonn/steward/internal/telemetry"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

// Stage names used in error records.
const (
	StageIntake    = "intake"
	StageApproval  = "approval"
	StageRetry     = "retry"
	StageExecution = "execution"
)

// Options configures an Engine.
type Options struct {
	Config   *config.Config
	Root     string
	Executor executor.Executor
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine holds the long-lived collaborators of a vault. Per-cycle state
// lives in Cycle.
type Engine struct {
	cfg        *config.Config
	layout     workspace.Layout
	items      *workitem.Store
	plans      *plan.Store
	gate       *approval.Gate
	classifier *risk.Classifier
	analyzer   *analyzer.Analyzer
	builder    *plan.Builder
	exec       executor.Executor
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an engine for the vault at opts.Root. A nil Executor selects
// the one configured in opts.Config.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = telemetry.NewMetrics(false); err != nil {
			return nil, err
		}
	}

	cfg := opts.Config
	exec := opts.Executor
	if exec == nil {
		var err error
		if exec, err = NewExecutor(cfg.Executor, logger); err != nil {
			return nil, err
		}
	}

	layout := workspace.New(opts.Root)
	classifier := risk.NewClassifier(cfg.Policy.Risk.Keywords, cfg.Policy.Risk.Priorities)

	return &Engine{
		cfg:        cfg,
		layout:     layout,
		items:      workitem.NewStore(layout, cfg.Intake.Include, cfg.Intake.Ignore, logger),
		plans:      plan.NewStore(layout),
		gate:       approval.NewGate(layout, cfg.Policy.Approval.Timeout(), now, logger),
		classifier: classifier,
		analyzer:   analyzer.New(classifier),
		builder:    plan.NewBuilder(cfg.Policy.MaxIterations),
		exec:       exec,
		metrics:    metrics,
		logger:     logger,
		now:        now,
	}, nil
}

// NewExecutor returns the subprocess executor when a command is configured
// and the simulated one otherwise.
func NewExecutor(cfg config.Executor, logger *slog.Logger) (executor.Executor, error) {
	if len(cfg.Cmd) == 0 {
		return executor.Simulated{Logger: logger}, nil
	}
	return executor.NewCommand(cfg.Cmd, cfg.Env, cfg.Timeout.D(), logger)
}

// Layout returns the vault layout.
func (e *Engine) Layout() workspace.Layout { return e.layout }

// Gate returns the approval gate, for the CLI's wait command.
func (e *Engine) Gate() *approval.Gate { return e.gate }

// Items returns the work item store.
func (e *Engine) Items() *workitem.Store { return e.items }

// Metrics returns the metrics the engine records into.
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }

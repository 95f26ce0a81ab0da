package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/ndjson"
)

// stderrTail bounds how much executor stderr is kept for error details.
const stderrTail = 20

// Command runs each step in a fresh subprocess speaking NDJSON on stdin and
// stdout. Stderr is logged and its tail attached to failures.
type Command struct {
	cmd     []string
	env     map[string]string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand creates a subprocess executor. timeout bounds each step; zero
// means no bound beyond ctx.
func NewCommand(cmd []string, env map[string]string, timeout time.Duration, logger *slog.Logger) (*Command, error) {
	if len(cmd) == 0 {
		return nil, errors.New("executor command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{cmd: cmd, env: env, timeout: timeout, logger: logger}, nil
}

// Execute runs one step to completion.
func (c *Command) Execute(ctx context.Context, step Step) Result {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)

	// Inherit the parent environment first, then add step context and custom vars.
	proc.Env = os.Environ()
	proc.Env = append(proc.Env,
		fmt.Sprintf("STEWARD_ITEM=%s", step.Item),
		fmt.Sprintf("STEWARD_STEP=%d", step.Index),
		fmt.Sprintf("STEWARD_IDEMPOTENCY_KEY=%s", step.IdempotencyKey),
		fmt.Sprintf("STEWARD_APPROVED=%t", step.Approved),
	)
	for k, v := range c.env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return failure(fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return failure(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return failure(fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return failure(fmt.Errorf("failed to start executor: %w", err))
	}
	c.logger.Debug("executor started", "item", step.Item, "step", step.Index, "pid", proc.Process.Pid)

	var wg sync.WaitGroup
	tail := &lineTail{max: stderrTail}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readStderr(stderr, step, tail)
	}()

	enc := ndjson.NewEncoder(stdin, c.logger)
	sendErr := enc.Encode(stepMessage{Kind: KindStep, Step: step})
	stdin.Close()

	result, readErr := c.readResult(stdout, step)

	// Drain stdout so the process is never blocked writing.
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()
	waitErr := proc.Wait()

	if ctx.Err() != nil {
		return failure(errclass.Tag(errclass.Network, fmt.Errorf("executor timed out after %s: %w", c.timeout, ctx.Err())))
	}
	if result != nil {
		if waitErr != nil {
			c.logger.Warn("executor exited with error after reporting a result", "item", step.Item, "step", step.Index, "error", waitErr)
		}
		return result.toResult()
	}

	var cause error
	switch {
	case sendErr != nil:
		cause = fmt.Errorf("failed to send step: %w", sendErr)
	case readErr != nil:
		cause = readErr
	case waitErr != nil:
		cause = fmt.Errorf("executor exited: %w", waitErr)
	default:
		cause = errors.New("executor exited without a result")
	}
	if detail := tail.String(); detail != "" {
		cause = fmt.Errorf("%w: %s", cause, detail)
	}
	return failure(cause)
}

// readResult consumes messages until a result arrives or stdout closes.
func (c *Command) readResult(stdout io.Reader, step Step) (*ResultMessage, error) {
	dec := ndjson.NewDecoder(stdout, c.logger)
	for {
		kind, raw, err := dec.DecodeKind()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("invalid executor output: %w", err)
		}

		switch kind {
		case KindLog:
			var msg LogMessage
			if err := json.Unmarshal(raw, &msg); err == nil {
				c.logger.Info("executor", "item", step.Item, "step", step.Index, "message", msg.Message)
			}
		case KindResult:
			var msg ResultMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return nil, fmt.Errorf("invalid executor result: %w", err)
			}
			return &msg, nil
		default:
			c.logger.Warn("unexpected message kind from executor", "item", step.Item, "kind", kind)
		}
	}
}

func (c *Command) readStderr(stderr io.Reader, step Step, tail *lineTail) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("executor stderr", "item", step.Item, "step", step.Index, "line", line)
		tail.add(line)
	}
}

func failure(err error) Result {
	return Result{Err: err}
}

// lineTail keeps the last max lines written to it.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/ndjson"
)

// Message kinds on the executor wire. The engine writes one step message to
// the executor's stdin; the executor writes any number of log messages and
// exactly one result message to stdout.
const (
	KindStep   = "step"
	KindLog    = "log"
	KindResult = "result"
)

type stepMessage struct {
	Kind string `json:"kind"`
	Step
}

// LogMessage is an informational line from an executor.
type LogMessage struct {
	Kind    string `json:"kind"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// ResultMessage is the executor's verdict on a step.
type ResultMessage struct {
	Kind             string `json:"kind"`
	Success          bool   `json:"success"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`
	Category         string `json:"category,omitempty"`
}

// toResult converts a wire verdict. An explicit category tags the error so
// it survives classification unchanged.
func (m ResultMessage) toResult() Result {
	r := Result{
		Success:          m.Success,
		RequiresApproval: m.RequiresApproval,
		Output:           m.Output,
	}
	if m.Success || m.RequiresApproval {
		return r
	}
	msg := m.Error
	if msg == "" {
		msg = "executor reported failure"
	}
	err := errors.New(msg)
	if m.Category != "" {
		err = errclass.Tag(errclass.ParseCategory(m.Category), err)
	}
	r.Err = err
	return r
}

// Handler is the executor side of the wire. log sends progress lines back to
// the engine.
type Handler func(ctx context.Context, step Step, log func(string)) ResultMessage

// Serve reads one step from r, runs h, and writes the result to w. It is the
// building block for executors written in Go.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	dec := ndjson.NewDecoder(r, logger)
	enc := ndjson.NewEncoder(w, logger)

	kind, raw, err := dec.DecodeKind()
	if err != nil {
		return fmt.Errorf("read step: %w", err)
	}
	if kind != KindStep {
		return fmt.Errorf("unexpected message kind %q", kind)
	}
	var msg stepMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode step: %w", err)
	}

	logLine := func(text string) {
		if err := enc.Encode(LogMessage{Kind: KindLog, Message: text}); err != nil {
			logger.Warn("failed to send log line", "error", err)
		}
	}

	res := h(ctx, msg.Step, logLine)
	res.Kind = KindResult
	return enc.Encode(res)
}

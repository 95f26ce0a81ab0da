// Package script drives a canned executor from a JSON file. It backs the
// steward-fixture binary, which stands in for a real executor in end-to-end
// runs.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/executor"
)

// Script maps steps to canned responses.
type Script struct {
	Rules   []Rule    `json:"rules"`
	Default *Response `json:"default,omitempty"`
}

// Rule matches a step. Every set field must match; an empty rule matches
// everything. Item and Description are doublestar patterns.
type Rule struct {
	Item        string   `json:"item,omitempty"`
	Description string   `json:"description,omitempty"`
	Index       int      `json:"index,omitempty"`
	Response    Response `json:"response"`
}

// Response describes how to answer a matched step.
type Response struct {
	Fail bool `json:"fail,omitempty"`
	// RequiresApproval holds the step until it is delivered approved.
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	Category         string   `json:"category,omitempty"`
	Error            string   `json:"error,omitempty"`
	Output           string   `json:"output,omitempty"`
	Logs             []string `json:"logs,omitempty"`
	DelayMs          int      `json:"delay_ms,omitempty"`

	// FailAttempts fails the first n attempts of the step and succeeds
	// afterwards.
	FailAttempts int `json:"fail_attempts,omitempty"`
}

// Load reads a script from path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

// Parse decodes and checks a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script JSON: %w", err)
	}
	if len(s.Rules) == 0 && s.Default == nil {
		return nil, fmt.Errorf("script has no rules and no default")
	}
	for i, r := range s.Rules {
		for _, p := range []string{r.Item, r.Description} {
			if p != "" && !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("rule %d: invalid pattern %q", i, p)
			}
		}
	}
	return &s, nil
}

func (r Rule) matches(step executor.Step) bool {
	if r.Index != 0 && r.Index != step.Index {
		return false
	}
	if r.Item != "" {
		if ok, _ := doublestar.Match(r.Item, step.Item); !ok {
			return false
		}
	}
	if r.Description != "" {
		if ok, _ := doublestar.Match(r.Description, step.Description); !ok {
			return false
		}
	}
	return true
}

// Lookup returns the response for step: the first matching rule, then the
// default. ok is false when nothing applies.
func (s *Script) Lookup(step executor.Step) (Response, bool) {
	for _, r := range s.Rules {
		if r.matches(step) {
			return r.Response, true
		}
	}
	if s.Default != nil {
		return *s.Default, true
	}
	return Response{}, false
}

// Handler answers steps from the script. Steps no rule covers succeed.
func (s *Script) Handler() executor.Handler {
	return func(ctx context.Context, step executor.Step, log func(string)) executor.ResultMessage {
		resp, ok := s.Lookup(step)
		if !ok {
			return executor.ResultMessage{Success: true, Output: "step " + strconv.Itoa(step.Index) + " done"}
		}
		for _, line := range resp.Logs {
			log(line)
		}
		if resp.DelayMs > 0 {
			select {
			case <-time.After(time.Duration(resp.DelayMs) * time.Millisecond):
			case <-ctx.Done():
				return executor.ResultMessage{Error: ctx.Err().Error(), Category: string(errclass.Network)}
			}
		}
		return resp.result(step)
	}
}

func (r Response) result(step executor.Step) executor.ResultMessage {
	switch {
	case r.RequiresApproval && !step.Approved:
		return executor.ResultMessage{RequiresApproval: true, Output: r.Output}
	case r.Fail, step.Attempt <= r.FailAttempts:
		msg := r.Error
		if msg == "" {
			msg = fmt.Sprintf("step %d failed on attempt %d", step.Index, step.Attempt)
		}
		return executor.ResultMessage{Error: msg, Category: r.Category}
	}
	out := r.Output
	if out == "" {
		out = "step " + strconv.Itoa(step.Index) + " done"
	}
	return executor.ResultMessage{Success: true, Output: out}
}

package plan

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/iambrandonn/steward/internal/analyzer"
	"github.com/iambrandonn/steward/internal/frontmatter"
)

const headerType = "autonomous_plan"

var (
	stepHeading = regexp.MustCompile(`^###\s+Step\s+(\d+):\s*(.*)$`)
	stepField   = regexp.MustCompile(`^-\s+\*\*(Details|Status|Result):\*\*\s?(.*)$`)
)

type header struct {
	Type          string   `yaml:"type"`
	SourceItem    string   `yaml:"source_item"`
	Title         string   `yaml:"title,omitempty"`
	Status        string   `yaml:"status"`
	CreatedAt     string   `yaml:"created_at"`
	TaskType      string   `yaml:"task_type"`
	Priority      string   `yaml:"priority"`
	IsRisky       bool     `yaml:"is_risky"`
	RiskReasons   []string `yaml:"risk_reasons,omitempty"`
	MaxIterations int      `yaml:"max_iterations"`
	ApprovalID    string   `yaml:"approval_id,omitempty"`
}

// Render produces the plan artifact: a YAML header and one block per step.
func Render(p *Plan) ([]byte, error) {
	h := header{
		Type:          headerType,
		SourceItem:    p.Source,
		Title:         p.Title,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		TaskType:      string(p.TaskType),
		Priority:      p.Priority,
		IsRisky:       p.IsRisky,
		RiskReasons:   p.RiskReasons,
		MaxIterations: p.MaxIterations,
		ApprovalID:    p.ApprovalID,
	}

	var body bytes.Buffer
	title := p.Title
	if title == "" {
		title = p.Source
	}
	fmt.Fprintf(&body, "# Plan: %s\n\n", oneLine(title))
	fmt.Fprintf(&body, "Source item: %s\n\n", p.Source)
	body.WriteString("## Steps\n")
	for _, s := range p.Steps {
		fmt.Fprintf(&body, "\n### Step %d: %s\n", s.Index, oneLine(s.Description))
		if s.Details != "" {
			fmt.Fprintf(&body, "- **Details:** %s\n", oneLine(s.Details))
		}
		fmt.Fprintf(&body, "- **Status:** %s\n", s.Status)
		fmt.Fprintf(&body, "- **Result:** %s\n", oneLine(s.Result))
	}

	return frontmatter.Encode(h, body.Bytes())
}

// Parse reads a plan artifact back. name is the file name the plan was read from.
func Parse(name string, content []byte) (*Plan, error) {
	var h header
	body, err := frontmatter.Decode(content, &h)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", name, err)
	}
	if h.Type != headerType {
		return nil, fmt.Errorf("plan %s: unexpected type %q", name, h.Type)
	}

	created, err := time.Parse(time.RFC3339, h.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("plan %s: invalid created_at: %w", name, err)
	}

	p := &Plan{
		Name:          name,
		Source:        h.SourceItem,
		Title:         h.Title,
		CreatedAt:     created,
		Status:        Status(h.Status),
		TaskType:      analyzer.ItemType(h.TaskType),
		Priority:      h.Priority,
		IsRisky:       h.IsRisky,
		RiskReasons:   h.RiskReasons,
		MaxIterations: h.MaxIterations,
		ApprovalID:    h.ApprovalID,
	}

	steps, err := parseSteps(body)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", name, err)
	}
	p.Steps = steps
	return p, nil
}

func parseSteps(body []byte) ([]Step, error) {
	var steps []Step
	var cur *Step

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")

		if m := stepHeading.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			steps = append(steps, Step{Index: idx, Description: strings.TrimSpace(m[2]), Status: StepPending})
			cur = &steps[len(steps)-1]
			continue
		}
		if cur == nil {
			continue
		}
		m := stepField.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "Details":
			cur.Details = value
		case "Status":
			st, err := ParseStepStatus(strings.ToLower(value))
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", cur.Index, err)
			}
			cur.Status = st
		case "Result":
			cur.Result = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i, s := range steps {
		if s.Index != i+1 {
			return nil, fmt.Errorf("step %d found at position %d", s.Index, i+1)
		}
	}
	return steps, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

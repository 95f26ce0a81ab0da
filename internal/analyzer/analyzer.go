// Package analyzer turns a work item into a structured descriptor: its type,
// priority, risk and the actions its body asks for. The extraction is
// heuristic and never fails; odd input degrades to defaults plus a warning.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/iambrandonn/steward/internal/risk"
	"github.com/iambrandonn/steward/internal/workitem"
)

// DefaultPriority applies when an item declares none.
const DefaultPriority = "medium"

// minActionLen drops fragments like "ok" or "--" picked up by the line patterns.
const minActionLen = 4

var (
	bulletPrefix   = regexp.MustCompile(`^\s*[-*+]\s+(?:\[[ xX]?\]\s*)?`)
	checkboxPrefix = regexp.MustCompile(`^\s*[-*+]\[[ xX]?\]\s*`)
	numberPrefix   = regexp.MustCompile(`^\s*\d+[.)]\s+`)
	markerPattern  = regexp.MustCompile(`(?i)^\s*(?:action|step|task)\s*:\s*(.+)$`)
	headingPattern = regexp.MustCompile(`^\s*#{1,6}\s+(.+)$`)
)

// Descriptor is the analyzed form of a work item.
type Descriptor struct {
	Item         string          `json:"item"`
	Title        string          `json:"title"`
	Type         ItemType        `json:"type"`
	DeclaredType string          `json:"declared_type,omitempty"`
	Priority     string          `json:"priority"`
	Risk         risk.Assessment `json:"risk"`

	// CandidateActions are the actions found in the body in document order,
	// or DefaultActions when none were found.
	CandidateActions []string `json:"candidate_actions"`
	// Defaulted is set when CandidateActions is the fallback list.
	Defaulted bool     `json:"defaulted"`
	Warnings  []string `json:"warnings,omitempty"`
}

// DefaultActions is used when an item body yields no recognizable actions.
func DefaultActions() []string {
	return []string{
		"Review task content",
		"Identify required actions",
		"Execute primary action",
		"Verify completion",
	}
}

// Analyzer holds the risk classifier shared with the execution loop so both
// reach the same verdict for the same text.
type Analyzer struct {
	classifier *risk.Classifier
}

// New creates an Analyzer.
func New(classifier *risk.Classifier) *Analyzer {
	return &Analyzer{classifier: classifier}
}

// Analyze builds the descriptor for item.
func (a *Analyzer) Analyze(item *workitem.Item) Descriptor {
	d := Descriptor{
		Item:     item.Name,
		Priority: DefaultPriority,
	}
	d.Warnings = append(d.Warnings, item.Warnings...)

	d.DeclaredType = strings.TrimSpace(item.Header.Type)
	t, ok := ParseType(d.DeclaredType)
	if !ok && d.DeclaredType != "" {
		d.Warnings = append(d.Warnings, fmt.Sprintf("unknown type %q, using %s", d.DeclaredType, TypeGeneral))
	}
	d.Type = t

	if p := strings.ToLower(strings.TrimSpace(item.Header.Priority)); p != "" {
		d.Priority = p
	}

	d.Title = extractTitle(item)
	d.CandidateActions = ExtractActions(item.Body)
	if len(d.CandidateActions) == 0 {
		d.CandidateActions = DefaultActions()
		d.Defaulted = true
		d.Warnings = append(d.Warnings, "no actions found in body, using default action list")
	}

	d.Risk = a.classifier.Classify(riskText(item), d.Priority)
	return d
}

// ExtractActions scans text line by line for bullets, checkboxes, numbered
// items and action:/step:/task: markers. Results keep document order and are
// de-duplicated.
func ExtractActions(text string) []string {
	var actions []string
	seen := map[string]bool{}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		action, ok := matchAction(line)
		if !ok {
			continue
		}
		key := strings.ToLower(action)
		if seen[key] {
			continue
		}
		seen[key] = true
		actions = append(actions, action)
	}
	return actions
}

func matchAction(line string) (string, bool) {
	rest := line
	listed := false
	for _, re := range []*regexp.Regexp{checkboxPrefix, bulletPrefix, numberPrefix} {
		if loc := re.FindStringIndex(rest); loc != nil {
			rest = rest[loc[1]:]
			listed = true
			break
		}
	}

	if m := markerPattern.FindStringSubmatch(rest); m != nil {
		rest = m[1]
	} else if !listed {
		return "", false
	}

	action := strings.TrimSpace(rest)
	if len(action) < minActionLen || strings.Trim(action, "-*_=# ") == "" {
		return "", false
	}
	return action, true
}

func extractTitle(item *workitem.Item) string {
	for _, line := range strings.Split(item.Body, "\n") {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if s := item.Header.Extra["subject"]; s != "" {
		return s
	}
	return workitem.Stem(item.Name)
}

// riskText is everything a reviewer would read: header values then body.
func riskText(item *workitem.Item) string {
	var b strings.Builder
	b.WriteString(item.Header.Type)
	b.WriteByte('\n')

	keys := make([]string, 0, len(item.Header.Extra))
	for k := range item.Header.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(item.Header.Extra[k])
		b.WriteByte('\n')
	}

	b.WriteString(item.Body)
	return b.String()
}

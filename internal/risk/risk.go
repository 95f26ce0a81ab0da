// Package risk flags work items and plan steps that need a human decision.
package risk

import (
	"fmt"
	"strings"
)

// Assessment is the result of classifying a piece of text.
type Assessment struct {
	IsRisky bool     `json:"is_risky"`
	Reasons []string `json:"reasons,omitempty"`
}

// Classifier matches sensitive keywords and risky priorities. It holds no
// mutable state; the same input always yields the same Assessment.
type Classifier struct {
	keywords   []string
	priorities map[string]bool
}

// NewClassifier builds a classifier. Keywords and priorities are matched
// case-insensitively; blank entries are ignored.
func NewClassifier(keywords, priorities []string) *Classifier {
	c := &Classifier{priorities: map[string]bool{}}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			c.keywords = append(c.keywords, kw)
		}
	}
	for _, p := range priorities {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			c.priorities[p] = true
		}
	}
	return c
}

// Classify inspects text for keywords and priority for a risky level.
// Reasons are listed in keyword order, then the priority reason.
func (c *Classifier) Classify(text, priority string) Assessment {
	lower := strings.ToLower(text)

	var reasons []string
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			reasons = append(reasons, fmt.Sprintf("Contains '%s'", kw))
		}
	}

	if p := strings.ToLower(strings.TrimSpace(priority)); c.priorities[p] {
		reasons = append(reasons, fmt.Sprintf("Priority: %s", p))
	}

	return Assessment{IsRisky: len(reasons) > 0, Reasons: reasons}
}

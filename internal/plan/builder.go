package plan

import (
	"time"

	"github.com/iambrandonn/steward/internal/analyzer"
)

// MaxActionSteps caps how many extracted actions become plan steps.
const MaxActionSteps = 5

type cannedStep struct {
	action  string
	details string
}

// template is a type's canned steps. Extracted actions replace middle.
type template struct {
	lead   []cannedStep
	middle []cannedStep
	tail   []cannedStep
}

var templates = map[analyzer.ItemType]func() template{
	analyzer.TypeFileReview:    fileReviewTemplate,
	analyzer.TypeClientRequest: clientRequestTemplate,
	analyzer.TypeDocument:      documentTemplate,
	analyzer.TypeTask:          taskTemplate,
}

func fileReviewTemplate() template {
	return template{
		lead: []cannedStep{
			{"Review file content", "Read and understand the file's purpose and key information"},
		},
		middle: []cannedStep{
			{"Categorize and tag", "Identify file type and add tags for future reference"},
		},
		tail: []cannedStep{
			{"Determine next action", "Decide if the file needs archiving, further processing, or a response"},
		},
	}
}

func clientRequestTemplate() template {
	return template{
		lead: []cannedStep{
			{"Analyze client requirements", "Extract key deliverables, deadlines, and expectations"},
		},
		middle: []cannedStep{
			{"Draft response or action plan", "Create an initial response addressing the client's needs"},
		},
		tail: []cannedStep{
			{"Schedule follow-up", "Set reminders based on deadlines"},
		},
	}
}

func documentTemplate() template {
	return template{
		lead: []cannedStep{
			{"Review document structure", "Analyze document organization and completeness"},
		},
		middle: []cannedStep{
			{"Process document content", "Extract, transform, or integrate document data"},
		},
		tail: []cannedStep{
			{"Archive with metadata", "Store in the appropriate location with proper indexing"},
		},
	}
}

func taskTemplate() template {
	return template{
		lead: []cannedStep{
			{"Understand task requirements", "Parse the task description and identify success criteria"},
		},
		middle: []cannedStep{
			{"Execute task steps", "Perform the required actions in order"},
		},
		tail: []cannedStep{
			{"Verify and document", "Confirm completion and record outcomes"},
		},
	}
}

// genericTemplate is review, identify actions, execute, verify, archive.
func genericTemplate() template {
	return template{
		lead: []cannedStep{
			{"Review content", "Read and understand the item's purpose"},
			{"Identify required actions", "Determine what needs to be done based on the content"},
		},
		middle: []cannedStep{
			{"Execute primary action", "Carry out the identified actions"},
		},
		tail: []cannedStep{
			{"Verify results", "Confirm the actions had the intended effect"},
			{"Archive item", "Move the item and its plan to Done"},
		},
	}
}

// Builder turns descriptors into plans.
type Builder struct {
	maxIterations int
}

// NewBuilder creates a Builder that stamps maxIterations into every plan.
func NewBuilder(maxIterations int) *Builder {
	return &Builder{maxIterations: maxIterations}
}

// Build creates the plan for d. Recognized types with extracted actions use
// their own template with the actions as the execution steps. Everything
// else falls back to the generic template.
func (b *Builder) Build(d analyzer.Descriptor, now time.Time) *Plan {
	tmpl, recognized := templates[d.Type]
	var t template
	if recognized && !d.Defaulted && len(d.CandidateActions) > 0 {
		t = tmpl()
	} else {
		t = genericTemplate()
	}

	middle := t.middle
	if !d.Defaulted && len(d.CandidateActions) > 0 {
		middle = nil
		for _, a := range d.CandidateActions {
			if len(middle) == MaxActionSteps {
				break
			}
			middle = append(middle, cannedStep{action: a})
		}
	}

	var steps []Step
	for _, group := range [][]cannedStep{t.lead, middle, t.tail} {
		for _, c := range group {
			steps = append(steps, Step{
				Index:       len(steps) + 1,
				Description: c.action,
				Details:     c.details,
				Status:      StepPending,
			})
		}
	}

	return &Plan{
		Name:          FileName(d.Item),
		Source:        d.Item,
		Title:         d.Title,
		CreatedAt:     now.UTC(),
		Status:        StatusActive,
		TaskType:      d.Type,
		Priority:      d.Priority,
		IsRisky:       d.Risk.IsRisky,
		RiskReasons:   d.Risk.Reasons,
		MaxIterations: b.maxIterations,
		Steps:         steps,
	}
}

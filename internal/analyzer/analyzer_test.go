package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/steward/internal/risk"
	"github.com/iambrandonn/steward/internal/workitem"
)

func newAnalyzer() *Analyzer {
	return New(risk.NewClassifier(
		[]string{"delete", "payment", "password"},
		[]string{"high", "urgent", "critical"},
	))
}

func TestExtractActions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "bullets and checkboxes",
			body: "Intro line\n- Reply to the client\n* [ ] Update the tracker\n- [x] Book the room\n",
			want: []string{"Reply to the client", "Update the tracker", "Book the room"},
		},
		{
			name: "numbered",
			body: "1. Gather receipts\n2) File the expense report\n",
			want: []string{"Gather receipts", "File the expense report"},
		},
		{
			name: "markers",
			body: "Action: call the vendor\nstep: confirm delivery date\nTASK: update CRM\n",
			want: []string{"call the vendor", "confirm delivery date", "update CRM"},
		},
		{
			name: "bullet with marker",
			body: "- action: archive the thread\n",
			want: []string{"archive the thread"},
		},
		{
			name: "short fragments and rules dropped",
			body: "- ok\n---\n* * *\n- a\n",
			want: nil,
		},
		{
			name: "duplicates collapse",
			body: "- Send report\n1. send report\n",
			want: []string{"Send report"},
		},
		{
			name: "prose is not an action",
			body: "This is just a paragraph about stepping stones.\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractActions(tt.body))
		})
	}
}

func TestAnalyze_DeclaredTypeAndPriority(t *testing.T) {
	item := &workitem.Item{
		Name:   "client.md",
		Header: workitem.Header{Type: "client", Priority: "Low"},
		Body:   "# Quote request\n\n- Prepare the quote\n- Email the quote\n",
	}

	d := newAnalyzer().Analyze(item)
	assert.Equal(t, TypeClientRequest, d.Type)
	assert.Equal(t, "client", d.DeclaredType)
	assert.Equal(t, "low", d.Priority)
	assert.Equal(t, "Quote request", d.Title)
	assert.Equal(t, []string{"Prepare the quote", "Email the quote"}, d.CandidateActions)
	assert.False(t, d.Defaulted)
	assert.False(t, d.Risk.IsRisky)
	assert.Empty(t, d.Warnings)
}

func TestAnalyze_Defaults(t *testing.T) {
	item := &workitem.Item{Name: "note.md", Body: "Some free-form thoughts."}

	d := newAnalyzer().Analyze(item)
	assert.Equal(t, TypeGeneral, d.Type)
	assert.Equal(t, DefaultPriority, d.Priority)
	assert.Equal(t, "note", d.Title)
	assert.True(t, d.Defaulted)
	assert.Equal(t, DefaultActions(), d.CandidateActions)
	assert.NotEmpty(t, d.Warnings)
}

func TestAnalyze_UnknownTypeWarns(t *testing.T) {
	item := &workitem.Item{Name: "x.md", Header: workitem.Header{Type: "spaceship"}, Body: "- Launch it now"}

	d := newAnalyzer().Analyze(item)
	assert.Equal(t, TypeGeneral, d.Type)
	require.NotEmpty(t, d.Warnings)
	assert.Contains(t, d.Warnings[0], "spaceship")
}

func TestAnalyze_CarriesReadWarnings(t *testing.T) {
	item := &workitem.Item{Name: "x.md", Body: "- Do the thing", Warnings: []string{"frontmatter: malformed header"}}

	d := newAnalyzer().Analyze(item)
	assert.Contains(t, d.Warnings, "frontmatter: malformed header")
}

func TestAnalyze_PaymentHighIsRisky(t *testing.T) {
	item := &workitem.Item{
		Name:   "invoice.md",
		Header: workitem.Header{Type: "task", Priority: "high"},
		Body:   "Process the payment for invoice #42\n- Pay vendor invoice\n",
	}

	d := newAnalyzer().Analyze(item)
	require.True(t, d.Risk.IsRisky)

	found := false
	for _, r := range d.Risk.Reasons {
		if strings.Contains(r, "payment") {
			found = true
		}
	}
	assert.True(t, found, "expected a reason mentioning payment, got %v", d.Risk.Reasons)
	assert.Contains(t, d.Risk.Reasons, "Priority: high")
}

func TestAnalyze_RiskFromHeaderExtras(t *testing.T) {
	item := &workitem.Item{
		Name:   "mail.md",
		Header: workitem.Header{Extra: map[string]string{"subject": "Reset my password"}},
		Body:   "see subject",
	}

	d := newAnalyzer().Analyze(item)
	assert.True(t, d.Risk.IsRisky)
	assert.Equal(t, "Reset my password", d.Title)
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want ItemType
		ok   bool
	}{
		{"file_review", TypeFileReview, true},
		{"Review", TypeFileReview, true},
		{"client-request", TypeClientRequest, true},
		{"documentation", TypeDocument, true},
		{"action item", TypeTask, true},
		{"general", TypeGeneral, true},
		{"", TypeGeneral, false},
		{"rocket", TypeGeneral, false},
	}
	for _, tt := range tests {
		got, ok := ParseType(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

package analyzer

import "strings"

// ItemType is the closed set of item kinds the planner has templates for.
// TypeGeneral is the fallback for anything unrecognized.
type ItemType string

const (
	TypeFileReview    ItemType = "file_review"
	TypeClientRequest ItemType = "client_request"
	TypeDocument      ItemType = "document"
	TypeTask          ItemType = "task"
	TypeGeneral       ItemType = "general"
)

var typeAliases = map[string]ItemType{
	"file_review":    TypeFileReview,
	"review":         TypeFileReview,
	"file_drop":      TypeFileReview,
	"client_request": TypeClientRequest,
	"client":         TypeClientRequest,
	"email":          TypeClientRequest,
	"document":       TypeDocument,
	"documentation":  TypeDocument,
	"doc":            TypeDocument,
	"task":           TypeTask,
	"action_item":    TypeTask,
	"todo":           TypeTask,
	"general":        TypeGeneral,
}

// ParseType maps a declared header type to an ItemType. The second result is
// false when s was not recognized, in which case TypeGeneral is returned.
func ParseType(s string) (ItemType, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if t, ok := typeAliases[key]; ok {
		return t, true
	}
	return TypeGeneral, false
}

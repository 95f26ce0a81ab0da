// Package errclass sorts execution errors into a small taxonomy that decides
// whether an item is retried or quarantined.
package errclass

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is the classification of an error.
type Category string

const (
	Network    Category = "network"
	File       Category = "file"
	Permission Category = "permission"
	Parsing    Category = "parsing"
	Validation Category = "validation"
	Unknown    Category = "unknown"
)

// Categories returns every category in classification precedence order.
func Categories() []Category {
	return []Category{Network, File, Permission, Parsing, Validation, Unknown}
}

// Retryable reports whether errors in this category are transient.
func (c Category) Retryable() bool {
	return c == Network || c == File
}

// ParseCategory maps a string back to a Category. Unrecognized values map to
// Unknown.
func ParseCategory(s string) Category {
	for _, c := range Categories() {
		if string(c) == strings.ToLower(strings.TrimSpace(s)) {
			return c
		}
	}
	return Unknown
}

// Error tags an error with an explicit category. Classify trusts the tag over
// any heuristic.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category) + " error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Tag wraps err with category c. A nil err stays nil.
func Tag(c Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Err: err}
}

// keywords are checked in order; the first category with a hit wins.
var keywords = []struct {
	category Category
	words    []string
}{
	{Network, []string{"connection", "timeout", "timed out", "network", "socket", "http", "request"}},
	{File, []string{"file", "path", "directory", "folder", "not found", "no such file"}},
	{Permission, []string{"permission", "denied", "unauthorized", "access", "forbidden"}},
	{Parsing, []string{"json", "parse", "yaml", "xml", "decode", "invalid", "syntax", "format"}},
	{Validation, []string{"validation", "required", "missing", "expected"}},
}

// Classify returns the category of err. Nil classifies as Unknown.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Category
	}

	if c, ok := classifyType(err); ok {
		return c
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a bare diagnostic string by keyword.
func ClassifyMessage(msg string) Category {
	lower := strings.ToLower(msg)
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.category
			}
		}
	}
	return Unknown
}

func classifyType(err error) (Category, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Network, true
	}

	// Permission is checked before the generic path error, which wraps it.
	if errors.Is(err, fs.ErrPermission) {
		return Permission, true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return File, true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return File, true
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return Parsing, true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return Parsing, true
	}
	var yamlErr *yaml.TypeError
	if errors.As(err, &yamlErr) {
		return Parsing, true
	}
	return "", false
}

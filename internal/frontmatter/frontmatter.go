// Package frontmatter reads and writes documents that start with a
// `---` delimited YAML header followed by a free-text body.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissing indicates the document does not start with a header fence.
	ErrMissing = errors.New("frontmatter: missing header")
	// ErrMalformed indicates an opening fence without a parsable header block.
	ErrMalformed = errors.New("frontmatter: malformed header")
)

const fence = "---"

// Split separates the raw header block from the body. The header excludes
// both fences. Documents without an opening fence return ErrMissing and the
// whole content as body.
func Split(content []byte) (header, body []byte, err error) {
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte(fence+"\n")) {
		return nil, normalized, ErrMissing
	}

	rest := normalized[len(fence)+1:]
	// An empty header closes immediately.
	if bytes.HasPrefix(rest, []byte(fence+"\n")) || bytes.Equal(rest, []byte(fence)) {
		return []byte{}, trimLeadingBlank(rest[min(len(rest), len(fence)+1):]), nil
	}

	idx := bytes.Index(rest, []byte("\n"+fence+"\n"))
	if idx < 0 {
		if bytes.HasSuffix(rest, []byte("\n"+fence)) {
			return rest[:len(rest)-len(fence)-1], nil, nil
		}
		return nil, normalized, ErrMalformed
	}
	return rest[:idx], trimLeadingBlank(rest[idx+len(fence)+2:]), nil
}

// Decode unmarshals the header into v and returns the body.
func Decode(content []byte, v any) ([]byte, error) {
	header, body, err := Split(content)
	if err != nil {
		return body, err
	}
	if err := yaml.Unmarshal(header, v); err != nil {
		return body, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return body, nil
}

// Encode renders v as a YAML header followed by body.
func Encode(v any, body []byte) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: encode header: %w", err)
	}
	return assemble(data, body), nil
}

// Document is an editable header that keeps unknown keys and key order
// intact across a rewrite.
type Document struct {
	header *yaml.Node
	Body   []byte
}

// Parse reads content into a Document. It never fails outright: a missing
// header yields an empty one, and a malformed header yields an empty one plus
// an error wrapping ErrMalformed so callers can warn and carry on.
func Parse(content []byte) (*Document, error) {
	header, body, err := Split(content)
	if errors.Is(err, ErrMissing) {
		return &Document{Body: body}, nil
	}
	if err != nil {
		return &Document{Body: body}, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(header, &root); err != nil {
		return &Document{Body: body}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(root.Content) == 0 {
		return &Document{Body: body}, nil
	}
	m := root.Content[0]
	if m.Kind != yaml.MappingNode {
		return &Document{Body: body}, fmt.Errorf("%w: header is not a key/value mapping", ErrMalformed)
	}
	return &Document{header: m, Body: body}, nil
}

// Get returns the scalar value of key, or "" when absent or not a scalar.
func (d *Document) Get(key string) string {
	if d.header == nil {
		return ""
	}
	for i := 0; i+1 < len(d.header.Content); i += 2 {
		if d.header.Content[i].Value == key {
			v := d.header.Content[i+1]
			if v.Kind == yaml.ScalarNode {
				return v.Value
			}
			return ""
		}
	}
	return ""
}

// Set replaces key's value or appends the key when it is missing.
func (d *Document) Set(key, value string) {
	if d.header == nil {
		d.header = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	for i := 0; i+1 < len(d.header.Content); i += 2 {
		if d.header.Content[i].Value == key {
			d.header.Content[i+1] = scalar(value)
			return
		}
	}
	d.header.Content = append(d.header.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		scalar(value),
	)
}

// Fields returns every scalar header entry.
func (d *Document) Fields() map[string]string {
	out := map[string]string{}
	if d.header == nil {
		return out
	}
	for i := 0; i+1 < len(d.header.Content); i += 2 {
		if v := d.header.Content[i+1]; v.Kind == yaml.ScalarNode {
			out[d.header.Content[i].Value] = v.Value
		}
	}
	return out
}

// Bytes renders the document. A document without a header renders as its body.
func (d *Document) Bytes() ([]byte, error) {
	if d.header == nil || len(d.header.Content) == 0 {
		return d.Body, nil
	}
	data, err := yaml.Marshal(d.header)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: encode header: %w", err)
	}
	return assemble(data, d.Body), nil
}

func scalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func assemble(header, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	buf.Write(bytes.TrimRight(header, "\n"))
	buf.WriteString("\n" + fence + "\n\n")
	buf.Write(body)
	return buf.Bytes()
}

func trimLeadingBlank(b []byte) []byte {
	return bytes.TrimLeft(b, "\n")
}

func normalizeNewlines(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}

// Package ndjson reads and writes newline-delimited JSON. It carries the
// executor wire and the JSONL logs under Logs/.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MaxMessageSize bounds a single line, newline excluded.
const MaxMessageSize = 256 * 1024

// ErrTooLarge is returned for a message or line over MaxMessageSize. On the
// decoding side it is recoverable: the offending line has been consumed and
// the next Decode continues with the following line.
var ErrTooLarge = errors.New("message exceeds size limit")

// Encoder writes one JSON value per line. It is safe for concurrent use; each
// message reaches the writer in a single Write call.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{w: w, logger: logger}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit", "size", len(data), "limit", MaxMessageSize)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), MaxMessageSize)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decoder reads JSON values one line at a time. Blank lines are skipped.
type Decoder struct {
	r      *bufio.Reader
	logger *slog.Logger
	line   int
}

func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Line is the number of the line most recently read, starting at 1.
func (d *Decoder) Line() int { return d.line }

// Decode unmarshals the next non-blank line into v. It returns io.EOF once
// the input is exhausted. Oversized and malformed lines produce an error but
// leave the decoder positioned on the next line.
func (d *Decoder) Decode(v any) error {
	data, err := d.next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Debug("malformed NDJSON line", "line", d.line, "error", err, "data", string(data[:min(100, len(data))]))
		return fmt.Errorf("line %d: %w", d.line, err)
	}
	return nil
}

// DecodeKind reads the next message and returns its "kind" field along with
// the raw line, so callers can route it to a concrete type.
func (d *Decoder) DecodeKind() (string, json.RawMessage, error) {
	data, err := d.next()
	if err != nil {
		return "", nil, err
	}
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("line %d: message is not an object: %w", d.line, err)
	}
	if envelope.Kind == "" {
		return "", nil, fmt.Errorf("line %d: missing or invalid 'kind' field", d.line)
	}
	return envelope.Kind, json.RawMessage(data), nil
}

// next returns the next non-blank line without its terminator.
func (d *Decoder) next() ([]byte, error) {
	for {
		data, err := d.readLine()
		if err != nil {
			return nil, err
		}
		data = bytes.TrimSpace(data)
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > MaxMessageSize+2 {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			d.line++
			if oversized {
				d.logger.Warn("line exceeds size limit", "line", d.line, "limit", MaxMessageSize)
				return nil, fmt.Errorf("line %d: %w", d.line, ErrTooLarge)
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 && !oversized {
				return nil, io.EOF
			}
			// Final line without a terminator.
			d.line++
			if oversized {
				return nil, fmt.Errorf("line %d: %w", d.line, ErrTooLarge)
			}
			return buf, nil
		default:
			return nil, fmt.Errorf("read line %d: %w", d.line+1, err)
		}
	}
}

// IsMalformed reports whether err came from a single bad line, as opposed to
// a failure of the underlying reader. Readers of append-only logs skip
// malformed lines and keep going.
func IsMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, ErrTooLarge) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

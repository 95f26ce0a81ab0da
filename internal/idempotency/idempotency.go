// Package idempotency derives stable keys for plan steps so an external
// executor can recognize a re-delivered step and skip its side effects.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// KeyPrefix marks a step key.
const KeyPrefix = "ik:"

// CanonicalJSON encodes v so that logically equal values produce the same
// bytes: object keys are sorted at every depth, struct fields included, and
// numbers keep their literal form.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	// Decoding into generic values turns structs and custom marshalers into
	// maps, which encoding/json always writes in key order.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized value: %w", err)
	}
	return out, nil
}

// StepKey returns the idempotency key for one step of one plan:
//
//	"ik:" + hex(SHA256(item \n plan_created \n index \n canonical(inputs)))
//
// The plan's creation time separates a rebuilt plan for a re-submitted item
// from the original. It is hashed at second precision, the precision plan
// files keep.
func StepKey(item string, planCreated time.Time, index int, inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	canonical, err := CanonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize inputs: %w", err)
	}

	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(item),
		[]byte(planCreated.UTC().Format(time.RFC3339)),
		[]byte(strconv.Itoa(index)),
	} {
		h.Write(part)
		h.Write([]byte{'\n'})
	}
	h.Write(canonical)
	return KeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

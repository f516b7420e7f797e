// Package canonicaljson produces a deterministic byte encoding of a JSON
// value: semantically equal values encode to identical bytes.
//
// Rules: object keys are sorted lexicographically by their UTF-8 bytes at
// every depth, there is no insignificant whitespace, numbers are printed in
// a fixed decimal form (integers without a decimal point, everything else
// via the shortest round-tripping representation), and strings are emitted
// with Go's minimal JSON escaping after NFC normalization. The load-bearing
// property is canonical(parse(canonical(v))) == canonical(v).
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal encodes v into canonical form. v is typically the result of
// json.Unmarshal into an any (so json.Number or float64 for numbers,
// map[string]any for objects), but Marshal also accepts arbitrary Go values
// via a round trip through encoding/json when it does not already recognize
// the dynamic type.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent is a debugging helper; it is never used for hashing.
func MarshalIndent(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return raw, nil //nolint:nilerr // best-effort pretty-print only
	}
	return out.Bytes(), nil
}

// Canonicalize parses raw JSON and re-emits it in canonical form. This is
// the primitive the TSJSON codec uses to re-derive the hash input from a
// parsed payload, and the primitive that proves the round-trip property in
// tests.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: parse: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonicaljson: trailing data after JSON value")
	}
	return Marshal(v)
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumberString(buf, string(val))
	case float64:
		return encodeFloat(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case string:
		return encodeString(buf, val)
	case []any:
		return encodeArray(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	default:
		// Fall back through encoding/json for types we don't special-case
		// (structs, pointers, etc.) and canonicalize the result.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicaljson: unsupported value of type %T: %w", v, err)
		}
		canon, err := Canonicalize(raw)
		if err != nil {
			return err
		}
		buf.Write(canon)
		return nil
	}
}

func encodeNumberString(buf *bytes.Buffer, s string) error {
	// json.Number already carries the decoder's original digit sequence.
	// Integers that fit in int64 are re-emitted in plain decimal; every
	// other number is re-encoded through encodeFloat, so "1.0" becomes "1"
	// and "1e2" becomes "100". Non-finite values, which cannot appear in
	// valid JSON anyway, are rejected.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("canonicaljson: invalid number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicaljson: non-finite number %q", s)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	return encodeFloat(buf, f)
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicaljson: non-finite float %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("canonicaljson: encode string: %w", err)
	}
	buf.Write(raw)
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Package canonical produces the two JSON renderings used by the content engine:
// the canonical form fed to the version hash, and the human-readable storage form.
//
// The canonical form has sorted object keys, no insignificant whitespace, Go's
// string escaping with HTML escaping off, and every non-ASCII rune written as a
// \uXXXX escape. The storage form is indented by two spaces and keeps non-ASCII
// text as-is. Both preserve array order.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Marshal returns the canonical bytes of v. v may be raw JSON ([]byte or
// json.RawMessage) or any json-marshalable value.
func Marshal(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}
	var generic any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	sorted, err := encode(generic)
	if err != nil {
		return nil, err
	}
	return escapeNonASCII(sorted), nil
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b any) bool {
	left, err := Marshal(a)
	if err != nil {
		return false
	}
	right, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// Indent returns the storage form of v, terminated by a newline.
func Indent(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("encode storage json: %w", err)
	}
	return buf.Bytes(), nil
}

// IndentRaw re-indents already valid JSON text without touching key order or escapes.
func IndentRaw(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return nil, fmt.Errorf("indent json: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Compact encodes v on one line without HTML escaping.
func Compact(v any) ([]byte, error) {
	return encode(v)
}

// Field is one member of an object whose key order must be kept.
type Field struct {
	Key   string
	Value any
}

// Object encodes fields as one compact JSON object in the given order. Feed the
// result to IndentRaw for the storage form.
func Object(fields []Field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := encode(field.Key)
		if err != nil {
			return nil, err
		}
		value, err := encode(field.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return compactRaw(t)
	case []byte:
		return compactRaw(t)
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func compactRaw(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("canonical compact: %w", err)
	}
	return buf.Bytes(), nil
}

func escapeNonASCII(in []byte) []byte {
	if isASCII(in) {
		return in
	}
	var out strings.Builder
	out.Grow(len(in) + len(in)/4)
	for len(in) > 0 {
		r, size := utf8.DecodeRune(in)
		in = in[size:]
		if r < utf8.RuneSelf {
			out.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&out, `\u%04x`, r)
	}
	return []byte(out.String())
}

func isASCII(in []byte) bool {
	for _, b := range in {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

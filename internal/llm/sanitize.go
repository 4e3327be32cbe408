package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/buger/jsonparser"
)

// sanitizeJSON walks raw once and fixes the string-literal breakages models
// commonly produce: literal control characters inside quoted strings are
// escaped, \uXXXX escapes are decoded to literal characters where that is
// safe (valid JSON can carry any character directly, and decoded text avoids
// surrogate edge cases that trip stricter parsers), and a string left open
// at end of input is closed.
func sanitizeJSON(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 8)

	inString := false
	i := 0
	for i < len(raw) {
		c := raw[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			i++
			continue
		}
		switch {
		case c == '\\':
			if i+1 >= len(raw) {
				// dangling escape at end of input, drop it
				i++
				continue
			}
			next := raw[i+1]
			if next == 'u' && i+6 <= len(raw) {
				if v, err := strconv.ParseUint(raw[i+2:i+6], 16, 32); err == nil {
					r := rune(v)
					if r >= 0x20 && r != '"' && r != '\\' && !utf16.IsSurrogate(r) {
						b.WriteRune(r)
						i += 6
						continue
					}
				}
			}
			b.WriteByte(c)
			b.WriteByte(next)
			i += 2
		case c == '"':
			inString = false
			b.WriteByte(c)
			i++
		case c == '\n':
			b.WriteString(`\n`)
			i++
		case c == '\r':
			b.WriteString(`\r`)
			i++
		case c == '\t':
			b.WriteString(`\t`)
			i++
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	if inString {
		b.WriteByte('"')
	}
	return b.String()
}

// parseObject strictly decodes data and captures the top-level key order,
// which encoding/json's map decoding throws away.
func parseObject(data []byte) (map[string]any, []string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, errors.New("top-level value is not an object")
	}

	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, errors.New("top-level value is not an object")
	}

	order := make([]string, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	err := jsonparser.ObjectEach(trimmed, func(key, _ []byte, _ jsonparser.ValueType, _ int) error {
		k := string(key)
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			order = append(order, k)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk keys: %w", err)
	}

	// Escaped keys come back from the walker in raw form; reconcile against
	// the decoded map so key order only ever names real keys.
	kept := order[:0]
	for _, k := range order {
		if _, ok := m[k]; ok {
			kept = append(kept, k)
			continue
		}
		var decoded string
		if uerr := json.Unmarshal([]byte(`"`+k+`"`), &decoded); uerr == nil {
			if _, ok := m[decoded]; ok {
				if _, dup := seen[decoded]; !dup {
					seen[decoded] = struct{}{}
					kept = append(kept, decoded)
				}
			}
		}
	}
	order = kept
	if len(order) != len(m) {
		for k := range m {
			if _, ok := seen[k]; !ok {
				order = append(order, k)
			}
		}
	}
	return m, order, nil
}

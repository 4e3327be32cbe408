package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var reKeyColon = regexp.MustCompile(`"((?:[^"\\]|\\.)+)"\s*:`)

// extractPartial is the last-resort stage: pull every well-formed
// "key": value pair straight out of the raw text, skipping anything that
// cannot be cleanly captured. Keys nested inside a captured composite value
// are not re-extracted at the top level.
func extractPartial(raw string) (map[string]any, []string, bool) {
	matches := reKeyColon.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return nil, nil, false
	}

	m := make(map[string]any)
	var order []string
	consumed := 0

	for _, loc := range matches {
		if loc[0] < consumed {
			continue
		}
		var key string
		if err := json.Unmarshal([]byte(raw[loc[2]-1:loc[3]+1]), &key); err != nil {
			continue
		}

		valStart := loc[1]
		for valStart < len(raw) && isSpace(raw[valStart]) {
			valStart++
		}
		if valStart >= len(raw) {
			break
		}

		valEnd, ok := captureValue(raw, valStart)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw[valStart:valEnd]), &v); err != nil {
			continue
		}
		if _, dup := m[key]; !dup {
			m[key] = v
			order = append(order, key)
		}
		consumed = valEnd
	}

	return m, order, len(m) > 0
}

// captureValue returns the end offset of the JSON value starting at start,
// or false if the value runs off the end of the text or is malformed.
func captureValue(s string, start int) (int, bool) {
	switch c := s[start]; {
	case c == '{' || c == '[':
		return captureComposite(s, start)
	case c == '"':
		return captureString(s, start)
	default:
		end := start
		for end < len(s) && !isSpace(s[end]) && s[end] != ',' && s[end] != '}' && s[end] != ']' {
			end++
		}
		if end == start {
			return 0, false
		}
		return end, true
	}
}

func captureComposite(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func captureString(s string, start int) (int, bool) {
	escaped := false
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			return i + 1, true
		}
	}
	return 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// unwrapFence returns the contents of the first fenced code block, or, when
// the fence was never closed (truncated output), everything after the
// opening fence line.
func unwrapFence(raw string) (string, bool) {
	idx := strings.Index(raw, "```")
	if idx < 0 {
		return "", false
	}
	rest := raw[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// drop the language tag on the fence line
		if lang := strings.TrimSpace(rest[:nl]); lang == "" || isFenceLang(lang) {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	body := strings.TrimSpace(rest)
	if strings.HasPrefix(body, "json") && len(body) > 4 && (body[4] == '{' || isSpace(body[4])) {
		body = strings.TrimSpace(body[4:])
	}
	return body, body != ""
}

func isFenceLang(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

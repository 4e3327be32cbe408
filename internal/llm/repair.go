package llm

// repairTruncated rebalances model output that was cut off mid-stream.
// In one pass it tracks the open-container stack and string state, inserts
// separators missing between adjacent composite values, and drops trailing
// separators that would sit directly before a closer. At end of input it
// closes a dangling string, removes a dangling key, strips trailing
// separators and appends the missing closers innermost-first.
//
// The second return value is false when the input was already balanced, in
// which case this stage has nothing to offer over the earlier ones.
func repairTruncated(raw string) (string, bool) {
	buf := make([]byte, 0, len(raw)+8)
	var stack []byte
	inString := false
	escaped := false
	changed := false
	lastSig := byte(0) // last significant byte written outside a string

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			buf = append(buf, c)
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
				lastSig = '"'
			}
			continue
		}
		switch c {
		case '"':
			if needsSeparator(lastSig) {
				buf = append(buf, ',')
				changed = true
			}
			inString = true
			buf = append(buf, c)
		case '{', '[':
			if needsSeparator(lastSig) {
				buf = append(buf, ',')
				changed = true
			}
			stack = append(stack, c)
			buf = append(buf, c)
			lastSig = c
		case '}', ']':
			if len(stack) == 0 {
				// stray closer, drop it
				changed = true
				continue
			}
			if open := stack[len(stack)-1]; (c == '}') != (open == '{') {
				changed = true
				continue
			}
			stack = stack[:len(stack)-1]
			if trimmed := trimTrailingSeparator(buf); len(trimmed) != len(buf) {
				buf = trimmed
				changed = true
			}
			buf = append(buf, c)
			lastSig = c
		default:
			buf = append(buf, c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				lastSig = c
			}
		}
	}

	if inString {
		buf = append(buf, '"')
		changed = true
	}

	buf = trimTrailingSpace(buf)
	if trimmed := trimTrailingSeparator(buf); len(trimmed) != len(buf) {
		buf = trimmed
		changed = true
	}
	// a key with no value cannot be completed; drop it along with its comma
	if len(buf) > 0 && buf[len(buf)-1] == ':' {
		buf = dropDanglingKey(buf[:len(buf)-1])
		buf = trimTrailingSeparator(buf)
		changed = true
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '[' {
			buf = append(buf, ']')
		} else {
			buf = append(buf, '}')
		}
		changed = true
	}
	return string(buf), changed
}

// needsSeparator reports whether a separator went missing when a value token
// opens directly after the given byte. 'e' and 'l' cover the tails of
// true/false and null.
func needsSeparator(last byte) bool {
	switch {
	case last == '"' || last == '}' || last == ']':
		return true
	case last >= '0' && last <= '9':
		return true
	case last == 'e' || last == 'l':
		return true
	}
	return false
}

func trimTrailingSpace(buf []byte) []byte {
	for len(buf) > 0 {
		switch buf[len(buf)-1] {
		case ' ', '\t', '\n', '\r':
			buf = buf[:len(buf)-1]
		default:
			return buf
		}
	}
	return buf
}

func trimTrailingSeparator(buf []byte) []byte {
	buf = trimTrailingSpace(buf)
	if len(buf) > 0 && buf[len(buf)-1] == ',' {
		return trimTrailingSpace(buf[:len(buf)-1])
	}
	return buf
}

// dropDanglingKey removes a trailing quoted string (a key whose value never
// arrived) from the end of buf.
func dropDanglingKey(buf []byte) []byte {
	buf = trimTrailingSpace(buf)
	if len(buf) == 0 || buf[len(buf)-1] != '"' {
		return buf
	}
	for i := len(buf) - 2; i >= 0; i-- {
		if buf[i] != '"' {
			continue
		}
		// count the backslashes before the quote; an even run means the
		// quote is unescaped and opens the key
		bs := 0
		for j := i - 1; j >= 0 && buf[j] == '\\'; j-- {
			bs++
		}
		if bs%2 == 0 {
			return trimTrailingSpace(buf[:i])
		}
	}
	return buf
}

package insight

import "strings"

// extractJSON finds the first JSON object in a response, tolerating
// markdown wrappers and surrounding prose. Returns "" when no balanced
// object is found.
func extractJSON(response string) string {
	return extractBalanced(response, '{', '}')
}

// extractJSONArray is extractJSON for top-level arrays.
func extractJSONArray(response string) string {
	return extractBalanced(response, '[', ']')
}

func extractBalanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

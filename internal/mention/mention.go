// Package mention extracts @handle references from comment text.
package mention

const (
	minHandleLen = 3
	maxHandleLen = 50
)

func isWordChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}

// ValidHandle reports whether s could be produced by Extract: 3-50 word
// characters, nothing else.
func ValidHandle(s string) bool {
	if len(s) < minHandleLen || len(s) > maxHandleLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isWordChar(s[i]) {
			return false
		}
	}
	return true
}

// Extract scans text left to right for @ followed by 3-50 word characters
// and returns the handles in order of first occurrence, deduplicated, with
// the author's own handle excluded. A run longer than 50 word characters is
// not a mention; the @ must not be glued to a preceding word character
// (email addresses stay inert).
func Extract(text, authorHandle string) []string {
	handles := make([]string, 0)
	seen := make(map[string]struct{})

	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		if i > 0 && isWordChar(text[i-1]) {
			continue
		}
		end := i + 1
		for end < len(text) && isWordChar(text[end]) {
			end++
		}
		length := end - i - 1
		if length < minHandleLen || length > maxHandleLen {
			i = end - 1
			continue
		}
		handle := text[i+1 : end]
		i = end - 1

		if handle == authorHandle {
			continue
		}
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}

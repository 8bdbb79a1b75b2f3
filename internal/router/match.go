package router

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// containsKeyword reports whether kw occurs in s. Keywords spelled in
// plain ASCII letters ("hi", "on", "code") must stand as whole words so
// they do not fire inside Vietnamese syllables like "chi" or "trong";
// other keywords match as substrings. Both arguments are expected to be
// normalized already.
func containsKeyword(s, kw string) bool {
	if !isASCIIWord(kw) {
		return strings.Contains(s, kw)
	}
	for from := 0; ; {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if !letterBefore(s, start) && !letterAt(s, end) {
			return true
		}
		from = start + 1
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if containsKeyword(s, kw) {
			return true
		}
	}
	return false
}

func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z') && c != ' ' {
			return false
		}
	}
	return s != ""
}

func letterBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func letterAt(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// runeLen is the length used for all confidence ratios.
func runeLen(s string) int { return utf8.RuneCountInString(s) }

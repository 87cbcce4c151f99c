package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// rolePlaceholders are generic role strings that carry no information.
var rolePlaceholders = map[string]struct{}{
	"演员":      {},
	"配音":      {},
	"actor":   {},
	"actress": {},
}

// ContainsCJK reports whether s contains at least one Han character.
func ContainsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// IsPlaceholderRole reports whether the role string is a generic
// placeholder such as 演员 or "actor".
func IsPlaceholderRole(s string) bool {
	_, ok := rolePlaceholders[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

var (
	bracketRe = regexp.MustCompile(`[(\[（【][^)\]）】]*[)\]）】]`)
	// bilingualRe matches a Chinese prefix followed by a Latin tail,
	// e.g. "凯文 Kevin" or "凯文·史派西 Kevin Spacey".
	bilingualRe = regexp.MustCompile(`^([\p{Han}·]+)\s*[A-Za-z][A-Za-z .\-']*$`)
)

// roleMarkers are leading/trailing markers stripped from role names,
// longest first so 饰演 is consumed before 饰.
var roleMarkers = []string{"饰演", "扮演", "配音", "饰", "配"}

// CleanRole normalizes a raw role string: bracketed annotations are
// dropped, leading/trailing role markers are stripped, and a bilingual
// "<Chinese><Latin>" pair keeps only the Chinese prefix. Pure-Latin
// names survive untouched for downstream translation.
func CleanRole(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	s = bracketRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	// Placeholders are preserved verbatim; they are handled by role
	// selection, not cleanup.
	if IsPlaceholderRole(s) {
		return s
	}

	for changed := true; changed; {
		changed = false
		for _, m := range roleMarkers {
			if strings.HasPrefix(s, m) {
				s = strings.TrimSpace(strings.TrimPrefix(s, m))
				changed = true
			}
			if strings.HasSuffix(s, m) {
				s = strings.TrimSpace(strings.TrimSuffix(s, m))
				changed = true
			}
		}
		// English "as " marker only makes sense as a word prefix.
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, "as ") {
			s = strings.TrimSpace(s[3:])
			changed = true
		}
	}

	if m := bilingualRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	return s
}

// ChooseRole merges a local role with a cultural-provider candidate.
// Priority: CJK non-placeholder candidate, then CJK non-placeholder
// local, then first non-placeholder (candidate preferred), then first
// non-empty (candidate preferred).
func ChooseRole(local, candidate string) string {
	local = strings.TrimSpace(local)
	candidate = strings.TrimSpace(candidate)

	if ContainsCJK(candidate) && !IsPlaceholderRole(candidate) {
		return candidate
	}
	if ContainsCJK(local) && !IsPlaceholderRole(local) {
		return local
	}
	if candidate != "" && !IsPlaceholderRole(candidate) {
		return candidate
	}
	if local != "" && !IsPlaceholderRole(local) {
		return local
	}
	if candidate != "" {
		return candidate
	}
	return local
}

// NormalizeName produces the canonical matching key for a person name:
// Unicode NFKD, non-alphanumerics stripped, lowercased.
func NormalizeName(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// IsShortUppercaseToken reports whether s is a short all-uppercase
// token (≤2 chars) that must never be sent for translation.
func IsShortUppercaseToken(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

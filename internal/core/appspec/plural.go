package appspec

import (
	"strings"
	"unicode"
)

// =============================================================================
// Pluralization
// =============================================================================

// irregularPlurals is the complete list of special cases. Anything not listed
// goes through the suffix rules, so e.g. "status" becomes "statuses" but
// "analysis" becomes "analysises". That is a known approximation.
var irregularPlurals = map[string]string{
	"person": "people",
	"man":    "men",
	"woman":  "women",
	"child":  "children",
	"mouse":  "mice",
	"goose":  "geese",
	"tooth":  "teeth",
	"foot":   "feet",
	"ox":     "oxen",
	"sheep":  "sheep",
	"fish":   "fish",
	"deer":   "deer",
	"series": "series",
}

// Pluralize returns the plural of a lowercase word using the fixed rule table:
// irregular overrides, then consonant+y to ies, then s/x/z/ch/sh to +es,
// otherwise +s.
func Pluralize(word string) string {
	if word == "" {
		return word
	}
	if p, ok := irregularPlurals[word]; ok {
		return p
	}

	n := len(word)
	switch {
	case n > 1 && word[n-1] == 'y' && !isVowel(word[n-2]):
		return word[:n-1] + "ies"
	case strings.HasSuffix(word, "s"),
		strings.HasSuffix(word, "x"),
		strings.HasSuffix(word, "z"),
		strings.HasSuffix(word, "ch"),
		strings.HasSuffix(word, "sh"):
		return word + "es"
	}
	return word + "s"
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

// ResourceName returns the URL path segment for an entity: the kebab-case name
// with its last word pluralized. "BlogPost" becomes "blog-posts".
func ResourceName(entity string) string {
	words := splitWords(entity)
	if len(words) == 0 {
		return ""
	}
	words[len(words)-1] = Pluralize(words[len(words)-1])
	return strings.Join(words, "-")
}

// splitWords breaks CamelCase and snake_case identifiers into lowercase words.
// Runs of capitals stay together: "HTTPRoute" splits as "http", "route".
func splitWords(s string) []string {
	var words []string
	var cur []rune
	runes := []rune(s)

	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
			continue
		case unicode.IsUpper(r) && len(cur) > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// Package textmatch provides the phrase matching used by the gate and scope classifiers.
package textmatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects how a phrase is matched against text.
type Mode int

const (
	// Substring matches a phrase anywhere in the text.
	Substring Mode = iota
	// Boundary behaves like Substring for long phrases, but a short phrase
	// (ShortPhraseLen runes or fewer) only matches when it is not flanked by letters.
	// "ph" matches "ph 7.4" and "ph7.4" but not "phosphate" or "graph".
	Boundary
	// Word matches a phrase only as whole words: it must not be preceded by a
	// letter and may be followed only by a non-letter or a plural "s"/"es".
	// "pool" matches "pools" and "pool's" but not "liverpool" or "poolside".
	Word
)

// ShortPhraseLen is the longest phrase Boundary mode treats as a short token.
const ShortPhraseLen = 3

func (m Mode) String() string {
	switch m {
	case Boundary:
		return "boundary"
	case Word:
		return "word"
	default:
		return "substring"
	}
}

// Contains reports whether phrase occurs in text. Both are expected to be lowercased.
func (m Mode) Contains(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	switch {
	case m == Word:
		return containsAt(text, phrase, wordEnd)
	case m == Boundary && utf8.RuneCountInString(phrase) <= ShortPhraseLen:
		return containsAt(text, phrase, func(text string, end int) bool { return !letterAfter(text, end) })
	default:
		return strings.Contains(text, phrase)
	}
}

// containsAt reports whether phrase occurs in text at a position not preceded by
// a letter and accepted by endOK.
func containsAt(text, phrase string, endOK func(text string, end int) bool) bool {
	for offset := 0; offset <= len(text)-len(phrase); {
		i := strings.Index(text[offset:], phrase)
		if i < 0 {
			return false
		}
		start := offset + i
		if !letterBefore(text, start) && endOK(text, start+len(phrase)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return false
}

func wordEnd(text string, end int) bool {
	for _, suffix := range []string{"", "s", "es"} {
		if strings.HasPrefix(text[end:], suffix) && !letterAfter(text, end+len(suffix)) {
			return true
		}
	}
	return false
}

// ContainsAny reports whether any of phrases occurs in text.
func (m Mode) ContainsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if m.Contains(text, p) {
			return true
		}
	}
	return false
}

// Normalize lowercases and joins parts with a single space.
func Normalize(parts []string) string {
	return strings.ToLower(strings.Join(parts, " "))
}

func letterBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsLetter(r)
}

func letterAfter(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsLetter(r)
}

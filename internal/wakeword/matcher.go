package wakeword

import "strings"

// DefaultPhrase is the wake phrase users are told to say
const DefaultPhrase = "kova activate"

// mis-hearings the speech recognizer commonly produces for the default phrase
var phraseVariations = []string{
	"kova activate",
	"cova activate",
	"koba activate",
	"nova activate",
	"ko va activate",
}

var punctuation = strings.NewReplacer(
	".", "", ",", "", "!", "", "?", "",
	";", "", ":", "", "'", "", `"`, "",
)

// Normalize lowercases text, strips punctuation and collapses whitespace
func Normalize(text string) string {
	text = punctuation.Replace(strings.ToLower(text))
	return strings.Join(strings.Fields(text), " ")
}

// Matcher finds the wake phrase in recognised speech
type Matcher struct {
	phrases []string
}

// NewMatcher creates a matcher for phrase plus the known variations
func NewMatcher(phrase string) *Matcher {
	if strings.TrimSpace(phrase) == "" {
		phrase = DefaultPhrase
	}
	phrases := []string{Normalize(phrase)}
	for _, v := range phraseVariations {
		if v != phrases[0] {
			phrases = append(phrases, v)
		}
	}
	return &Matcher{phrases: phrases}
}

// Match reports whether transcript contains the wake phrase
func (m *Matcher) Match(transcript string) bool {
	normalized := Normalize(transcript)
	if normalized == "" {
		return false
	}
	for _, p := range m.phrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

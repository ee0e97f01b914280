package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// defaultTerms seeds the built-in lexicon. Single words match on word
// boundaries; entries containing a space match as phrases anywhere in the
// lowercased text. The list is intentionally small — production deployments
// extend it via NewLexiconWithTerms from their own wordlist.
var defaultTerms = []string{
	"kill yourself",
	"go die",
	"kys",
	"slur",
}

// Compiled content-pattern regexes, built once and reused for every call.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches common phone number formats, anchored to
	// whitespace/string boundaries to avoid matching digit runs inside
	// normal tokens.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Match is the lexicon's detailed answer, used by the auditor for labeling.
type Match struct {
	Blocked bool
	Reason  string // "blocked_keyword", "blocked_phrase", or "content_pattern"
	Term    string // the matched word, phrase, or pattern name
}

// Lexicon is a local, dependency-free classifier backend: a word/phrase
// blocklist plus content-pattern scans (URLs, phone numbers, character and
// word flooding). It never fails, which makes it a useful offline backend
// when no hosted classifier is reachable, and a cheap labeler for audit.
type Lexicon struct {
	words   map[string]struct{} // single tokens, matched on word boundaries
	phrases []string            // multi-word entries, matched as substrings
}

// NewLexicon creates a Lexicon with the built-in term list.
func NewLexicon() *Lexicon {
	return NewLexiconWithTerms(defaultTerms)
}

// NewLexiconWithTerms creates a Lexicon from an explicit term list. Terms
// containing whitespace are treated as phrases, everything else as single
// words. Matching is case-insensitive.
func NewLexiconWithTerms(terms []string) *Lexicon {
	l := &Lexicon{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsAny(term, " \t") {
			l.phrases = append(l.phrases, term)
		} else {
			l.words[term] = struct{}{}
		}
	}
	return l
}

// Classify implements the Classifier interface. It never returns an error.
func (l *Lexicon) Classify(_ context.Context, text string) (Result, error) {
	m := l.Check(text)
	return Result{Disallowed: m.Blocked, RawLabel: m.Term}, nil
}

// Check scans text against the blocklist and the content patterns and
// returns the first match. A zero-value Match means the text is clean.
func (l *Lexicon) Check(text string) Match {
	lower := strings.ToLower(text)

	// Phrases first: a phrase hit is more specific than any of its words.
	for _, phrase := range l.phrases {
		if strings.Contains(lower, phrase) {
			return Match{Blocked: true, Reason: "blocked_phrase", Term: phrase}
		}
	}

	// Word-boundary matching: split on anything that isn't a letter or digit
	// so punctuation-adjacent words still match, but substrings of longer
	// tokens do not.
	for _, token := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, ok := l.words[token]; ok {
			return Match{Blocked: true, Reason: "blocked_keyword", Term: token}
		}
	}

	return l.checkPatterns(text)
}

// patternCheck pairs a detection function with the name reported on match.
type patternCheck struct {
	name  string
	match func(string) bool
}

// patternChecks is the ordered list applied by checkPatterns; first match wins.
var patternChecks = []patternCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

func (l *Lexicon) checkPatterns(text string) Match {
	for _, pc := range patternChecks {
		if pc.match(text) {
			return Match{Blocked: true, Reason: "content_pattern", Term: pc.name}
		}
	}
	return Match{}
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is a simple linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive), with words delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.Fields(text)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

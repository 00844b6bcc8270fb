package index

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// stopWords are dropped unless they are at least four runes long or look
// like a host fragment.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "with": {}, "my": {}, "me": {}, "i": {}, "is": {}, "it": {},
	"at": {}, "by": {}, "from": {}, "this": {}, "that": {}, "all": {}, "tab": {},
	"tabs": {}, "com": {}, "org": {}, "net": {}, "www": {}, "http": {}, "https": {},
	"htm": {}, "html": {}, "php": {}, "was": {}, "be": {}, "you": {}, "your": {},
	"our": {}, "we": {}, "new": {}, "u": {}, "d": {},
}

func isStop(tok string) bool {
	_, ok := stopWords[tok]
	return ok
}

// keep applies the stop-word rule to a single token.
func keep(tok string) bool {
	if tok == "" {
		return false
	}
	if !isStop(tok) {
		return true
	}
	return len([]rune(tok)) >= 4 || strings.Contains(tok, ".")
}

// splitWords case-folds text and splits it on anything that is not a
// letter, digit, underscore, or dot. Leading and trailing dots are trimmed.
func splitWords(text string) []string {
	folded := cases.Fold().String(text)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !(r == '.' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Tokenize produces unigrams and adjacent bigrams for text. Dotted tokens
// ("docs.google.com") also emit their labels. Bigrams are emitted when at
// least one side is not a stop word.
func Tokenize(text string) []string {
	words := splitWords(text)
	seen := make(map[string]struct{}, len(words)*2)
	var tokens []string
	add := func(tok string) {
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	for _, w := range words {
		if keep(w) {
			add(w)
		}
		if strings.Contains(w, ".") {
			for _, part := range strings.Split(w, ".") {
				if keep(part) {
					add(part)
				}
			}
		}
	}
	for i := 0; i+1 < len(words); i++ {
		a, b := words[i], words[i+1]
		if isStop(a) && isStop(b) {
			continue
		}
		add(a + " " + b)
	}
	return tokens
}

// Unigrams returns the single-word query tokens, in order.
func Unigrams(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !strings.Contains(t, " ") {
			out = append(out, t)
		}
	}
	return out
}

// cardTokens merges the tokens of a card's title, URL (without scheme or
// "www."), and domain. Bigrams never span two fields.
func cardTokens(title, rawURL, domain string) []string {
	u := rawURL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	u = strings.TrimPrefix(u, "www.")

	seen := make(map[string]struct{})
	var out []string
	for _, field := range []string{title, u, domain} {
		for _, tok := range Tokenize(field) {
			if _, dup := seen[tok]; !dup {
				seen[tok] = struct{}{}
				out = append(out, tok)
			}
		}
	}
	return out
}

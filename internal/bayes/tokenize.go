package bayes

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

const (
	minTokenLen = 3
	maxTokenLen = 40
)

var (
	urlRegexp   = regexp.MustCompile(`https?://[^\s<>"']+`)
	moneyRegexp = regexp.MustCompile(`(?i)(\$\s?\d[\d,]*(\.\d+)?|\d[\d,]*(\.\d+)?\s?(usd|eur|gbp))`)
	phoneRegexp = regexp.MustCompile(`\b(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	wordRegexp  = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	htmlTag     = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Tokenize extracts the token set used for classification out of a
// blob of text (subject, From header, plain-text/HTML-stripped body).
// It emits plain word tokens plus special tokens for URLs
// ("URL:{host}"), email domains ("DOMAIN:{host}"), money-like amounts,
// phone-like numbers, and two structural signals: EXCESSIVE_CAPS and
// EXCESSIVE_PUNCTUATION.
func Tokenize(text string) []string {
	var tokens []string

	for _, m := range urlRegexp.FindAllString(text, -1) {
		if u, err := url.Parse(m); err == nil && u.Host != "" {
			tokens = append(tokens, "URL:"+strings.ToLower(u.Host))
		}
	}

	for _, m := range emailRegexp.FindAllStringSubmatch(text, -1) {
		tokens = append(tokens, "DOMAIN:"+strings.ToLower(m[1]))
	}

	if moneyRegexp.MatchString(text) {
		tokens = append(tokens, "HAS_MONEY")
	}
	if phoneRegexp.MatchString(text) {
		tokens = append(tokens, "HAS_PHONE")
	}
	if isExcessiveCaps(text) {
		tokens = append(tokens, "EXCESSIVE_CAPS")
	}
	if isExcessivePunctuation(text) {
		tokens = append(tokens, "EXCESSIVE_PUNCTUATION")
	}

	stripped := htmlTag.ReplaceAllString(text, " ")
	for _, w := range wordRegexp.FindAllString(stripped, -1) {
		w = strings.ToLower(w)
		if len(w) < minTokenLen || len(w) > maxTokenLen {
			continue
		}
		tokens = append(tokens, w)
	}

	return tokens
}

var emailRegexp = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@([a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})`)

func isExcessiveCaps(text string) bool {
	var letters, caps int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				caps++
			}
		}
	}
	return letters > 10 && float64(caps)/float64(letters) > 0.6
}

func isExcessivePunctuation(text string) bool {
	run := 0
	for _, r := range text {
		if r == '!' || r == '?' {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

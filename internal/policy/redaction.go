package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	phoneKeyPattern = regexp.MustCompile(`^\+?[0-9][0-9\-() ]{5,}[0-9]$`)
)

// RedactPII masks email addresses, card numbers and phone numbers in free text
// before it reaches a log line.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first so long digit runs are not classified as phones.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactKey masks a conversation key for logging. Keys that look like phone
// numbers or emails keep only their last four characters; generated ids pass
// through unchanged.
func RedactKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if !phoneKeyPattern.MatchString(key) && !emailPattern.MatchString(key) {
		return key
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

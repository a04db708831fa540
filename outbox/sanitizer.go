package outbox

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLastErrorLength bounds the last_error column, in runes.
const MaxLastErrorLength = 512

const (
	truncatedSuffix = "... (truncated)"
	redacted        = "[REDACTED]"
)

type redactionRule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

var redactionRules = []redactionRule{
	{
		name:        "url credentials",
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redacted + `@`,
	},
	{
		name:        "bearer token",
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + redacted,
	},
	{
		name:        "basic auth header",
		pattern:     regexp.MustCompile(`(?i)(authorization\s*:\s*basic\s+)[a-z0-9+/=]+`),
		replacement: `$1` + redacted,
	},
	{
		name:        "jwt",
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redacted,
	},
	{
		name:        "key value secret",
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret|client[-_]?secret|private[-_]?key|aws[-_]?secret[-_]?access[-_]?key)\s*[:=]\s*([^\s,;&]+)`),
		replacement: `$1=` + redacted,
	},
	{
		name:        "query secret",
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token)=)([^&\s]+)`),
		replacement: `$1` + redacted,
	},
	{
		name:        "aws access key id",
		pattern:     regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
		replacement: redacted,
	},
	{
		name:        "email",
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: redacted,
	},
}

var cardNumberCandidate = regexp.MustCompile(`\b\d{12,19}\b`)

// SanitizeLastError renders err for the last_error column: secrets redacted,
// whitespace collapsed to one line and length bounded.
func SanitizeLastError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeLastErrorMessage(err.Error())
}

// SanitizeLastErrorMessage is SanitizeLastError for an already rendered message.
func SanitizeLastErrorMessage(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")

	for _, rule := range redactionRules {
		msg = rule.pattern.ReplaceAllString(msg, rule.replacement)
	}

	msg = cardNumberCandidate.ReplaceAllStringFunc(msg, func(candidate string) string {
		if luhnValid(candidate) {
			return redacted
		}

		return candidate
	})

	return truncateRunes(msg, MaxLastErrorLength)
}

func luhnValid(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}

func truncateRunes(msg string, limit int) string {
	if utf8.RuneCountInString(msg) <= limit {
		return msg
	}

	keep := limit - utf8.RuneCountInString(truncatedSuffix)
	if keep <= 0 {
		return string([]rune(msg)[:limit])
	}

	return string([]rune(msg)[:keep]) + truncatedSuffix
}

package security

import (
	"regexp"
)

var (
	tokenKeyExpr         = `(?:password|passwd|secret|otp|[a-z0-9._-]*token[a-z0-9._-]*)`
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + tokenKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	phonePattern         = regexp.MustCompile(`\+?\d[\d\s().-]{7,14}\d`)
)

// RedactLine strips credentials and phone numbers from a log line. Phone
// numbers are courier/customer PII and never belong in local logs.
func RedactLine(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"[REDACTED]"`)
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// RedactToken keeps a short recognizable prefix for correlation.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:8] + "..."
}

// Package redact scrubs credentials from text that is about to be logged or
// returned in an error, such as a controller response body.
package redact

import (
	"regexp"
	"strings"
)

// Replacement is substituted for every redacted value.
const Replacement = "***REDACTED***"

var (
	// Authorization: Bearer abc, Cookie: x=y and similar header lines.
	headerRe = regexp.MustCompile(`(?i)\b(authorization|proxy-authorization|cookie|set-cookie|x-auth-request-token)(\s*:\s*)[^\r\n]+`)

	// A bare bearer credential anywhere in the text.
	bearerRe = regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9._~+/=-]+`)

	// token=..., access_token=... in URLs and form bodies.
	queryRe = regexp.MustCompile(`(?i)([?&](?:token|access_token|refresh_token|api_key|secret)=)[^&\s#'"]+`)

	// "token": "..." in JSON payloads.
	jsonRe = regexp.MustCompile(`(?i)("(?:token|access_token|admin_token|secret|password)"\s*:\s*")[^"]*(")`)
)

// String returns s with credentials removed. Each value in secrets is also
// removed wherever it appears verbatim; empty values are ignored.
func String(s string, secrets ...string) string {
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, Replacement)
	}
	s = headerRe.ReplaceAllString(s, "${1}${2}"+Replacement)
	s = bearerRe.ReplaceAllString(s, "${1}"+Replacement)
	s = queryRe.ReplaceAllString(s, "${1}"+Replacement)
	s = jsonRe.ReplaceAllString(s, "${1}"+Replacement+"${2}")
	return s
}

// BearerToken extracts the credential from an Authorization header value so
// callers can pass it to String.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

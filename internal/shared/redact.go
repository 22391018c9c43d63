package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings in log, audit and error text.
var secretPatterns = []*regexp.Regexp{
	// key=value style secrets
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot API URLs embed the token in the path
	regexp.MustCompile(`(/bot)([0-9]{5,}:[A-Za-z0-9_\-]{30,})`),
	// bare Telegram bot tokens
	regexp.MustCompile(`\b[0-9]{5,}:[A-Za-z0-9_\-]{30,}\b`),
	// Gemini/Google API keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Anthropic and OpenAI style keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the prefix group, redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a config or log key names a secret.
func SensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactEnvValue returns a placeholder when key looks like a secret.
func RedactEnvValue(key, value string) string {
	if SensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

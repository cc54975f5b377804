package logging

import "regexp"

const (
	// MaxQueryLogLength caps SQL statements in log lines.
	MaxQueryLogLength = 100
	// MaxErrorMessageLength is the maximum error length surfaced on the CLI;
	// the catalog stores the full message.
	MaxErrorMessageLength = 200
	// RedactedText replaces anything that looks like a credential.
	RedactedText = "[REDACTED]"
)

// Connection strings reach logs from three grammars: the catalog's
// semicolon key=value form, URI sources (postgres, mongodb), and API task
// configs. One pattern per credential shape.
var (
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)
	bearerPattern   = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)
	apiKeyPattern   = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)
	uriCredsPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)
)

func redactPassword(s string) string {
	return passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
}

func redactAPIKey(s string) string {
	return apiKeyPattern.ReplaceAllString(s, "${1}="+RedactedText)
}

func redactURICreds(s string) string {
	return uriCredsPattern.ReplaceAllString(s, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeConnectionString removes credentials from a source connection
// string before it reaches a log line or a process_log row. Both the
// semicolon key=value grammar and URI-style strings are handled.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	return redactURICreds(redactPassword(connStr))
}

// SanitizeError scrubs an error message. Driver errors frequently echo the
// connection string back verbatim, and API errors can carry tokens.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	s := redactPassword(err.Error())
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	s = redactAPIKey(s)
	return redactURICreds(s)
}

// SanitizeQuery truncates and scrubs a SQL statement for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	s := TruncateString(query, MaxQueryLogLength)
	return redactAPIKey(redactPassword(s))
}

// TruncateString caps s at maxLen bytes, marking the cut with an ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

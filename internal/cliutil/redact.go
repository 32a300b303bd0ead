package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
)

func secretKeys() []string {
	keys := []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"CLIENT_SECRET",
		"API_KEY",
		"ACCESS_TOKEN",
		"REFRESH_TOKEN",
		"AUTH_TOKEN",
		"TOKEN",
		"PASSWORD",
		"PASSWD",
		"SECRET",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// secretFlags are argv flags whose following value is treated as sensitive.
var secretFlags = map[string]struct{}{
	"-t":         {},
	"--token":    {},
	"-token":     {},
	"--password": {},
	"-p":         {},
	"--secret":   {},
	"--api-key":  {},
}

// RedactSecrets masks common secret placeholders and sensitive key values from the
// supplied string. It replaces ${VAR} style template references and known secret
// key assignments with a generic [redacted] marker to avoid leaking secrets in
// user-facing output.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllStringFunc(message, func(match string) string {
		return "${" + redactedPlaceholder + "}"
	})
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}

// RedactArgs returns a copy of argv with secret flag values masked, covering
// both "--token value" and "--token=value" forms.
func RedactArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		if maskNext {
			out[i] = redactedPlaceholder
			maskNext = false
			continue
		}
		if name, _, ok := strings.Cut(arg, "="); ok {
			if _, secret := secretFlags[strings.ToLower(name)]; secret {
				out[i] = name + "=" + redactedPlaceholder
				continue
			}
		}
		if _, secret := secretFlags[strings.ToLower(arg)]; secret {
			maskNext = true
		}
		out[i] = RedactSecrets(arg)
	}
	return out
}

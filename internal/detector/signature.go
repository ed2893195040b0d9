package detector

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var (
	errorName   = regexp.MustCompile(`\b[A-Z]\w*(?:Error|Exception)\b`)
	errorPrefix = regexp.MustCompile(`(?i)^(?:error|fatal|panic)\b`)
	maskable    = regexp.MustCompile(`0[xX][0-9a-fA-F]+|\d+`)
)

// ErrorSignature extracts a stable signature from a terminal event: the
// first error-looking line of the output, falling back to the command,
// with numbers and addresses masked so repeated runs of the same failure
// compare equal. It returns "" when nothing looks like an error.
func ErrorSignature(p signal.TerminalPayload) string {
	if line := ErrorLine(p); line != "" {
		return normalizeSignature(line)
	}
	return ""
}

// ErrorLine returns the unmasked line ErrorSignature is derived from.
func ErrorLine(p signal.TerminalPayload) string {
	if line := firstErrorLine(p.Output); line != "" {
		return line
	}
	return firstErrorLine(p.Command)
}

func firstErrorLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if errorName.MatchString(line) || errorPrefix.MatchString(line) {
			return line
		}
	}
	return ""
}

func normalizeSignature(line string) string {
	line = maskable.ReplaceAllStringFunc(line, func(m string) string {
		if len(m) > 1 && (m[1] == 'x' || m[1] == 'X') {
			return "0x?"
		}
		return "N"
	})
	return strings.Join(strings.Fields(line), " ")
}

func normalizeCommands(cmds []string) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if c = normalizeCommand(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func normalizeCommand(c string) string {
	return strings.Join(strings.Fields(strings.ToLower(c)), " ")
}

// matchesCommand reports whether cmd is one of prefixes, optionally
// followed by arguments.
func matchesCommand(cmd string, prefixes []string) bool {
	cmd = normalizeCommand(cmd)
	for _, p := range prefixes {
		if cmd == p || strings.HasPrefix(cmd, p+" ") {
			return true
		}
	}
	return false
}

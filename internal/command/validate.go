// Package command implements slash-command registration and the
// message-interception dispatch that resolves a `/name` invocation to the
// bot that should handle it.
package command

import (
	"strings"

	"github.com/wolftown/canis/internal/domain"
)

const (
	maxNameLength = 32
	maxDescLength = 100
)

// ValidateName checks a command name is 1-32 characters, lowercase
// alphanumeric with hyphens/underscores, matching the original's
// validate_command_name.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return domain.ErrInvalidCommandName
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return domain.ErrInvalidCommandName
		}
	}
	return nil
}

// ValidateDescription checks a command description is 1-100 characters.
func ValidateDescription(desc string) error {
	if desc == "" || len(desc) > maxDescLength {
		return domain.ErrInvalidCommandDesc
	}
	return nil
}

// CheckBatchDuplicates reports domain.ErrDuplicateCommandName if any two
// commands in a single registration batch share a name.
func CheckBatchDuplicates(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			return domain.ErrDuplicateCommandName
		}
		seen[name] = struct{}{}
	}
	return nil
}

// splitInvocation splits a `/name rest of args` message into its command
// name and the remaining argument text.
func splitInvocation(content string) (name, argsRest string) {
	body := strings.TrimPrefix(content, "/")
	parts := strings.SplitN(body, " ", 2)
	name = parts[0]
	if len(parts) == 2 {
		argsRest = parts[1]
	}
	return name, argsRest
}

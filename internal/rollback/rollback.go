// Package rollback derives inverse commands for tool calls.
package rollback

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jkaninda/opsgate/internal/tools"
)

// placeholderPrefix marks a rollback command that a human has to carry out.
const placeholderPrefix = "#"

// Generator maps a tool call to the shell command that undoes it.
// The zero value is ready to use.
type Generator struct{}

// Generate returns the inverse command for call. The boolean is false
// when the call has no meaningful inverse (read-only or unknown tools).
// Generate never reads anything but call and is safe for concurrent use.
func (Generator) Generate(call tools.Call) (string, bool) {
	switch call.Name {
	case "manage_service":
		return serviceInverse(call.Arguments)
	case "file_operations":
		return fileInverse(call.Arguments)
	case "execute_command":
		command := stringArg(call.Arguments, "command")
		return fmt.Sprintf("%s Manual rollback may be needed for: %s", placeholderPrefix, command), true
	default:
		return "", false
	}
}

// IsPlaceholder reports whether cmd is informational only and must not
// be sent to a tool provider.
func IsPlaceholder(cmd string) bool {
	return strings.HasPrefix(strings.TrimSpace(cmd), placeholderPrefix)
}

func serviceInverse(args map[string]any) (string, bool) {
	service := stringArg(args, "service_name")
	if service == "" {
		return "", false
	}
	var inverse string
	switch stringArg(args, "action") {
	case "start":
		inverse = "stop"
	case "stop":
		inverse = "start"
	case "enable":
		inverse = "disable"
	case "disable":
		inverse = "enable"
	default:
		return "", false
	}
	return fmt.Sprintf("systemctl %s %s", inverse, shellQuote(service)), true
}

func fileInverse(args map[string]any) (string, bool) {
	path := stringArg(args, "path")
	if path == "" {
		return "", false
	}
	switch stringArg(args, "operation") {
	case "create":
		// A relative path was resolved against the tool's working
		// directory, which the rollback shell does not share.
		if !filepath.IsAbs(path) {
			return fmt.Sprintf("%s Manual rollback may be needed: remove %s (relative path)", placeholderPrefix, path), true
		}
		if strings.HasSuffix(path, "/") {
			return "rmdir -- " + shellQuote(filepath.Clean(path)), true
		}
		return "rm -f -- " + shellQuote(filepath.Clean(path)), true
	case "delete":
		return fmt.Sprintf("%s Cannot rollback deletion of %s - file was permanently removed", placeholderPrefix, path), true
	default:
		return "", false
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// shellQuote returns s as a single shell word. Words made only of
// characters the shell never interprets are returned as is; anything else
// is wrapped in single quotes, each embedded quote closed, escaped and
// reopened.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool { return !isSafeShellRune(r) }) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./_-", r)
}

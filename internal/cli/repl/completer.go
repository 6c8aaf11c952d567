package repl

import (
	"sort"
	"strings"
)

var builtins = []string{"exit", "quit", "history"}

// Completer suggests command paths such as "snapshot merge".
type Completer struct {
	commands []string
}

// NewCompleter creates a Completer over the given command paths plus
// the shell builtins.
func NewCompleter(commands []string) *Completer {
	all := append(append([]string{}, commands...), builtins...)
	sort.Strings(all)
	return &Completer{commands: all}
}

// Complete returns the command paths starting with prefix. Runs of
// spaces in prefix are treated as one.
func (c *Completer) Complete(prefix string) []string {
	prefix = strings.Join(strings.Fields(prefix), " ") + trailingSpace(prefix)
	var suggestions []string
	for _, cmd := range c.commands {
		if strings.HasPrefix(cmd, prefix) {
			suggestions = append(suggestions, cmd)
		}
	}
	return suggestions
}

func trailingSpace(s string) string {
	if strings.TrimSpace(s) != "" && strings.HasSuffix(s, " ") {
		return " "
	}
	return ""
}

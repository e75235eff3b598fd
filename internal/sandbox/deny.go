package sandbox

import (
	"strings"
)

// bashDenyList holds substrings that must never reach a shell. Patterns and
// commands are both lowercased with whitespace collapsed and pipes spaced
// before matching. A trailing space in a pattern anchors a word end.
var bashDenyList = []string{
	// destructive deletion
	"rm -rf /",
	"rm -rf ~",
	"rm -rf *",
	"rm -rf .git",
	"rm -fr /",
	"rm -r /",
	"--no-preserve-root",
	// privilege escalation
	"sudo ",
	"su -",
	"su root",
	"doas ",
	"pkexec ",
	// device writes and filesystem creation
	"> /dev/sd",
	"> /dev/nvme",
	"of=/dev/",
	"mkfs",
	"wipefs ",
	// fork bombs
	":(){ :|:& };:",
	":(){:|:&};:",
	// recursive permission and ownership changes
	"chmod -r",
	"chmod 777 /",
	"chown -r",
	"chgrp -r",
	// remote code piped to a shell
	"| sh ",
	"| bash ",
	"| zsh ",
	"eval $(",
	"kill -9 -1",
	// repository topology is owned by the worktree manager
	"git push",
	"git worktree",
	"git reset --hard",
}

// Denylist decides whether a shell command may run.
type Denylist struct {
	patterns []string
}

// NewDenylist returns the built-in denylist extended with extra patterns.
func NewDenylist(extra ...string) *Denylist {
	all := append(append([]string{}, bashDenyList...), extra...)
	patterns := make([]string, 0, len(all))
	for _, p := range all {
		if strings.TrimSpace(p) == "" {
			continue
		}
		n := normalize(p)
		if strings.ContainsAny(p[len(p)-1:], " \t") {
			n += " "
		}
		patterns = append(patterns, n)
	}
	return &Denylist{patterns: patterns}
}

// Match returns the first pattern the command contains, or "".
func (d *Denylist) Match(command string) string {
	normalized := normalize(command) + " "
	for _, p := range d.patterns {
		if strings.Contains(normalized, p) {
			return strings.TrimSpace(p)
		}
	}
	return ""
}

// IsBlockedCommand reports whether command matches the built-in denylist.
func IsBlockedCommand(command string) bool {
	return defaultDenylist.Match(command) != ""
}

var defaultDenylist = NewDenylist()

func normalize(s string) string {
	lower := strings.ToLower(s)
	lower = strings.ReplaceAll(lower, "|", " | ")
	return strings.Join(strings.Fields(lower), " ")
}

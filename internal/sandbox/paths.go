package sandbox

import (
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// resolve maps a model-supplied path onto the worktree. Absolute paths and
// paths that climb out with ".." are refused outright; the remainder is
// joined with symlinks evaluated inside the root so a link cannot point the
// tool outside it. It returns the absolute path and the cleaned relative path.
func (s *Sandbox) resolve(tool, p string) (string, string, error) {
	if strings.TrimSpace(p) == "" {
		return "", "", errors.NewToolExecutionError(tool, "path is required", errors.ErrInvalidInput)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return "", "", errors.NewSandboxViolationError(tool, p, errors.ErrPathEscape)
	}

	rel := filepath.Clean(p)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", errors.NewSandboxViolationError(tool, p, errors.ErrPathEscape)
	}

	abs, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return "", "", errors.NewToolExecutionError(tool, "failed to resolve path", err)
	}
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", "", errors.NewSandboxViolationError(tool, p, errors.ErrPathEscape)
	}

	if r, err := filepath.Rel(s.root, abs); err == nil {
		rel = r
	}
	return abs, filepath.ToSlash(rel), nil
}

// checkProtected refuses writes at or beneath a protected path.
func (s *Sandbox) checkProtected(tool, rel string) error {
	for _, protected := range s.protected {
		if rel == protected || strings.HasPrefix(rel, protected+"/") {
			return errors.NewSandboxViolationError(tool, rel, errors.ErrProtectedPath)
		}
	}
	return nil
}

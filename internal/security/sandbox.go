package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sessionvault/internal/domain"
)

// Sandbox confines file operations to a storage root and, optionally, to one
// session directory beneath it.
type Sandbox struct {
	root string // absolute, resolved storage root
}

// NewSandbox creates a sandbox rooted at the given directory, creating it with
// owner-only permissions when missing.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	return &Sandbox{root: resolved}, nil
}

// ValidatePath resolves candidate and checks that it lies within the root,
// and within root/scope when scope is non-empty. Relative candidates are
// interpreted against the root. Symlinks are resolved on the longest
// existing prefix so paths that do not exist yet can be validated too.
func (s *Sandbox) ValidatePath(candidate, scope string) (string, error) {
	const op = "Sandbox.ValidatePath"

	if candidate == "" || strings.ContainsRune(candidate, 0) {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, "empty path or NUL byte")
	}

	boundary := s.root
	if scope != "" {
		if err := ValidateName(scope); err != nil {
			return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, fmt.Sprintf("scope %q", scope))
		}
		boundary = filepath.Join(s.root, scope)
	}

	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, err.Error())
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, err.Error())
	}

	if !within(boundary, resolved) {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside %q", resolved, boundary))
	}
	return resolved, nil
}

// ScopeDir returns the validated directory for scope without requiring it to
// exist.
func (s *Sandbox) ScopeDir(scope string) (string, error) {
	if scope == "" {
		return s.root, nil
	}
	return s.ValidatePath(scope, scope)
}

// Contains reports whether path resolves to the root or a descendant of it.
func (s *Sandbox) Contains(path string) bool {
	_, err := s.ValidatePath(path, "")
	return err == nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// resolveExisting evaluates symlinks on the deepest existing ancestor of abs
// and re-appends the missing tail.
func resolveExisting(abs string) (string, error) {
	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("dangling symlink %q", cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func within(boundary, path string) bool {
	return path == boundary || strings.HasPrefix(path, boundary+string(os.PathSeparator))
}

package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates workspace-relative paths against an
// optional set of allowed/blocked prefixes, used by the tool security
// policy to sandbox filesystem-touching tool calls.
type Resolver struct {
	Root string

	// Allowed restricts resolution to these absolute prefixes. Empty means
	// any path under Root is allowed.
	Allowed []string

	// Blocked always denies a path under these absolute prefixes, checked
	// after symlink resolution and taking priority over Allowed.
	Blocked []string
}

// Resolve returns an absolute, cleaned path within the workspace root,
// rejecting paths that escape the root, land outside Allowed, or resolve
// (directly or via a symlink) into Blocked.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}

	resolved := targetAbs
	if real, err := filepath.EvalSymlinks(targetAbs); err == nil {
		resolved = real
	}

	if len(r.Allowed) > 0 && !hasPrefixIn(resolved, r.Allowed) && !hasPrefixIn(targetAbs, r.Allowed) {
		return "", fmt.Errorf("path not in allowed list: %s", clean)
	}
	if hasPrefixIn(resolved, r.Blocked) || hasPrefixIn(targetAbs, r.Blocked) {
		return "", fmt.Errorf("path is blocked: %s", clean)
	}

	return targetAbs, nil
}

func hasPrefixIn(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		absPrefix, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		if path == absPrefix || strings.HasPrefix(path, absPrefix+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

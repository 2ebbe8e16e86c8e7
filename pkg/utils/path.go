package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins path elements onto base and fails if the result escapes base.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	full := filepath.Join(append([]string{cleanBase}, elements...)...)

	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory %q", full, base)
	}
	return full, nil
}

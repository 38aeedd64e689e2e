package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveInRoot resolves rel against root and verifies the result stays
// inside root, returning ErrPathEscape otherwise. Adapted from the
// teacher's utils.ExpandPath / ReadFileContent absolute-path handling
// (utils/path.go), generalized with a root-containment check the teacher
// itself does not need (it operates on the user's whole filesystem).
func resolveInRoot(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if strings.HasPrefix(rel, "~") {
		home, err := os.UserHomeDir()
		if err == nil && rel == "~" {
			rel = home
		}
	}

	var abs string
	if filepath.IsAbs(rel) {
		abs = filepath.Clean(rel)
	} else {
		abs = filepath.Join(root, rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel2, err := filepath.Rel(absRoot, abs)
	if err != nil || rel2 == ".." || strings.HasPrefix(rel2, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return abs, nil
}

package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ArtifactPath returns the location of a release asset inside the install
// directory. Asset names come from the remote release listing, so anything
// that is not a single plain file name is rejected.
func ArtifactPath(installDir, assetName string) (string, error) {
	if assetName == "" {
		return "", fmt.Errorf("asset name is empty")
	}
	if strings.ContainsAny(assetName, `/\`) {
		return "", fmt.Errorf("asset name contains a path separator: %q", assetName)
	}
	return SafeJoinUnder(installDir, assetName)
}

// SafeJoinUnder joins rel under root and returns the absolute result. It
// fails for empty, absolute or traversing paths and for anything that would
// resolve outside root.
func SafeJoinUnder(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is empty")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	switch {
	case clean == ".":
		return "", fmt.Errorf("path resolves to current directory")
	case filepath.IsAbs(clean):
		return "", fmt.Errorf("absolute paths are not allowed: %q", rel)
	case escapes(clean):
		return "", fmt.Errorf("parent traversal is not allowed: %q", rel)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	joined := filepath.Join(rootAbs, clean)
	if r, err := filepath.Rel(rootAbs, joined); err != nil || escapes(r) {
		return "", fmt.Errorf("path escapes root: %q", rel)
	}
	return joined, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const treeMaxDepth = 3

// skippedDirs are noise directories omitted from repository trees.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// DirectoryTree renders a depth-limited listing of a repository, used to
// give agents an overview without walking the whole tree themselves.
// Hidden entries and dependency directories are skipped.
func DirectoryTree(root string) (string, error) {
	var b strings.Builder
	if err := writeTree(&b, root, "", 0); err != nil {
		return "", fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func writeTree(b *strings.Builder, dir, indent string, depth int) error {
	if depth >= treeMaxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		// Directories first, then lexical.
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || skippedDirs[name] {
			continue
		}
		if entry.IsDir() {
			fmt.Fprintf(b, "%s%s/\n", indent, name)
			if err := writeTree(b, filepath.Join(dir, name), indent+"  ", depth+1); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(b, "%s%s\n", indent, name)
	}
	return nil
}

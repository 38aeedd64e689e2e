// Package memory implements the project "memory bank" under
// "<project>/.nightfall/memory/": a directory of markdown files describing
// project context, indexed by index.md. The line-oriented parse/serialize
// pair mirrors the teacher's general approach to small structured text
// formats (e.g. cli/agent/task_tracker.go's regex-based line parsing),
// adapted here to the Index file format in spec §6.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Entry is one "- <path> — <description>" line in the index.
type Entry struct {
	Path        string
	Description string
}

// Index is the parsed form of index.md: a flat list plus a separate
// "## Components" list.
type Index struct {
	Entries    []Entry
	Components []Entry
}

var entryRe = regexp.MustCompile(`^-\s+(\S+)\s+(?:—|-)\s+(.+)$`)

// ParseIndex parses index.md's content. Any "## " heading other than
// "## Components" switches the target list back to the flat Entries list,
// per spec §6.
func ParseIndex(content string) *Index {
	idx := &Index{}
	inComponents := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "## ") {
			inComponents = strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")) == "Components"
			continue
		}
		m := entryRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		entry := Entry{Path: m[1], Description: m[2]}
		if inComponents {
			idx.Components = append(idx.Components, entry)
		} else {
			idx.Entries = append(idx.Entries, entry)
		}
	}
	return idx
}

// SerializeIndex renders idx back into the Index file format. Round-trips
// with ParseIndex: ParseIndex(SerializeIndex(idx)) == idx for any
// well-formed Index.
func SerializeIndex(idx *Index) string {
	var b strings.Builder
	b.WriteString("# Memory Index\n")
	for _, e := range idx.Entries {
		fmt.Fprintf(&b, "- %s — %s\n", e.Path, e.Description)
	}
	b.WriteString("## Components\n")
	for _, e := range idx.Components {
		fmt.Fprintf(&b, "- %s — %s\n", e.Path, e.Description)
	}
	return b.String()
}

// Bank is a handle onto "<project>/.nightfall/memory".
type Bank struct {
	root string
}

// New builds a Bank rooted at "<projectRoot>/.nightfall/memory".
func New(projectRoot string) *Bank {
	return &Bank{root: filepath.Join(projectRoot, ".nightfall", "memory")}
}

// Read returns the content of the named memory file (relative to the bank
// root, e.g. "project.md" or "components/auth.md").
func (b *Bank) Read(relPath string) (string, error) {
	abs, err := b.resolve(relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read memory file %s: %w", relPath, err)
	}
	return string(data), nil
}

// Write creates or overwrites the named memory file.
func (b *Bank) Write(relPath, content string) error {
	abs, err := b.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write memory file %s: %w", relPath, err)
	}
	return nil
}

// ReadIndex reads and parses index.md.
func (b *Bank) ReadIndex() (*Index, error) {
	content, err := b.Read("index.md")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Index{}, nil
		}
		return nil, err
	}
	return ParseIndex(content), nil
}

// WriteIndex serializes and writes idx to index.md.
func (b *Bank) WriteIndex(idx *Index) error {
	return b.Write("index.md", SerializeIndex(idx))
}

func (b *Bank) resolve(relPath string) (string, error) {
	abs := filepath.Join(b.root, relPath)
	absBank, err := filepath.Abs(b.root)
	if err != nil {
		return "", err
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBank, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("memory: path escapes bank root")
	}
	return abs, nil
}

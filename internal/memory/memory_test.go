package memory

import "testing"

func TestParseIndex_RoundTrip(t *testing.T) {
	idx := &Index{
		Entries: []Entry{
			{Path: "project.md", Description: "overview"},
			{Path: "tech.md", Description: "stack"},
		},
		Components: []Entry{
			{Path: "components/auth.md", Description: "auth flow"},
		},
	}

	serialized := SerializeIndex(idx)
	reparsed := ParseIndex(serialized)

	if len(reparsed.Entries) != 2 || reparsed.Entries[0].Path != "project.md" {
		t.Fatalf("unexpected entries: %+v", reparsed.Entries)
	}
	if len(reparsed.Components) != 1 || reparsed.Components[0].Description != "auth flow" {
		t.Fatalf("unexpected components: %+v", reparsed.Components)
	}
}

func TestParseIndex_HeadingSwitchesBack(t *testing.T) {
	content := `# Memory Index
- project.md — overview
## Components
- components/auth.md — auth flow
## Other Section
- tech.md — stack
`
	idx := ParseIndex(content)
	if len(idx.Entries) != 2 {
		t.Fatalf("expected tech.md to land back in Entries after a non-Components heading, got %+v", idx.Entries)
	}
	if len(idx.Components) != 1 {
		t.Fatalf("expected exactly 1 component entry, got %+v", idx.Components)
	}
}

func TestBank_ReadIndexEmptyWhenMissing(t *testing.T) {
	b := New(t.TempDir())
	idx, err := b.ReadIndex()
	if err != nil {
		t.Fatalf("expected no error for missing index, got %v", err)
	}
	if len(idx.Entries) != 0 {
		t.Fatalf("expected empty index, got %+v", idx)
	}
}

func TestBank_WriteReadRoundTrip(t *testing.T) {
	b := New(t.TempDir())
	if err := b.Write("project.md", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := b.Read("project.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "hello" {
		t.Fatalf("expected hello, got %q", content)
	}
}

func TestBank_RejectsEscapingPath(t *testing.T) {
	b := New(t.TempDir())
	if _, err := b.Read("../../etc/passwd"); err == nil {
		t.Fatalf("expected escaping path to be rejected")
	}
}

package ingest

import (
	"reflect"
	"testing"

	"github.com/keboola/docloop/pkg/config"
)

func TestExtractor_Concepts(t *testing.T) {
	x := NewExtractor(config.DefaultVocabulary(), true, []string{"docs/"})

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"vocabulary term", "the stack url is wrong", []string{"StackURL"}},
		{"vocabulary word start", "Flows fail when a workflow retries", []string{"Flows"}},
		{"no partial word", "the workflow retries", []string{}},
		{"phrase and vocabulary agree", "Storage API pagination", []string{"StorageAPI"}},
		{"capitalised phrase", "explain Data Apps better", []string{"DataApps"}},
		{"token maps to authentication", "Token expired", []string{"Authentication"}},
		{"nothing", "lowercase only", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := x.Concepts(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Concepts(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractor_PhrasesDisabled(t *testing.T) {
	x := NewExtractor(nil, false, []string{"docs/"})
	if got := x.Concepts("explain Data Apps better"); len(got) != 0 {
		t.Errorf("Concepts() = %v, want none", got)
	}
}

func TestExtractor_DocumentRefs(t *testing.T) {
	x := NewExtractor(nil, false, []string{"docs", "skills/"})

	got := x.DocumentRefs(
		"See docs/keboola/02-storage-api.md. Also (skills/claude/storage.md) and src/main.go",
		"again docs/keboola/02-storage-api.md, plus ./docs/intro.md and docs/../etc/passwd",
	)
	want := []string{
		"docs/intro.md",
		"docs/keboola/02-storage-api.md",
		"skills/claude/storage.md",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DocumentRefs() = %v, want %v", got, want)
	}
}

func TestClosingReferences(t *testing.T) {
	tests := []struct {
		text string
		want []int
	}{
		{"Fixes #69", []int{69}},
		{"fixed #1, closes #2 and Resolves: #3", []int{1, 2, 3}},
		{"close #4 close #4", []int{4}},
		{"see #5", nil},
		{"prefixes #6", nil},
		{"resolved #0", nil},
	}
	for _, tt := range tests {
		if got := ClosingReferences(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ClosingReferences(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestCleanPathAndUnderRoot(t *testing.T) {
	roots := normalizeRoots([]string{"docs", "./skills/"})
	if !reflect.DeepEqual(roots, []string{"docs/", "skills/"}) {
		t.Fatalf("normalizeRoots() = %v", roots)
	}

	tests := []struct {
		in     string
		clean  string
		ok     bool
		inRoot bool
	}{
		{"docs/a.md", "docs/a.md", true, true},
		{"./docs//a.md", "docs/a.md", true, true},
		{"/docs/a.md", "", false, false},
		{"../docs/a.md", "", false, false},
		{"docs/", "docs", true, false},
		{"documents/a.md", "documents/a.md", true, false},
	}
	for _, tt := range tests {
		p, ok := CleanPath(tt.in)
		if ok != tt.ok || p != tt.clean {
			t.Errorf("CleanPath(%q) = (%q, %v), want (%q, %v)", tt.in, p, ok, tt.clean, tt.ok)
			continue
		}
		if ok && UnderRoot(p, roots) != tt.inRoot {
			t.Errorf("UnderRoot(%q) = %v, want %v", p, !tt.inRoot, tt.inRoot)
		}
	}
}

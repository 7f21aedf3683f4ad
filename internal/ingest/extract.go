package ingest

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/keboola/docloop/pkg/config"
)

var (
	// Two to five capitalised words on one line, e.g. "Stack URL" or "Input Mapping".
	phrasePattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]+(?:[ \t]+[A-Z][a-zA-Z0-9]+){1,4}\b`)
	// Slash-separated, path-like tokens.
	pathPattern = regexp.MustCompile(`[\w\-]+(?:/[\w.\-]+)+`)
	// fixes #12, Closed #3, resolves: #7
	closingPattern = regexp.MustCompile(`(?i)\b(?:fix(?:e[sd])?|close[sd]?|resolve[sd]?)\s*:?\s*#(\d+)\b`)
	whitespace     = regexp.MustCompile(`\s+`)
)

type vocabEntry struct {
	pattern *regexp.Regexp
	concept string
}

// Extractor finds concept and document references in free text
type Extractor struct {
	vocabulary []vocabEntry
	phrases    bool
	roots      []string
}

// NewExtractor compiles the vocabulary. Terms match case-insensitively at a
// word start, so "Flow" matches "Flows" but not "workflow".
func NewExtractor(vocabulary []config.VocabularyTerm, phrases bool, roots []string) *Extractor {
	x := &Extractor{phrases: phrases, roots: normalizeRoots(roots)}
	for _, v := range vocabulary {
		term := strings.TrimSpace(v.Term)
		concept := strings.TrimSpace(v.Concept)
		if term == "" {
			continue
		}
		if concept == "" {
			concept = ConceptName(term)
		}
		x.vocabulary = append(x.vocabulary, vocabEntry{
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term)),
			concept: concept,
		})
	}
	return x
}

// ConceptName canonicalises a phrase by removing whitespace
func ConceptName(phrase string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(phrase), "")
}

// Concepts returns the sorted, de-duplicated concept names mentioned in text
func (x *Extractor) Concepts(texts ...string) []string {
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, v := range x.vocabulary {
			if v.pattern.MatchString(text) {
				seen[v.concept] = true
			}
		}
		if x.phrases {
			for _, phrase := range phrasePattern.FindAllString(text, -1) {
				if name := ConceptName(phrase); name != "" {
					seen[name] = true
				}
			}
		}
	}
	return sortedKeys(seen)
}

// DocumentRefs returns the sorted, de-duplicated paths under a document root
// mentioned in text
func (x *Extractor) DocumentRefs(texts ...string) []string {
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, token := range pathPattern.FindAllString(text, -1) {
			token = strings.TrimRight(token, ".-")
			p, ok := CleanPath(token)
			if !ok || !UnderRoot(p, x.roots) {
				continue
			}
			seen[p] = true
		}
	}
	return sortedKeys(seen)
}

// Roots returns the normalised document roots
func (x *Extractor) Roots() []string {
	return append([]string(nil), x.roots...)
}

// ClosingReferences returns the issue numbers referenced by closing keywords,
// in order of first appearance
func ClosingReferences(text string) []int {
	var refs []int
	seen := make(map[int]bool)
	for _, m := range closingPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, n)
	}
	return refs
}

// CleanPath normalises a repository-relative path, rejecting absolute paths
// and parent traversal.
func CleanPath(p string) (string, bool) {
	p = strings.TrimSpace(strings.TrimPrefix(p, "./"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

// UnderRoot reports whether p lies under one of roots. Roots end in "/".
func UnderRoot(p string, roots []string) bool {
	for _, root := range roots {
		if strings.HasPrefix(p, root) && len(p) > len(root) {
			return true
		}
	}
	return false
}

func normalizeRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimSpace(strings.TrimPrefix(r, "./"))
		if r == "" {
			continue
		}
		if !strings.HasSuffix(r, "/") {
			r += "/"
		}
		out = append(out, r)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package index

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/gosimple/slug"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/aidanlsb/echo/internal/model"
)

// TextIndex is an inverted index over the string values of objects.
// Markdown is reduced to its text before tokenizing.
type TextIndex struct {
	identifier string

	mu       sync.RWMutex
	closed   bool
	order    []string
	terms    map[string]map[string]int
	docTerms map[string]map[string]int
}

func newTextIndex(identifier string) *TextIndex {
	return &TextIndex{
		identifier: identifier,
		terms:      map[string]map[string]int{},
		docTerms:   map[string]map[string]int{},
	}
}

func (t *TextIndex) Identifier() string { return t.identifier }

func (t *TextIndex) Kind() Kind { return Kind{Type: KindFullText} }

func (t *TextIndex) Open(context.Context) error {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
	return nil
}

func (t *TextIndex) Close(context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *TextIndex) Update(_ context.Context, id string, obj *model.ObjectStructure) (bool, error) {
	counts := map[string]int{}
	if obj != nil {
		var b strings.Builder
		collectStrings(&b, obj.Data)
		for _, term := range Tokenize(b.String()) {
			counts[term]++
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	prev, known := t.docTerms[id]
	if known && maps.Equal(prev, counts) {
		return false, nil
	}
	if !known {
		t.order = append(t.order, id)
	}
	t.unindexLocked(id, prev)
	t.docTerms[id] = counts
	for term, n := range counts {
		postings := t.terms[term]
		if postings == nil {
			postings = map[string]int{}
			t.terms[term] = postings
		}
		postings[id] = n
	}
	return true, nil
}

func (t *TextIndex) Remove(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	prev, known := t.docTerms[id]
	if !known {
		return nil
	}
	t.unindexLocked(id, prev)
	delete(t.docTerms, id)
	t.order = without(t.order, id)
	return nil
}

func (t *TextIndex) unindexLocked(id string, counts map[string]int) {
	for term := range counts {
		delete(t.terms[term], id)
		if len(t.terms[term]) == 0 {
			delete(t.terms, term)
		}
	}
}

// Find returns the objects containing every term of q.Text, best first.
func (t *TextIndex) Find(_ context.Context, q Query) ([]Match, error) {
	terms := Tokenize(q.Text)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	if len(terms) == 0 {
		return nil, nil
	}
	position := make(map[string]int, len(t.order))
	for i, id := range t.order {
		position[id] = i
	}

	var out []Match
	for id := range t.terms[terms[0]] {
		rank := 0
		for _, term := range terms {
			n := t.terms[term][id]
			if n == 0 {
				rank = 0
				break
			}
			rank += n
		}
		if rank > 0 {
			out = append(out, Match{ID: id, Rank: float64(rank)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return position[out[i].ID] < position[out[j].ID]
	})
	return out, nil
}

type textSnapshot struct {
	Order []string                  `cbor:"order"`
	Docs  map[string]map[string]int `cbor:"docs"`
}

func (t *TextIndex) Serialize(context.Context) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return encMode.Marshal(textSnapshot{Order: t.order, Docs: t.docTerms})
}

func (t *TextIndex) load(_ context.Context, data []byte) error {
	var snap textSnapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = snap.Order
	t.docTerms = map[string]map[string]int{}
	t.terms = map[string]map[string]int{}
	for id, counts := range snap.Docs {
		t.docTerms[id] = counts
		for term, n := range counts {
			if t.terms[term] == nil {
				t.terms[term] = map[string]int{}
			}
			t.terms[term][id] = n
		}
	}
	return nil
}

// Tokenize splits s into normalized terms: markdown syntax is dropped,
// words are lowercased and transliterated to ASCII.
func Tokenize(s string) []string {
	plain := markdownText(s)
	words := strings.FieldsFunc(plain, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		term := slug.Make(w)
		if term == "" {
			continue
		}
		for _, part := range strings.Split(term, "-") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func markdownText(s string) string {
	if !strings.ContainsAny(s, "#*_`[]<>|~") {
		return s
	}
	src := []byte(s)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	var b strings.Builder
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			b.WriteByte(' ')
		case *ast.String:
			b.Write(node.Value)
			b.WriteByte(' ')
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			b.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func collectStrings(b *strings.Builder, v any) {
	switch t := v.(type) {
	case string:
		b.WriteString(t)
		b.WriteByte('\n')
	case map[string]any:
		if model.IsEncodedReference(t) {
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(b, t[k])
		}
	case []any:
		for _, item := range t {
			collectStrings(b, item)
		}
	}
}

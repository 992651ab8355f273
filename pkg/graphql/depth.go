package graphql

import (
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
)

// depthWalker measures selection nesting. Fragment spreads are inlined;
// a spread already on the walk path is skipped so cycles terminate.
type depthWalker struct {
	fragments map[string]*ast.FragmentDefinition
	onPath    map[string]bool
}

func newDepthWalker(doc *ast.Document) *depthWalker {
	w := &depthWalker{
		fragments: make(map[string]*ast.FragmentDefinition),
		onPath:    make(map[string]bool),
	}
	for _, def := range doc.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok {
			w.fragments[frag.Name.Value] = frag
		}
	}
	return w
}

// document returns the deepest operation in doc. Top-level fields are
// depth 1; introspection fields do not count.
func (w *depthWalker) document(doc *ast.Document) int {
	deepest := 0
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			deepest = max(deepest, w.set(op.SelectionSet, 1))
		}
	}
	return deepest
}

func (w *depthWalker) set(ss *ast.SelectionSet, at int) int {
	if ss == nil {
		return at
	}
	deepest := at
	for _, sel := range ss.Selections {
		deepest = max(deepest, w.selection(sel, at))
	}
	return deepest
}

func (w *depthWalker) selection(sel ast.Selection, at int) int {
	switch s := sel.(type) {
	case *ast.Field:
		if strings.HasPrefix(s.Name.Value, "__") || s.SelectionSet == nil {
			return at
		}
		return w.set(s.SelectionSet, at+1)
	case *ast.InlineFragment:
		return w.set(s.SelectionSet, at)
	case *ast.FragmentSpread:
		name := s.Name.Value
		frag := w.fragments[name]
		if frag == nil || w.onPath[name] {
			return at
		}
		w.onPath[name] = true
		defer delete(w.onPath, name)
		return w.set(frag.SelectionSet, at)
	}
	return at
}

// ValidateQueryDepth parses query and rejects it when nesting exceeds
// maxDepth
func ValidateQueryDepth(query string, maxDepth int) error {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return fmt.Errorf("failed to parse query: %w", err)
	}
	if d := newDepthWalker(doc).document(doc); d > maxDepth {
		return fmt.Errorf("query depth %d exceeds maximum allowed depth %d", d, maxDepth)
	}
	return nil
}

func errorResult(err error) *graphql.Result {
	return &graphql.Result{Errors: []gqlerrors.FormattedError{gqlerrors.FormatError(err)}}
}

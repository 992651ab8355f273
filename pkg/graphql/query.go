package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/graphql-go/graphql"
)

// DefaultMaxDepth bounds children/parent nesting in one query
const DefaultMaxDepth = 8

// Executor runs queries against a schema with a depth limit
type Executor struct {
	schema   graphql.Schema
	src      Source
	maxDepth int
}

// NewExecutor builds the schema over src. maxDepth <= 0 uses
// DefaultMaxDepth.
func NewExecutor(src Source, limits *LimitConfig, maxDepth int) (*Executor, error) {
	schema, err := GenerateSchema(src, limits)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Executor{schema: schema, src: src, maxDepth: maxDepth}, nil
}

// Schema returns the underlying schema
func (e *Executor) Schema() graphql.Schema {
	return e.schema
}

// Execute runs query against one snapshot of the source graph
func (e *Executor) Execute(ctx context.Context, query string, variables map[string]any) *graphql.Result {
	if err := ValidateQueryDepth(query, e.maxDepth); err != nil {
		return errorResult(err)
	}
	return graphql.Do(graphql.Params{
		Schema:         e.schema,
		RequestString:  query,
		VariableValues: variables,
		RootObject:     map[string]any{viewKeyName: newView(e.src())},
		Context:        ctx,
	})
}

// Query runs query and returns the data as JSON. GraphQL errors are
// joined into one error.
func (e *Executor) Query(ctx context.Context, query string) (json.RawMessage, error) {
	result := e.Execute(ctx, query, nil)
	if result.HasErrors() {
		msgs := make([]string, len(result.Errors))
		for i, err := range result.Errors {
			msgs[i] = err.Message
		}
		return nil, errors.New("graphql: " + strings.Join(msgs, "; "))
	}
	data, err := json.Marshal(result.Data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Package graphql exposes a read-only GraphQL view of a bigraph. It backs
// the query_state operation of the decision loop and the admin /graphql
// endpoint.
package graphql

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/graphql-go/graphql"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

// Source returns the graph a query runs against. It is called once per
// query.
type Source func() bigraph.Bigraph

// view is the per-query snapshot shared by every resolver
type view struct {
	g  bigraph.Bigraph
	ix *bigraph.Index
}

func newView(g bigraph.Bigraph) *view {
	return &view{g: g, ix: bigraph.NewIndex(g)}
}

func (v *view) node(id int) (nodeRef, bool) {
	pos, ok := v.ix.Position(id)
	if !ok {
		return nodeRef{}, false
	}
	return nodeRef{v: v, n: v.g.Nodes[pos]}, true
}

func (v *view) refs(nodes []bigraph.Node) []nodeRef {
	out := make([]nodeRef, len(nodes))
	for i, n := range nodes {
		out[i] = nodeRef{v: v, n: n}
	}
	return out
}

// nodeRef is the resolver source for the Node type
type nodeRef struct {
	v *view
	n bigraph.Node
}

// GenerateSchema builds the schema over src
func GenerateSchema(src Source, limits *LimitConfig) (graphql.Schema, error) {
	if limits == nil {
		limits = DefaultLimitConfig()
	}
	if err := ValidateLimitConfig(limits); err != nil {
		return graphql.Schema{}, err
	}

	nodeType := createNodeType()
	revisionType := createRevisionType()

	// Execute pins one snapshot per query in the root value; direct
	// graphql.Do callers get a fresh one per root field.
	snapshot := func(p graphql.ResolveParams) *view {
		if root, ok := p.Info.RootValue.(map[string]any); ok {
			if v, ok := root[viewKeyName].(*view); ok {
				return v
			}
		}
		return newView(src())
	}

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"health": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return "ok", nil
				},
			},
			"count": &graphql.Field{
				Type: graphql.Int,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return snapshot(p).g.Len(), nil
				},
			},
			"node": &graphql.Field{
				Type: nodeType,
				Args: graphql.FieldConfigArgument{
					"id":   &graphql.ArgumentConfig{Type: graphql.Int},
					"uid":  &graphql.ArgumentConfig{Type: graphql.String},
					"name": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return resolveNode(snapshot(p), p.Args)
				},
			},
			"nodes": &graphql.Field{
				Type: graphql.NewList(nodeType),
				Args: graphql.FieldConfigArgument{
					"control":     &graphql.ArgumentConfig{Type: graphql.String},
					"parent":      &graphql.ArgumentConfig{Type: graphql.Int},
					"hasProperty": &graphql.ArgumentConfig{Type: graphql.String},
					"limit":       &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return resolveNodes(snapshot(p), p.Args, limits), nil
				},
			},
			"roots": &graphql.Field{
				Type: graphql.NewList(nodeType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					v := snapshot(p)
					var roots []bigraph.Node
					for _, n := range v.g.Nodes {
						if n.IsRoot() || !v.ix.Contains(n.Parent) {
							roots = append(roots, n)
						}
					}
					return v.refs(roots), nil
				},
			},
			"revision": &graphql.Field{
				Type: revisionType,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					v := snapshot(p)
					for _, n := range v.g.Nodes {
						if !n.IsRoot() {
							continue
						}
						if rev, ok := bigraph.RevisionOf(n); ok {
							return rev, nil
						}
						return nil, nil
					}
					return nil, nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to create schema: %w", err)
	}
	return schema, nil
}

const viewKeyName = "__view"

func createNodeType() *graphql.Object {
	var nodeType *graphql.Object
	nodeType = graphql.NewObject(graphql.ObjectConfig{
		Name: "Node",
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return graphql.Fields{
				"id": &graphql.Field{
					Type: graphql.NewNonNull(graphql.Int),
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source.(nodeRef).n.ID, nil
					},
				},
				"control": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source.(nodeRef).n.Control, nil
					},
				},
				"name": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source.(nodeRef).n.NameLike(), nil
					},
				},
				"type": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source.(nodeRef).n.Type, nil
					},
				},
				"uid": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source.(nodeRef).n.UID(), nil
					},
				},
				"parentId": &graphql.Field{
					Type: graphql.Int,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						return p.Source.(nodeRef).n.Parent, nil
					},
				},
				// Properties are returned as a JSON object string
				"properties": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						props := p.Source.(nodeRef).n.Properties
						if props == nil {
							return "{}", nil
						}
						data, err := json.Marshal(props)
						if err != nil {
							return nil, err
						}
						return string(data), nil
					},
				},
				"property": &graphql.Field{
					Type: graphql.String,
					Args: graphql.FieldConfigArgument{
						"key": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					},
					Resolve: func(p graphql.ResolveParams) (any, error) {
						key, _ := p.Args["key"].(string)
						v, ok := p.Source.(nodeRef).n.Prop(key)
						if !ok {
							return nil, nil
						}
						return v.String(), nil
					},
				},
				"children": &graphql.Field{
					Type: graphql.NewList(nodeType),
					Resolve: func(p graphql.ResolveParams) (any, error) {
						ref := p.Source.(nodeRef)
						ids := ref.v.ix.Children(ref.n.ID)
						out := make([]nodeRef, 0, len(ids))
						for _, id := range ids {
							if child, ok := ref.v.node(id); ok {
								out = append(out, child)
							}
						}
						return out, nil
					},
				},
				"parent": &graphql.Field{
					Type: nodeType,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						ref := p.Source.(nodeRef)
						if parent, ok := ref.v.node(ref.n.Parent); ok {
							return parent, nil
						}
						return nil, nil
					},
				},
			}
		}),
	})
	return nodeType
}

func createRevisionType() *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Revision",
		Fields: graphql.Fields{
			// ms timestamps overflow GraphQL's 32-bit Int
			"ts": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return strconv.FormatInt(p.Source.(bigraph.Revision).TS, 10), nil
				},
			},
			"by": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return p.Source.(bigraph.Revision).By, nil
				},
			},
		},
	})
}

func resolveNode(v *view, args map[string]any) (any, error) {
	if id, ok := args["id"].(int); ok {
		if ref, found := v.node(id); found {
			return ref, nil
		}
		return nil, nil
	}
	if uid, ok := args["uid"].(string); ok && uid != "" {
		for _, n := range v.g.Nodes {
			if n.UID() == uid {
				return nodeRef{v: v, n: n}, nil
			}
		}
		return nil, nil
	}
	if name, ok := args["name"].(string); ok && name != "" {
		for _, n := range v.g.Nodes {
			if n.NameLike() == name {
				return nodeRef{v: v, n: n}, nil
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("node requires one of id, uid or name")
}

func resolveNodes(v *view, args map[string]any, limits *LimitConfig) []nodeRef {
	control, _ := args["control"].(string)
	prop, _ := args["hasProperty"].(string)
	parent, hasParent := args["parent"].(int)

	limit := -1
	if l, ok := args["limit"].(int); ok {
		limit = l
	}
	limit = applyLimit(limit, limits)

	out := make([]nodeRef, 0)
	for _, n := range v.g.Nodes {
		if len(out) >= limit {
			break
		}
		if control != "" && n.Control != control {
			continue
		}
		if hasParent && n.Parent != parent {
			continue
		}
		if prop != "" {
			if _, ok := n.Prop(prop); !ok {
				continue
			}
		}
		out = append(out, nodeRef{v: v, n: n})
	}
	return out
}

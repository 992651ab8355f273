package oracle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
)

// Operation is one entry of the catalog shown to the oracle
type Operation struct {
	Name        string
	Description string
}

var operations = map[string]Operation{
	ActionNoop:         {ActionNoop, "Do nothing; the event needs no durable policy."},
	ActionEscalate:     {ActionEscalate, "Hand the event to the parent tier."},
	ActionPublishRule:  {ActionPublishRule, `Publish one rule. args: {"rule": {"name", "redex": [...], "reactum": [...], "hub_id"?}}`},
	ActionPublishBatch: {ActionPublishBatch, `Publish several rules at once. args: {"rules": [rule, ...]}`},
	ActionQueryState:   {ActionQueryState, `Return the current subgraph. args: {"query"?: GraphQL query over nodes}`},
	ActionLoadGraph:    {ActionLoadGraph, `Merge a graph file into the working view. args: {"path": glob}`},
	ActionSaveGraph:    {ActionSaveGraph, `Save the working view. args: {"path": file}`},
}

var tierOperations = map[string][]string{
	"mid": {
		ActionLoadGraph, ActionQueryState, ActionPublishRule, ActionPublishBatch,
		ActionSaveGraph, ActionNoop, ActionEscalate,
	},
	"cloud": {
		ActionLoadGraph, ActionQueryState, ActionPublishRule, ActionPublishBatch,
		ActionSaveGraph, ActionNoop, ActionEscalate,
	},
}

// Catalog returns the operations a tier may choose from
func Catalog(tier string) []Operation {
	names := tierOperations[tier]
	out := make([]Operation, 0, len(names))
	for _, n := range names {
		out = append(out, operations[n])
	}
	return out
}

// Permitted reports whether tier may run action
func Permitted(tier, action string) bool {
	for _, n := range tierOperations[tier] {
		if n == action {
			return true
		}
	}
	return false
}

// HistoryEntry records one loop step for the next prompt
type HistoryEntry struct {
	Step   int             `json:"step"`
	Action string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result string          `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PromptInput is everything BuildPrompt renders
type PromptInput struct {
	Tier      string
	HubID     string
	MidID     string
	Reason    string
	Event     json.RawMessage
	Subgraph  bigraph.Bigraph
	Catalog   []Operation
	History   []HistoryEntry
	Schema    *bigraph.Schema
	StepsLeft int
}

// BuildPrompt renders the controller prompt for one loop step
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s-tier controller of a building automation system.\n", in.Tier)
	b.WriteString("The building is a tree of places and devices. Rules rewrite a matching redex subtree into a reactum subtree.\n\n")

	b.WriteString("AVAILABLE OPERATIONS:\n")
	for _, op := range in.Catalog {
		fmt.Fprintf(&b, "- %s: %s\n", op.Name, op.Description)
	}

	fmt.Fprintf(&b, "\nESCALATED BY: hub %q", in.HubID)
	if in.MidID != "" {
		fmt.Fprintf(&b, " via mid %q", in.MidID)
	}
	if in.Reason != "" {
		fmt.Fprintf(&b, " (reason: %s)", in.Reason)
	}
	b.WriteString("\n")

	event := "{}"
	if len(in.Event) > 0 {
		event = string(in.Event)
	}
	fmt.Fprintf(&b, "EVENT: %s\n\n", event)

	b.WriteString("CURRENT STATE (the only nodes you may reference):\n")
	b.WriteString(subgraphJSON(in.Subgraph))
	b.WriteString("\n\n")

	if in.Schema != nil {
		b.WriteString("PROPERTY SCHEMA:\n")
		b.WriteString(schemaSummary(in.Schema))
		b.WriteString("\n")
	}

	if len(in.History) > 0 {
		b.WriteString("PREVIOUS STEPS:\n")
		for _, h := range in.History {
			data, _ := json.Marshal(h)
			b.Write(data)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("OUTPUT FORMAT:\n")
	b.WriteString(`{"tool": "<operation>", "args": {...}}` + "\n")
	b.WriteString(`Rule nodes look like {"control": "Light", "id": 201, "properties": {"brightness": 100}, "children": [...]}.` + "\n\n")

	fmt.Fprintf(&b, "CONSTRAINTS (%s):\n", strings.ToUpper(in.Tier))
	b.WriteString("- Return ONLY a single JSON object. No prose, no markdown.\n")
	b.WriteString("- Use the exact ids and property names from the current state.\n")
	b.WriteString("- Never reference node ids outside the current state.\n")
	fmt.Fprintf(&b, "- Use the %q prefix only for escalate-on-match rules; their reactum MUST equal their redex.\n", bigraph.EscalatePrefix)
	b.WriteString(`- If no durable policy is needed, choose {"tool": "noop"}.` + "\n")
	b.WriteString(`- If you cannot act safely within these constraints, choose {"tool": "escalate"}.` + "\n")
	if in.StepsLeft > 0 {
		fmt.Fprintf(&b, "- You have %d step(s) left.\n", in.StepsLeft)
	}
	return b.String()
}

func subgraphJSON(g bigraph.Bigraph) string {
	nodes := g.Nodes
	if nodes == nil {
		nodes = []bigraph.Node{}
	}
	data, err := json.MarshalIndent(struct {
		Nodes []bigraph.Node `json:"nodes"`
	}{nodes}, "", "  ")
	if err != nil {
		return `{"nodes": []}`
	}
	return string(data)
}

func schemaSummary(s *bigraph.Schema) string {
	controls := make([]string, 0, len(s.Controls))
	for c := range s.Controls {
		controls = append(controls, c)
	}
	sort.Strings(controls)

	var b strings.Builder
	for _, c := range controls {
		props := s.Controls[c].Properties
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			p := props[k]
			desc := k + ":" + p.Type
			if len(p.Range) == 2 {
				desc += fmt.Sprintf("[%d..%d]", p.Range[0], p.Range[1])
			}
			if len(p.Allowed) > 0 {
				desc += "{" + strings.Join(p.Allowed, "|") + "}"
			}
			parts = append(parts, desc)
		}
		fmt.Fprintf(&b, "- %s: %s\n", c, strings.Join(parts, ", "))
	}
	return b.String()
}

// BuildAuthorPrompt renders the prompt that turns an operator's free-text
// request into rules over the whole building
func BuildAuthorPrompt(request string, g bigraph.Bigraph, schema *bigraph.Schema) string {
	var b strings.Builder

	b.WriteString("You write rewrite rules for a building automation system.\n")
	b.WriteString("The building is a tree of places and devices. A rule rewrites a matching redex subtree into a reactum subtree.\n\n")

	fmt.Fprintf(&b, "REQUEST:\n%s\n\n", strings.TrimSpace(request))

	b.WriteString("BUILDING (the only nodes you may reference):\n")
	b.WriteString(subgraphJSON(g))
	b.WriteString("\n\n")

	if schema != nil {
		b.WriteString("PROPERTY SCHEMA:\n")
		b.WriteString(schemaSummary(schema))
		b.WriteString("\n")
	}

	b.WriteString("OUTPUT FORMAT (one of):\n")
	fmt.Fprintf(&b, `{"tool": %q, "args": {"rule": {"name": "...", "redex": [...], "reactum": [...]}}}`+"\n", ActionPublishRule)
	fmt.Fprintf(&b, `{"tool": %q, "args": {"rules": [rule, ...]}}`+"\n", ActionPublishBatch)
	fmt.Fprintf(&b, `{"tool": %q}`+"\n", ActionNoop)
	b.WriteString(`Rule nodes look like {"control": "Light", "id": 201, "properties": {"brightness": 100}, "children": [...]}.` + "\n")
	b.WriteString(`Set "hub_id" on a rule only when you know which hub runs it.` + "\n\n")

	b.WriteString("CONSTRAINTS:\n")
	b.WriteString("- Return ONLY a single JSON object. No prose, no markdown.\n")
	b.WriteString("- Use the exact ids and property names from the building.\n")
	b.WriteString("- Keep each rule inside one room.\n")
	return b.String()
}

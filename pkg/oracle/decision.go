package oracle

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Kind classifies an oracle reply
type Kind int

const (
	KindAction Kind = iota
	KindUnparseable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindUnparseable:
		return "unparseable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Operation names understood by the decision loop
const (
	ActionNoop         = "noop"
	ActionEscalate     = "escalate"
	ActionPublishRule  = "publish_rule_to_redis"
	ActionPublishBatch = "publish_rules_batch"
	ActionQueryState   = "query_state"
	ActionLoadGraph    = "load_bigraph_from_file_glob"
	ActionSaveGraph    = "save_graph_to_file"
)

// Decision is a parsed oracle reply. Action and Args are set only for
// KindAction.
type Decision struct {
	Kind   Kind
	Action string
	Args   map[string]json.RawMessage
	Raw    string
	Err    error
}

// Arg decodes one argument into v. It reports false when the argument
// is absent or has the wrong shape.
func (d Decision) Arg(key string, v any) bool {
	raw, ok := d.Args[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

var fence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\n?```\\s*$")

// ParseDecision reads {"tool"|"decision": name, "args": {...}}. Code
// fences are stripped; if the whole reply is not JSON the last balanced
// object in it is used. Top-level "rule" and "rules" keys are moved into
// args.
func ParseDecision(text string) Decision {
	s := strings.TrimSpace(text)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" {
		return Decision{Kind: KindUnparseable, Raw: text}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		blob, ok := lastJSONObject(s)
		if !ok {
			return Decision{Kind: KindUnparseable, Raw: text, Err: err}
		}
		if err := json.Unmarshal([]byte(blob), &obj); err != nil {
			return Decision{Kind: KindUnparseable, Raw: text, Err: err}
		}
	}

	verb := stringField(obj, "tool")
	if verb == "" {
		verb = stringField(obj, "decision")
	}
	if verb == "" {
		return Decision{Kind: KindUnparseable, Raw: text}
	}

	args := map[string]json.RawMessage{}
	if raw, ok := obj["args"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(raw, &nested) == nil && nested != nil {
			args = nested
		}
	}
	if raw, ok := obj["rule"]; ok && isShape(raw, '{') {
		if _, taken := args["rule"]; !taken {
			args["rule"] = raw
		}
	}
	if raw, ok := obj["rules"]; ok && isShape(raw, '[') {
		if _, taken := args["rules"]; !taken {
			args["rules"] = raw
		}
	}
	return Decision{Kind: KindAction, Action: verb, Args: args, Raw: text}
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func isShape(raw json.RawMessage, open byte) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed[0] == open
}

// lastJSONObject returns the last balanced top-level {...} in s that is
// valid JSON. Braces inside strings are ignored.
func lastJSONObject(s string) (string, bool) {
	type span struct{ start, end int }
	var spans []span
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, span{start, i + 1})
			}
		}
	}
	for i := len(spans) - 1; i >= 0; i-- {
		blob := s[spans[i].start:spans[i].end]
		if json.Valid([]byte(blob)) {
			return blob, true
		}
	}
	return "", false
}

package bigraph

import (
	"strconv"
	"time"
)

// Revision is the CAS-lite marker carried on a tier's root node
type Revision struct {
	TS int64
	By string
}

// RevisionOf reads rev_ts/rev_by from a node. rev_ts may be stored as an
// int or as a decimal string.
func RevisionOf(n Node) (Revision, bool) {
	v, ok := n.Prop(PropRevTS)
	if !ok {
		return Revision{}, false
	}
	var ts int64
	switch v.Type {
	case TypeInt:
		ts, _ = v.AsInt()
	case TypeString:
		s, _ := v.AsString()
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Revision{}, false
		}
		ts = parsed
	case TypeFloat:
		f, _ := v.AsFloat()
		ts = int64(f)
	default:
		return Revision{}, false
	}
	return Revision{TS: ts, By: n.StringProp(PropRevBy)}, true
}

// Stamp writes the revision onto the node
func (r Revision) Stamp(n *Node) {
	n.SetProp(PropRevTS, IntValue(r.TS))
	if r.By != "" {
		n.SetProp(PropRevBy, StringValue(r.By))
	}
}

// NextRevision returns a revision strictly newer than current
func NextRevision(current Revision, by string, now time.Time) Revision {
	ts := now.UnixMilli()
	if ts <= current.TS {
		ts = current.TS + 1
	}
	return Revision{TS: ts, By: by}
}

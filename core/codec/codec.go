// Package codec implements the reference-compression codec used to
// shrink repetitive structured results before they leave the system.
//
// Encoding walks a tree of primitive values (nil, bool, number, string,
// list, map). Every distinct string is interned into a lookup list in
// first-occurrence order and each occurrence in the tree is replaced by
// the back-reference token "~<index>". Map keys are interned the same
// way. The codec is a pure structural transform with no knowledge of
// the value's meaning; Decode(Encode(x)) reconstructs x exactly.
package codec

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is the wire form of an encoded value: the tree with string
// occurrences replaced by references, plus the ordered lookup list.
type Payload struct {
	Data   any      `json:"data"`
	Lookup []string `json:"lookup"`
}

// Stats reports the size effect of one encoding pass, measured on the
// JSON serializations of the input and the payload.
type Stats struct {
	RawBytes     int     `json:"raw_bytes"`
	EncodedBytes int     `json:"encoded_bytes"`
	ReductionPct float64 `json:"reduction_pct"`
}

type encoder struct {
	lookup  []string
	indexOf map[string]int
}

// Encode compresses v into a reference-deduplicated payload.
func Encode(v any) Payload {
	e := &encoder{indexOf: make(map[string]int)}
	data := e.walk(v)
	lookup := e.lookup
	if lookup == nil {
		lookup = []string{}
	}
	return Payload{Data: data, Lookup: lookup}
}

// EncodeWithStats compresses v and measures the serialized size of the
// input against the payload.
func EncodeWithStats(v any) (Payload, Stats) {
	p := Encode(v)
	raw, _ := json.Marshal(v)
	enc, _ := json.Marshal(p)

	stats := Stats{RawBytes: len(raw), EncodedBytes: len(enc)}
	if stats.RawBytes > 0 {
		stats.ReductionPct = float64(stats.RawBytes-stats.EncodedBytes) / float64(stats.RawBytes) * 100
	}
	return p, stats
}

func (e *encoder) walk(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[e.ref(k)] = e.walk(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = e.walk(item)
		}
		return out
	case string:
		return e.ref(node)
	default:
		// nil, bool and numeric values pass through unchanged.
		return v
	}
}

// ref interns s and returns its back-reference token.
func (e *encoder) ref(s string) string {
	idx, ok := e.indexOf[s]
	if !ok {
		idx = len(e.lookup)
		e.lookup = append(e.lookup, s)
		e.indexOf[s] = idx
	}
	return "~" + strconv.Itoa(idx)
}

// Decode reconstructs the original value from a payload. Strings that
// match the reference pattern resolve against the lookup list; a
// leading "~~" unescapes to a single literal tilde; everything else
// passes through unchanged.
func Decode(p Payload) any {
	return resolve(p.Data, p.Lookup)
}

func resolve(v any, lookup []string) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[resolveString(k, lookup)] = resolve(val, lookup)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = resolve(item, lookup)
		}
		return out
	case string:
		return resolveString(node, lookup)
	default:
		return v
	}
}

func resolveString(s string, lookup []string) string {
	if strings.HasPrefix(s, "~~") {
		return s[1:]
	}
	if idx, ok := refIndex(s); ok && idx < len(lookup) {
		return lookup[idx]
	}
	return s
}

// refIndex parses a back-reference token of the form "~<digits>".
func refIndex(s string) (int, bool) {
	if len(s) < 2 || s[0] != '~' {
		return 0, false
	}
	idx, err := strconv.Atoi(s[1:])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// internal/probe/result.go
package probe

import (
	"bytes"
	"fmt"

	json "github.com/json-iterator/go"
)

// Kind is the JSON type of a normalised script result.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Result is a by-value script evaluation result with any backend envelope
// already removed.
type Result struct {
	kind  Kind
	str   string
	num   float64
	b     bool
	items []Result
	raw   json.RawMessage
}

// Null is the zero Result.
var Null = Result{}

// StringResult builds a string Result.
func StringResult(s string) Result { return Result{kind: KindString, str: s} }

// StringsResult builds an array Result holding strings.
func StringsResult(ss ...string) Result {
	items := make([]Result, 0, len(ss))
	for _, s := range ss {
		items = append(items, StringResult(s))
	}
	return Result{kind: KindArray, items: items}
}

// BoolResult builds a bool Result.
func BoolResult(b bool) Result { return Result{kind: KindBool, b: b} }

func (r Result) Kind() Kind   { return r.kind }
func (r Result) IsNull() bool { return r.kind == KindNull }

// Bool returns the boolean value; non-bool results are false.
func (r Result) Bool() bool { return r.kind == KindBool && r.b }

// Number returns the numeric value; non-number results are 0.
func (r Result) Number() float64 {
	if r.kind != KindNumber {
		return 0
	}
	return r.num
}

// String returns the string value. Non-string scalars are rendered with fmt,
// null becomes "".
func (r Result) String() string {
	switch r.kind {
	case KindString:
		return r.str
	case KindNull:
		return ""
	case KindBool:
		return fmt.Sprintf("%t", r.b)
	case KindNumber:
		return fmt.Sprintf("%g", r.num)
	default:
		return string(r.raw)
	}
}

// Strings returns the string members of an array result, skipping empty
// strings and non-string members. A scalar string yields a one-element slice.
func (r Result) Strings() []string {
	switch r.kind {
	case KindString:
		if r.str == "" {
			return nil
		}
		return []string{r.str}
	case KindArray:
		out := make([]string, 0, len(r.items))
		for _, it := range r.items {
			if it.kind == KindString && it.str != "" {
				out = append(out, it.str)
			}
		}
		return out
	default:
		return nil
	}
}

// Items returns the members of an array result.
func (r Result) Items() []Result {
	if r.kind != KindArray {
		return nil
	}
	return r.items
}

// Normalize decodes a by-value JSON result. Some backends wrap every value,
// including array members, in a {"type": ..., "value": ...} remote-object
// envelope; those envelopes are unwrapped recursively so callers always see
// plain values.
func Normalize(raw []byte) (Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Null, nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Null, fmt.Errorf("probe: decode script result: %w", err)
	}
	return fromValue(v), nil
}

// FromValue normalises an already-decoded value.
func FromValue(v interface{}) Result {
	return fromValue(v)
}

func fromValue(v interface{}) Result {
	switch t := v.(type) {
	case nil:
		return Null
	case bool:
		return BoolResult(t)
	case float64:
		return Result{kind: KindNumber, num: t}
	case int:
		return Result{kind: KindNumber, num: float64(t)}
	case int64:
		return Result{kind: KindNumber, num: float64(t)}
	case string:
		return StringResult(t)
	case []string:
		return StringsResult(t...)
	case []interface{}:
		items := make([]Result, 0, len(t))
		for _, it := range t {
			items = append(items, fromValue(it))
		}
		return Result{kind: KindArray, items: items}
	case map[string]interface{}:
		if inner, ok := unwrapEnvelope(t); ok {
			return fromValue(inner)
		}
		raw, _ := json.Marshal(t)
		return Result{kind: KindObject, raw: raw}
	default:
		raw, _ := json.Marshal(t)
		return Result{kind: KindObject, raw: raw}
	}
}

// unwrapEnvelope recognises the remote-object shape {type, value} and returns
// the inner value. Objects with other keys are left alone.
func unwrapEnvelope(m map[string]interface{}) (interface{}, bool) {
	typ, hasType := m["type"].(string)
	if !hasType {
		return nil, false
	}
	for k := range m {
		switch k {
		case "type", "value", "subtype", "className", "description", "objectId":
		default:
			return nil, false
		}
	}
	if typ == "undefined" {
		return nil, true
	}
	inner, hasValue := m["value"]
	if !hasValue {
		return nil, false
	}
	return inner, true
}

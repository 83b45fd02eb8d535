// Package value implements the dynamically typed values carried by tags,
// write requests and alarm thresholds. JSON is used only at the edges
// (persistence, websocket frames); inside the engine values stay typed.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind enumerates the payload kinds a Value can hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is an immutable scalar or list. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	list []Value
}

func Null() Value           { return Value{} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Uint(v uint64) Value   { return Value{kind: KindUint, u: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }

// List copies items so the new Value does not alias caller memory.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) isNumeric() bool {
	return v.kind == KindInt || v.kind == KindUint || v.kind == KindFloat
}

// Equal reports structural equality. Numeric kinds compare by numeric value,
// so Int(1), Uint(1) and Float(1.0) are all equal. NaN compares equal to NaN
// so a register stuck on NaN does not register as changing every poll.
func (v Value) Equal(o Value) bool {
	if v.kind == KindList || o.kind == KindList {
		if v.kind != o.kind || len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	if v.isNumeric() && o.isNumeric() {
		return numericCompare(v, o) == 0
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	}
	return false
}

// Compare orders two values: -1, 0 or 1. Numeric kinds compare numerically,
// strings lexically, bools with false < true. Any other pairing is not
// ordered and returns a KindError.
func (v Value) Compare(o Value) (int, error) {
	switch {
	case v.isNumeric() && o.isNumeric():
		return numericCompare(v, o), nil
	case v.kind == KindString && o.kind == KindString:
		return strings.Compare(v.s, o.s), nil
	case v.kind == KindBool && o.kind == KindBool:
		switch {
		case v.b == o.b:
			return 0, nil
		case o.b:
			return -1, nil
		default:
			return 1, nil
		}
	default:
		return 0, &KindError{Kind: v.kind, Want: fmt.Sprintf("comparison with %s", o.kind)}
	}
}

func numericCompare(a, b Value) int {
	// Once a float is involved precision beyond float64 is gone anyway.
	if a.kind == KindFloat || b.kind == KindFloat {
		af, bf := a.float(), b.float()
		// NaN sorts below everything and is equal only to itself.
		if math.IsNaN(af) || math.IsNaN(bf) {
			switch {
			case math.IsNaN(af) && math.IsNaN(bf):
				return 0
			case math.IsNaN(af):
				return -1
			default:
				return 1
			}
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if a.kind == KindInt && b.kind == KindInt {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		default:
			return 0
		}
	}
	if a.kind == KindUint && b.kind == KindUint {
		switch {
		case a.u < b.u:
			return -1
		case a.u > b.u:
			return 1
		default:
			return 0
		}
	}
	// Mixed signedness: a negative int sorts below any uint.
	if a.kind == KindInt {
		if a.i < 0 {
			return -1
		}
		return numericCompare(Uint(uint64(a.i)), b)
	}
	if b.i < 0 {
		return 1
	}
	return numericCompare(a, Uint(uint64(b.i)))
}

func (v Value) float() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.i)
	case KindUint:
		return float64(v.u)
	default:
		return v.f
	}
}

// AsBool coerces to bool: numerics are true when non-zero, strings parse
// with strconv.ParseBool.
func (v Value) AsBool() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i != 0, nil
	case KindUint:
		return v.u != 0, nil
	case KindFloat:
		return v.f != 0, nil
	case KindString:
		b, err := strconv.ParseBool(v.s)
		if err != nil {
			return false, &KindError{Kind: v.kind, Want: "bool"}
		}
		return b, nil
	default:
		return false, &KindError{Kind: v.kind, Want: "bool"}
	}
}

// AsInt64 coerces to int64. Floats must be integral, strings must parse.
func (v Value) AsInt64() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindUint:
		if v.u > math.MaxInt64 {
			return 0, &RangeError{Value: v.Render(), Want: "int64"}
		}
		return int64(v.u), nil
	case KindFloat:
		if v.f != math.Trunc(v.f) || v.f < math.MinInt64 || v.f >= math.MaxInt64 {
			return 0, &RangeError{Value: v.Render(), Want: "int64"}
		}
		return int64(v.f), nil
	case KindString:
		i, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return 0, &KindError{Kind: v.kind, Want: "int64"}
		}
		return i, nil
	default:
		return 0, &KindError{Kind: v.kind, Want: "int64"}
	}
}

// AsUint64 coerces to uint64. Negative values are out of range.
func (v Value) AsUint64() (uint64, error) {
	switch v.kind {
	case KindUint:
		return v.u, nil
	case KindInt:
		if v.i < 0 {
			return 0, &RangeError{Value: v.Render(), Want: "uint64"}
		}
		return uint64(v.i), nil
	case KindFloat:
		if v.f != math.Trunc(v.f) || v.f < 0 || v.f >= math.MaxUint64 {
			return 0, &RangeError{Value: v.Render(), Want: "uint64"}
		}
		return uint64(v.f), nil
	case KindString:
		u, err := strconv.ParseUint(v.s, 10, 64)
		if err != nil {
			return 0, &KindError{Kind: v.kind, Want: "uint64"}
		}
		return u, nil
	default:
		return 0, &KindError{Kind: v.kind, Want: "uint64"}
	}
}

// AsFloat64 coerces to float64.
func (v Value) AsFloat64() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	case KindUint:
		return float64(v.u), nil
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return 0, &KindError{Kind: v.kind, Want: "float64"}
		}
		return f, nil
	default:
		return 0, &KindError{Kind: v.kind, Want: "float64"}
	}
}

// AsString coerces to string. Scalars format, lists and null do not.
func (v Value) AsString() (string, error) {
	switch v.kind {
	case KindString:
		return v.s, nil
	case KindBool:
		return strconv.FormatBool(v.b), nil
	case KindInt:
		return strconv.FormatInt(v.i, 10), nil
	case KindUint:
		return strconv.FormatUint(v.u, 10), nil
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64), nil
	default:
		return "", &KindError{Kind: v.kind, Want: "string"}
	}
}

// Items views the value as a list: lists return their elements, scalars a
// single-element slice, null an empty one.
func (v Value) Items() []Value {
	switch v.kind {
	case KindList:
		cp := make([]Value, len(v.list))
		copy(cp, v.list)
		return cp
	case KindNull:
		return nil
	default:
		return []Value{v}
	}
}

// Render formats the value for logs and CLI output.
func (v Value) Render() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindUint:
		return strconv.AppendUint(nil, v.u, 10), nil
	case KindFloat:
		// JSON has no NaN or Inf. Persist them as null rather than failing
		// the whole batch over one garbage register.
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("value: cannot marshal kind %s", v.kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromJSON parses a JSON document into a Value. Integers that fit int64
// become Int, larger non-negative integers become Uint, everything else
// numeric becomes Float. JSON objects are not valid tag payloads.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("value: parse json: %w", err)
	}
	return fromAny(raw)
}

func fromAny(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		s := t.String()
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return Uint(u), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: parse number %q: %w", s, err)
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported JSON payload of type %T", raw)
	}
}

// KindError reports a value used where its kind cannot serve.
type KindError struct {
	Kind Kind
	Want string
}

func (e *KindError) Error() string {
	return fmt.Sprintf("value: cannot use %s as %s", e.Kind, e.Want)
}

// RangeError reports a numeric value outside the target type's range.
type RangeError struct {
	Value string
	Want  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("value: %s out of range for %s", e.Value, e.Want)
}

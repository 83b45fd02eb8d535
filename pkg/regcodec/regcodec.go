// Package regcodec encodes and decodes typed tag values against sequences of
// 16-bit register words. Word order applies to the word sequence of multi-word
// scalars only; byte order inside a word is always network order, and strings
// are byte-packed with no word reordering.
package regcodec

import (
	"fmt"
	"math"
	"strings"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

// Decode turns a word slice read from a device into a typed value. amount is
// the number of logical elements (characters for strings). Multi-element
// reads decode to a list.
func Decode(words []uint16, dt model.DataType, wo model.WordOrder, amount int) (value.Value, error) {
	if amount < 1 {
		return value.Null(), &LengthError{Type: dt, Want: 1, Have: amount}
	}
	if dt == model.TypeString {
		want := (amount + 1) / 2
		if len(words) != want {
			return value.Null(), &LengthError{Type: dt, Want: want, Have: len(words)}
		}
		return decodeString(words, amount), nil
	}

	stride := dt.Words()
	if len(words) != amount*stride {
		return value.Null(), &LengthError{Type: dt, Want: amount * stride, Have: len(words)}
	}
	if amount == 1 {
		return decodeElement(words, dt, wo), nil
	}
	items := make([]value.Value, 0, amount)
	for i := 0; i < amount; i++ {
		items = append(items, decodeElement(words[i*stride:(i+1)*stride], dt, wo))
	}
	return value.List(items...), nil
}

func decodeElement(words []uint16, dt model.DataType, wo model.WordOrder) value.Value {
	switch dt {
	case model.TypeBool:
		return value.Bool(words[0] != 0)
	case model.TypeInt16:
		return value.Int(int64(int16(words[0])))
	case model.TypeUint16:
		return value.Uint(uint64(words[0]))
	case model.TypeInt32:
		return value.Int(int64(int32(joinWords(words, wo))))
	case model.TypeUint32:
		return value.Uint(joinWords(words, wo))
	case model.TypeFloat32:
		return value.Float(float64(math.Float32frombits(uint32(joinWords(words, wo)))))
	case model.TypeInt64:
		return value.Int(int64(joinWords(words, wo)))
	case model.TypeUint64:
		return value.Uint(joinWords(words, wo))
	case model.TypeFloat64:
		return value.Float(math.Float64frombits(joinWords(words, wo)))
	default:
		return value.Null()
	}
}

// joinWords assembles up to four words into an integer, most significant
// word first. Little word order reverses the word sequence before assembly.
func joinWords(words []uint16, wo model.WordOrder) uint64 {
	var out uint64
	if wo == model.WordOrderLittle {
		for i := len(words) - 1; i >= 0; i-- {
			out = out<<16 | uint64(words[i])
		}
		return out
	}
	for _, w := range words {
		out = out<<16 | uint64(w)
	}
	return out
}

func splitWords(v uint64, n int, wo model.WordOrder) []uint16 {
	words := make([]uint16, n)
	for i := n - 1; i >= 0; i-- {
		words[i] = uint16(v)
		v >>= 16
	}
	if wo == model.WordOrderLittle {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words
}

func decodeString(words []uint16, amount int) value.Value {
	raw := make([]byte, 0, len(words)*2)
	for _, w := range words {
		raw = append(raw, byte(w>>8), byte(w))
	}
	if len(raw) > amount {
		raw = raw[:amount]
	}
	s := string(raw)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return value.String(s)
}

// Encode turns one scalar element into its word representation. Strings
// produce ceil(len/2) words padded with NUL; use EncodePayload to pad a
// string to a tag's full span.
func Encode(v value.Value, dt model.DataType, wo model.WordOrder) ([]uint16, error) {
	switch dt {
	case model.TypeBool:
		b, err := v.AsBool()
		if err != nil {
			return nil, err
		}
		if b {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case model.TypeInt16:
		i, err := v.AsInt64()
		if err != nil {
			return nil, err
		}
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, &RangeError{Type: dt, Value: v.Render()}
		}
		return []uint16{uint16(int16(i))}, nil
	case model.TypeUint16:
		u, err := v.AsUint64()
		if err != nil {
			return nil, err
		}
		if u > math.MaxUint16 {
			return nil, &RangeError{Type: dt, Value: v.Render()}
		}
		return []uint16{uint16(u)}, nil
	case model.TypeInt32:
		i, err := v.AsInt64()
		if err != nil {
			return nil, err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, &RangeError{Type: dt, Value: v.Render()}
		}
		return splitWords(uint64(uint32(int32(i))), 2, wo), nil
	case model.TypeUint32:
		u, err := v.AsUint64()
		if err != nil {
			return nil, err
		}
		if u > math.MaxUint32 {
			return nil, &RangeError{Type: dt, Value: v.Render()}
		}
		return splitWords(u, 2, wo), nil
	case model.TypeFloat32:
		f, err := v.AsFloat64()
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, &RangeError{Type: dt, Value: v.Render()}
		}
		return splitWords(uint64(math.Float32bits(float32(f))), 2, wo), nil
	case model.TypeInt64:
		i, err := v.AsInt64()
		if err != nil {
			return nil, err
		}
		return splitWords(uint64(i), 4, wo), nil
	case model.TypeUint64:
		u, err := v.AsUint64()
		if err != nil {
			return nil, err
		}
		return splitWords(u, 4, wo), nil
	case model.TypeFloat64:
		f, err := v.AsFloat64()
		if err != nil {
			return nil, err
		}
		return splitWords(math.Float64bits(f), 4, wo), nil
	case model.TypeString:
		s, err := v.AsString()
		if err != nil {
			return nil, err
		}
		return packString(s, len(s)), nil
	default:
		return nil, fmt.Errorf("regcodec: cannot encode data type %q", dt)
	}
}

// EncodePayload encodes a full write payload for a tag-shaped span: scalars
// when amount is 1, element lists otherwise, and strings padded with NUL to
// the span's word count. Element count mismatches are length errors.
func EncodePayload(v value.Value, dt model.DataType, wo model.WordOrder, amount int) ([]uint16, error) {
	if dt == model.TypeString {
		s, err := v.AsString()
		if err != nil {
			return nil, err
		}
		if len(s) > amount {
			return nil, &LengthError{Type: dt, Want: amount, Have: len(s)}
		}
		return packString(s, amount), nil
	}

	items := v.Items()
	if len(items) != amount {
		return nil, &LengthError{Type: dt, Want: amount, Have: len(items)}
	}
	words := make([]uint16, 0, amount*dt.Words())
	for _, item := range items {
		w, err := Encode(item, dt, wo)
		if err != nil {
			return nil, err
		}
		words = append(words, w...)
	}
	return words, nil
}

// packString packs characters two per word, high byte first, NUL-padded to
// cover width characters.
func packString(s string, width int) []uint16 {
	words := make([]uint16, (width+1)/2)
	for i := 0; i < len(s) && i < width; i++ {
		if i%2 == 0 {
			words[i/2] |= uint16(s[i]) << 8
		} else {
			words[i/2] |= uint16(s[i])
		}
	}
	return words
}

// Bit selects bit idx of a register word.
func Bit(word uint16, idx uint8) bool {
	return word&(1<<idx) != 0
}

// MaskForBit builds the AND and OR masks that flip a single bit of a shared
// word via a mask write, leaving sibling bits untouched.
func MaskForBit(idx uint8, set bool) (and, or uint16) {
	and = 0xFFFF ^ (1 << idx)
	if set {
		or = 1 << idx
	}
	return and, or
}

// LengthError reports a word or element count that does not match the type.
type LengthError struct {
	Type model.DataType
	Want int
	Have int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("regcodec: %s length mismatch: want %d, have %d", e.Type, e.Want, e.Have)
}

// RangeError reports a value that does not fit the target register type.
type RangeError struct {
	Type  model.DataType
	Value string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("regcodec: %s out of range for %s", e.Value, e.Type)
}

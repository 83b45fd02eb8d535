package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Value
		equal bool
	}{
		{"null null", Null(), Null(), true},
		{"null vs zero", Null(), Int(0), false},
		{"bool", Bool(true), Bool(true), true},
		{"bool differs", Bool(true), Bool(false), false},
		{"int int", Int(42), Int(42), true},
		{"int float", Int(1), Float(1.0), true},
		{"int uint", Int(7), Uint(7), true},
		{"negative int uint", Int(-1), Uint(math.MaxUint64), false},
		{"float precision", Float(3.14), Float(3.14), true},
		{"nan nan", Float(math.NaN()), Float(math.NaN()), true},
		{"nan number", Float(math.NaN()), Float(1), false},
		{"string", String("run"), String("run"), true},
		{"string case", String("run"), String("Run"), false},
		{"bool vs int", Bool(true), Int(1), false},
		{"list", List(Int(1), Int(2)), List(Int(1), Int(2)), true},
		{"list mixed numerics", List(Int(1)), List(Float(1)), true},
		{"list length", List(Int(1)), List(Int(1), Int(2)), false},
		{"list vs scalar", List(Int(1)), Int(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, tt.a.Equal(tt.b))
			assert.Equal(t, tt.equal, tt.b.Equal(tt.a))
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Value
		want    int
		wantErr bool
	}{
		{"int less", Int(1), Int(2), -1, false},
		{"int greater", Int(3), Int(2), 1, false},
		{"int float equal", Int(2), Float(2.0), 0, false},
		{"float less", Float(21.9), Float(22), -1, false},
		{"negative int below uint", Int(-5), Uint(0), -1, false},
		{"uint above int64 range", Uint(math.MaxUint64), Int(math.MaxInt64), 1, false},
		{"strings", String("abc"), String("abd"), -1, false},
		{"bools", Bool(false), Bool(true), -1, false},
		{"string vs int", String("10"), Int(10), 0, true},
		{"list not ordered", List(Int(1)), List(Int(1)), 0, true},
		{"null not ordered", Null(), Int(0), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Compare(tt.b)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Value
	}{
		{"null", `null`, Null()},
		{"bool", `true`, Bool(true)},
		{"int", `-17`, Int(-17)},
		{"uint beyond int64", `18446744073709551615`, Uint(math.MaxUint64)},
		{"float", `3.14`, Float(3.14)},
		{"exponent", `1e3`, Float(1000)},
		{"string", `"hello"`, String("hello")},
		{"list", `[1, 2.5, "x"]`, List(Int(1), Float(2.5), String("x"))},
		{"nested list", `[[1],[2]]`, List(List(Int(1)), List(Int(2)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromJSON([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FromJSON([]byte(`{"not": "supported"}`))
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	for _, v := range []Value{
		Null(),
		Bool(false),
		Int(-123456),
		Uint(math.MaxUint64),
		Float(2.71828),
		String("mixer speed"),
		List(Int(1), Int(2), Int(3)),
	} {
		b, err := v.MarshalJSON()
		require.NoError(t, err)
		got, err := FromJSON(b)
		require.NoError(t, err)
		assert.True(t, v.Equal(got), "round trip of %s", v.Render())
	}
}

func TestMarshalNonFinite(t *testing.T) {
	b, err := Float(math.NaN()).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	b, err = Float(math.Inf(1)).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestCoercions(t *testing.T) {
	t.Run("bool", func(t *testing.T) {
		b, err := Int(2).AsBool()
		require.NoError(t, err)
		assert.True(t, b)

		b, err = String("false").AsBool()
		require.NoError(t, err)
		assert.False(t, b)

		_, err = List(Bool(true)).AsBool()
		require.Error(t, err)
		assert.IsType(t, &KindError{}, err)
	})

	t.Run("int64", func(t *testing.T) {
		i, err := Float(42.0).AsInt64()
		require.NoError(t, err)
		assert.EqualValues(t, 42, i)

		_, err = Float(3.7).AsInt64()
		require.Error(t, err)
		assert.IsType(t, &RangeError{}, err)

		_, err = Uint(math.MaxUint64).AsInt64()
		require.Error(t, err)
		assert.IsType(t, &RangeError{}, err)

		i, err = String("-9").AsInt64()
		require.NoError(t, err)
		assert.EqualValues(t, -9, i)
	})

	t.Run("uint64", func(t *testing.T) {
		_, err := Int(-1).AsUint64()
		require.Error(t, err)
		assert.IsType(t, &RangeError{}, err)

		u, err := Int(9).AsUint64()
		require.NoError(t, err)
		assert.EqualValues(t, 9, u)
	})

	t.Run("float64", func(t *testing.T) {
		f, err := String("2.5").AsFloat64()
		require.NoError(t, err)
		assert.Equal(t, 2.5, f)

		_, err = Bool(true).AsFloat64()
		require.Error(t, err)
	})

	t.Run("string", func(t *testing.T) {
		s, err := Float(1.5).AsString()
		require.NoError(t, err)
		assert.Equal(t, "1.5", s)

		_, err = Null().AsString()
		require.Error(t, err)
	})
}

func TestItems(t *testing.T) {
	assert.Nil(t, Null().Items())
	assert.Equal(t, []Value{Int(5)}, Int(5).Items())
	assert.Equal(t, []Value{Int(1), Int(2)}, List(Int(1), Int(2)).Items())
}

package types

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// ErrIncompatibleType is returned when a constant cannot be cast to a type.
var ErrIncompatibleType = errors.New("constant cannot be cast to type")

// Constant is an immutable typed value.
type Constant interface {
	Type() Type
	// Size is the number of bytes the value occupies in a page.
	Size() int
	// Bytes is the encoded payload, without any length prefix.
	Bytes() []byte
	Value() any
	Compare(other Constant) int
	Equal(other Constant) bool
	CastTo(t Type) (Constant, error)
	Hash() uint64
	String() string
}

type (
	IntegerConstant int32
	BigIntConstant  int64
	DoubleConstant  float64
	VarcharConstant string
)

// FromBytes decodes a payload written by Constant.Bytes.
func FromBytes(t Type, b []byte) (Constant, error) {
	switch t.kind {
	case KindInteger:
		if len(b) < 4 {
			return nil, fmt.Errorf("integer needs 4 bytes, got %d", len(b))
		}
		return IntegerConstant(int32(binary.LittleEndian.Uint32(b))), nil
	case KindBigInt:
		if len(b) < 8 {
			return nil, fmt.Errorf("bigint needs 8 bytes, got %d", len(b))
		}
		return BigIntConstant(int64(binary.LittleEndian.Uint64(b))), nil
	case KindDouble:
		if len(b) < 8 {
			return nil, fmt.Errorf("double needs 8 bytes, got %d", len(b))
		}
		return DoubleConstant(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	default:
		return VarcharConstant(string(b)), nil
	}
}

// --- INTEGER ---

func (c IntegerConstant) Type() Type     { return Integer }
func (c IntegerConstant) Size() int      { return Integer.MaxSize() }
func (c IntegerConstant) Value() any     { return int32(c) }
func (c IntegerConstant) String() string { return strconv.FormatInt(int64(c), 10) }
func (c IntegerConstant) Hash() uint64   { return xxhash.Sum64(c.Bytes()) }

func (c IntegerConstant) Bytes() []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(c))
}

func (c IntegerConstant) Compare(other Constant) int { return compareConstants(c, other) }
func (c IntegerConstant) Equal(other Constant) bool  { return compareConstants(c, other) == 0 }

func (c IntegerConstant) CastTo(t Type) (Constant, error) { return castNumeric(int64(c), float64(c), t) }

// --- BIGINT ---

func (c BigIntConstant) Type() Type     { return BigInt }
func (c BigIntConstant) Size() int      { return BigInt.MaxSize() }
func (c BigIntConstant) Value() any     { return int64(c) }
func (c BigIntConstant) String() string { return strconv.FormatInt(int64(c), 10) }
func (c BigIntConstant) Hash() uint64   { return xxhash.Sum64(c.Bytes()) }

func (c BigIntConstant) Bytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(c))
}

func (c BigIntConstant) Compare(other Constant) int { return compareConstants(c, other) }
func (c BigIntConstant) Equal(other Constant) bool  { return compareConstants(c, other) == 0 }

func (c BigIntConstant) CastTo(t Type) (Constant, error) { return castNumeric(int64(c), float64(c), t) }

// --- DOUBLE ---

func (c DoubleConstant) Type() Type { return Double }
func (c DoubleConstant) Size() int  { return Double.MaxSize() }
func (c DoubleConstant) Value() any { return float64(c) }
func (c DoubleConstant) Hash() uint64 {
	return xxhash.Sum64(c.Bytes())
}

func (c DoubleConstant) String() string {
	return strconv.FormatFloat(float64(c), 'g', -1, 64)
}

func (c DoubleConstant) Bytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(float64(c)))
}

func (c DoubleConstant) Compare(other Constant) int { return compareConstants(c, other) }
func (c DoubleConstant) Equal(other Constant) bool  { return compareConstants(c, other) == 0 }

func (c DoubleConstant) CastTo(t Type) (Constant, error) {
	return castNumeric(int64(c), float64(c), t)
}

// --- VARCHAR ---

func (c VarcharConstant) Type() Type     { return Varchar(utf8.RuneCountInString(string(c))) }
func (c VarcharConstant) Size() int      { return lengthPrefixSize + len(c) }
func (c VarcharConstant) Bytes() []byte  { return []byte(c) }
func (c VarcharConstant) Value() any     { return string(c) }
func (c VarcharConstant) String() string { return string(c) }
func (c VarcharConstant) Hash() uint64   { return xxhash.Sum64String(string(c)) }

func (c VarcharConstant) Compare(other Constant) int { return compareConstants(c, other) }
func (c VarcharConstant) Equal(other Constant) bool  { return compareConstants(c, other) == 0 }

func (c VarcharConstant) CastTo(t Type) (Constant, error) {
	switch t.kind {
	case KindVarchar:
		return c, nil
	case KindInteger:
		v, err := strconv.ParseInt(strings.TrimSpace(string(c)), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q to %s", ErrIncompatibleType, string(c), t)
		}
		return IntegerConstant(v), nil
	case KindBigInt:
		v, err := strconv.ParseInt(strings.TrimSpace(string(c)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q to %s", ErrIncompatibleType, string(c), t)
		}
		return BigIntConstant(v), nil
	default:
		v, err := strconv.ParseFloat(strings.TrimSpace(string(c)), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q to %s", ErrIncompatibleType, string(c), t)
		}
		return DoubleConstant(v), nil
	}
}

func castNumeric(i int64, f float64, t Type) (Constant, error) {
	switch t.kind {
	case KindInteger:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d overflows %s", ErrIncompatibleType, i, t)
		}
		return IntegerConstant(i), nil
	case KindBigInt:
		return BigIntConstant(i), nil
	case KindDouble:
		return DoubleConstant(f), nil
	default:
		if f != math.Trunc(f) {
			return VarcharConstant(strconv.FormatFloat(f, 'g', -1, 64)), nil
		}
		return VarcharConstant(strconv.FormatInt(i, 10)), nil
	}
}

// compareConstants orders numeric constants by value across numeric kinds.
// Numeric constants sort before VARCHAR constants.
func compareConstants(a, b Constant) int {
	ak, bk := a.Type().kind, b.Type().kind
	if ak == KindVarchar || bk == KindVarchar {
		if ak != bk {
			if ak == KindVarchar {
				return 1
			}
			return -1
		}
		return strings.Compare(a.Value().(string), b.Value().(string))
	}
	if ak == KindDouble || bk == KindDouble {
		return cmp.Compare(asFloat(a), asFloat(b))
	}
	return cmp.Compare(asInt(a), asInt(b))
}

func asInt(c Constant) int64 {
	switch v := c.(type) {
	case IntegerConstant:
		return int64(v)
	case BigIntConstant:
		return int64(v)
	case DoubleConstant:
		return int64(v)
	}
	return 0
}

func asFloat(c Constant) float64 {
	switch v := c.(type) {
	case IntegerConstant:
		return float64(v)
	case BigIntConstant:
		return float64(v)
	case DoubleConstant:
		return float64(v)
	}
	return 0
}

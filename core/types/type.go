// Package types defines the field types and constant values stored in
// pages, log records, records and index entries.
package types

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// Kind enumerates the supported field kinds.
type Kind int

const (
	KindInteger Kind = iota
	KindBigInt
	KindDouble
	KindVarchar
)

// SQL type codes. They are stored in the catalog and used as the op code of
// set-value log records.
const (
	SQLInteger int32 = 4
	SQLBigInt  int32 = -5
	SQLDouble  int32 = 8
	SQLVarchar int32 = 12
)

// lengthPrefixSize is the width of the length prefix in front of a VARCHAR.
const lengthPrefixSize = 4

// Type is a field type. The zero value is INTEGER.
type Type struct {
	kind Kind
	arg  int
}

var (
	Integer = Type{kind: KindInteger}
	BigInt  = Type{kind: KindBigInt}
	Double  = Type{kind: KindDouble}
)

// Varchar returns the VARCHAR(n) type.
func Varchar(n int) Type { return Type{kind: KindVarchar, arg: n} }

// NewType rebuilds a type from its SQL type code and argument.
func NewType(sqlType int32, arg int) (Type, error) {
	switch sqlType {
	case SQLInteger:
		return Integer, nil
	case SQLBigInt:
		return BigInt, nil
	case SQLDouble:
		return Double, nil
	case SQLVarchar:
		return Varchar(arg), nil
	}
	return Type{}, fmt.Errorf("unsupported sql type %d", sqlType)
}

func (t Type) Kind() Kind { return t.kind }

// Argument is n for VARCHAR(n) and 0 otherwise.
func (t Type) Argument() int { return t.arg }

func (t Type) SQLType() int32 {
	switch t.kind {
	case KindBigInt:
		return SQLBigInt
	case KindDouble:
		return SQLDouble
	case KindVarchar:
		return SQLVarchar
	default:
		return SQLInteger
	}
}

func (t Type) IsFixedSize() bool { return t.kind != KindVarchar }

func (t Type) IsNumeric() bool { return t.kind != KindVarchar }

// MaxSize is the number of bytes a value of this type may occupy in a page,
// including the length prefix of variable-size values.
func (t Type) MaxSize() int {
	switch t.kind {
	case KindInteger:
		return 4
	case KindBigInt, KindDouble:
		return 8
	default:
		return lengthPrefixSize + t.arg*utf8.UTFMax
	}
}

func (t Type) DefaultValue() Constant {
	switch t.kind {
	case KindBigInt:
		return BigIntConstant(0)
	case KindDouble:
		return DoubleConstant(0)
	case KindVarchar:
		return VarcharConstant("")
	default:
		return IntegerConstant(0)
	}
}

// MinValue is the smallest constant of the type. It is used as the key of
// the first entry of a B-tree root.
func (t Type) MinValue() Constant {
	switch t.kind {
	case KindBigInt:
		return BigIntConstant(math.MinInt64)
	case KindDouble:
		return DoubleConstant(math.Inf(-1))
	case KindVarchar:
		return VarcharConstant("")
	default:
		return IntegerConstant(math.MinInt32)
	}
}

func (t Type) String() string {
	switch t.kind {
	case KindBigInt:
		return "BIGINT"
	case KindDouble:
		return "DOUBLE"
	case KindVarchar:
		return fmt.Sprintf("VARCHAR(%d)", t.arg)
	default:
		return "INTEGER"
	}
}

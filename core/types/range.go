package types

import "fmt"

// Range is a span of constants. A nil bound means the side is unbounded.
type Range struct {
	low, high         Constant
	lowIncl, highIncl bool
}

// NewRange builds a range from optional bounds.
func NewRange(low Constant, lowIncl bool, high Constant, highIncl bool) Range {
	return Range{low: low, high: high, lowIncl: lowIncl, highIncl: highIncl}
}

// NewEqualityRange is the range holding exactly c.
func NewEqualityRange(c Constant) Range {
	return Range{low: c, high: c, lowIncl: true, highIncl: true}
}

// FullRange holds every constant.
func FullRange() Range { return Range{} }

func (r Range) Low() Constant        { return r.low }
func (r Range) High() Constant       { return r.high }
func (r Range) HasLowerBound() bool  { return r.low != nil }
func (r Range) HasUpperBound() bool  { return r.high != nil }
func (r Range) IsLowInclusive() bool { return r.lowIncl }

// IsValid reports whether the range can hold any constant.
func (r Range) IsValid() bool {
	if r.low == nil || r.high == nil {
		return true
	}
	c := r.low.Compare(r.high)
	return c < 0 || (c == 0 && r.lowIncl && r.highIncl)
}

// IsEquality reports whether the range holds a single constant.
func (r Range) IsEquality() bool {
	return r.low != nil && r.high != nil && r.lowIncl && r.highIncl && r.low.Equal(r.high)
}

// Contains reports whether c lies within both bounds.
func (r Range) Contains(c Constant) bool {
	if r.low != nil {
		cmp := c.Compare(r.low)
		if cmp < 0 || (cmp == 0 && !r.lowIncl) {
			return false
		}
	}
	return !r.Exceeds(c)
}

// Exceeds reports whether c lies above the upper bound. Keys are scanned in
// ascending order, so a scan may stop at the first key that exceeds the range.
func (r Range) Exceeds(c Constant) bool {
	if r.high == nil {
		return false
	}
	cmp := c.Compare(r.high)
	return cmp > 0 || (cmp == 0 && !r.highIncl)
}

func (r Range) String() string {
	lo, hi := "(-inf", "+inf)"
	if r.low != nil {
		lo = "(" + r.low.String()
		if r.lowIncl {
			lo = "[" + r.low.String()
		}
	}
	if r.high != nil {
		hi = r.high.String() + ")"
		if r.highIncl {
			hi = r.high.String() + "]"
		}
	}
	return fmt.Sprintf("%s, %s", lo, hi)
}

package types

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
)

// Quote records how a value was quoted in the raw record. Values decoded
// from hex strings keep QuoteDouble so they re-serialize as strings.
type Quote int

const (
	QuoteNone Quote = iota
	QuoteSingle
	QuoteDouble
	QuoteBraces
)

// NumberKind selects the textual form a number was parsed from. Decimal
// numbers serialize as JSON numbers; hex and octal keep their prefix form
// so the original base remains visible.
type NumberKind int

const (
	NumDec NumberKind = iota
	NumHex
	NumOct
)

type Number struct {
	Kind NumberKind
	Val  int64
}

func (n Number) String() string {
	switch n.Kind {
	case NumHex:
		return fmt.Sprintf("0x%x", uint64(n.Val))
	case NumOct:
		return fmt.Sprintf("0o%o", uint64(n.Val))
	default:
		return fmt.Sprintf("%d", n.Val)
	}
}

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	ValEmpty ValueKind = iota
	ValStr
	ValSegments // EXECVE a<N>[i] fragments, concatenated on demand
	ValList     // EXECVE ARGV
	ValStringifiedList
	ValMap // nested { k=v ... } group (SOCKADDR, CAP) or ENV
	ValNumber
	ValSkipped // elision marker inside ARGV
	ValLiteral
)

// MapPair is one entry of a nested mapping. Values inside a map may be of
// any kind, including literals and lists.
type MapPair struct {
	Key string
	Val Value
}

// Value is a tagged variant. Exactly the fields implied by Kind are set.
// The raw byte form is retained so pass-through without translation
// reproduces the original bytes.
type Value struct {
	Kind    ValueKind
	Bytes   []byte
	Quote   Quote
	Segs    [][]byte
	List    []Value
	Map     []MapPair
	Num     Number
	SkipCnt int
	SkipLen int
	Lit     string
}

func EmptyValue() Value            { return Value{Kind: ValEmpty} }
func StrValue(b []byte, q Quote) Value {
	return Value{Kind: ValStr, Bytes: b, Quote: q}
}
func NumValue(kind NumberKind, v int64) Value {
	return Value{Kind: ValNumber, Num: Number{Kind: kind, Val: v}}
}
func LiteralValue(s string) Value { return Value{Kind: ValLiteral, Lit: s} }

// Flat returns the byte-string form of a scalar value: the payload for
// strings, the concatenation for segments, the textual form for numbers
// and literals. Lists and maps have no flat form.
func (v Value) Flat() ([]byte, bool) {
	switch v.Kind {
	case ValStr:
		return v.Bytes, true
	case ValSegments:
		n := 0
		for _, s := range v.Segs {
			n += len(s)
		}
		out := make([]byte, 0, n)
		for _, s := range v.Segs {
			out = append(out, s...)
		}
		return out, true
	case ValNumber:
		return []byte(v.Num.String()), true
	case ValLiteral:
		return []byte(v.Lit), true
	case ValEmpty:
		return nil, true
	}
	return nil, false
}

// Equal reports bit-identity of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValStr:
		return v.Quote == o.Quote && bytes.Equal(v.Bytes, o.Bytes)
	case ValSegments:
		if len(v.Segs) != len(o.Segs) {
			return false
		}
		for i := range v.Segs {
			if !bytes.Equal(v.Segs[i], o.Segs[i]) {
				return false
			}
		}
		return true
	case ValList, ValStringifiedList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case ValMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for i := range v.Map {
			if v.Map[i].Key != o.Map[i].Key || !v.Map[i].Val.Equal(o.Map[i].Val) {
				return false
			}
		}
		return true
	case ValNumber:
		return v.Num == o.Num
	case ValSkipped:
		return v.SkipCnt == o.SkipCnt && v.SkipLen == o.SkipLen
	case ValLiteral:
		return v.Lit == o.Lit
	}
	return true
}

// QuotedString renders a byte-string for JSON output: printable ASCII as-is,
// everything else percent-escaped, matching the audit log convention of
// keeping event documents grep-able.
func QuotedString(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f && c != '%' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02x", c)
		}
	}
	return sb.String()
}

// IsHexString reports whether b consists entirely of an even number of hex
// digits. Audit emits byte-strings containing spaces or control characters
// in this form.
func IsHexString(b []byte) bool {
	if len(b) == 0 || len(b)%2 != 0 {
		return false
	}
	for _, c := range b {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// PrintableASCII reports whether b is entirely printable ASCII.
func PrintableASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > unicode.MaxASCII-1 {
			return false
		}
	}
	return true
}

// Package tag implements the gateway's process-value model and the
// concurrent tag registry with its driver-address index.
package tag

import (
	"fmt"
	"time"
)

// Kind identifies which member of a Variant is active.
type Kind int

const (
	KindNull Kind = iota // No value yet (before the first successful read)
	KindInt
	KindFloat
	KindBool
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindBool:
		return "Bool"
	case KindText:
		return "Text"
	default:
		return "Unknown"
	}
}

// Variant is a closed tagged union over the value types a tag can carry.
// The zero Variant is Null.
type Variant struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

// IntVariant returns an integer variant.
func IntVariant(v int64) Variant { return Variant{kind: KindInt, i: v} }

// FloatVariant returns a float variant.
func FloatVariant(v float64) Variant { return Variant{kind: KindFloat, f: v} }

// BoolVariant returns a boolean variant.
func BoolVariant(v bool) Variant { return Variant{kind: KindBool, b: v} }

// TextVariant returns a text variant.
func TextVariant(v string) Variant { return Variant{kind: KindText, s: v} }

// Kind returns the active member of the union.
func (v Variant) Kind() Kind { return v.kind }

// IsNull reports whether the variant carries no value.
func (v Variant) IsNull() bool { return v.kind == KindNull }

// Int returns the integer member. The second result is false if the
// variant is not an integer.
func (v Variant) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns the float member.
func (v Variant) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// Bool returns the boolean member.
func (v Variant) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Text returns the text member.
func (v Variant) Text() (string, bool) { return v.s, v.kind == KindText }

// Interface returns the active member as an untyped value, or nil for Null.
// Used by the historian sinks when serializing.
func (v Variant) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindText:
		return v.s
	default:
		return nil
	}
}

// Equal reports whether two variants have the same kind and member value.
func (v Variant) Equal(o Variant) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindText:
		return v.s == o.s
	default:
		return true // Both Null
	}
}

func (v Variant) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindText:
		return v.s
	default:
		return "null"
	}
}

// Quality is the freshness/validity flag on a tag's value.
type Quality int

const (
	QualityGood Quality = iota
	QualityBad
	QualityUncertain
	QualityStale
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityBad:
		return "Bad"
	case QualityUncertain:
		return "Uncertain"
	case QualityStale:
		return "Stale"
	default:
		return "Unknown"
	}
}

// Value is a tag's current value, quality, and the time it was recorded.
type Value struct {
	Variant   Variant
	Quality   Quality
	Timestamp time.Time
}

// NewValue returns a Value stamped with the current time.
func NewValue(v Variant, q Quality) Value {
	return Value{Variant: v, Quality: q, Timestamp: time.Now()}
}

// BadValue returns a null-variant Value with the given (non-good) quality,
// stamped with the current time.
func BadValue(q Quality) Value {
	return Value{Quality: q, Timestamp: time.Now()}
}

// Attribute is one descriptive metadata entry. Metadata order is preserved.
type Attribute struct {
	Key   string
	Value string
}

// Tag is a named, addressable process variable. Path, DriverID, and
// DriverAddress are fixed at registration.
type Tag struct {
	Path          string
	DriverID      string
	DriverAddress string // Driver-native identifier, opaque to the core
	PollRate      time.Duration
	Metadata      []Attribute
	Value         Value
}

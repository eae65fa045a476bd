package plc

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValueKind discriminates the two value shapes a signal can carry.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindNumber
)

// Value is a typed signal value. Bit signals carry Bool, everything else
// carries Number (bytes and words as integers, REAL double-words as floats).
type Value struct {
	Kind   ValueKind
	Bool   bool
	Number float64
}

// BoolValue wraps a boolean.
func BoolValue(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// NumberValue wraps a number.
func NumberValue(f float64) Value {
	return Value{Kind: KindNumber, Number: f}
}

// AsBool coerces the value to boolean. Numbers are true when non-zero.
func (v Value) AsBool() bool {
	if v.Kind == KindBool {
		return v.Bool
	}
	return v.Number != 0
}

// AsNumber coerces the value to a number. Booleans become 0 or 1.
func (v Value) AsNumber() float64 {
	if v.Kind == KindBool {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.Number
}

// floatTolerance absorbs float32 round-tripping through controller memory:
// a setpoint of 1.95 comes back as the nearest representable float32.
const floatTolerance = 1e-4

// Equal reports whether two values are equal for verification purposes.
// Numeric comparison tolerates float32 quantization.
func (v Value) Equal(other Value) bool {
	if v.Kind == KindBool || other.Kind == KindBool {
		return v.AsBool() == other.AsBool()
	}
	a, b := v.Number, other.Number
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= floatTolerance*scale
}

func (v Value) String() string {
	if v.Kind == KindBool {
		return fmt.Sprintf("%t", v.Bool)
	}
	return fmt.Sprintf("%g", v.Number)
}

// MarshalJSON encodes booleans as JSON booleans and numbers as JSON numbers,
// matching the payload shape the chamber UI consumes.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindBool {
		return json.Marshal(v.Bool)
	}
	return json.Marshal(v.Number)
}

// UnmarshalJSON accepts a JSON boolean or number.
func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = NumberValue(f)
		return nil
	}
	return fmt.Errorf("value must be a boolean or a number, got %s", string(data))
}

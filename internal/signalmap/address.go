// Package signalmap maintains the symbolic-name to controller-address
// registry. Address tokens (e.g. "VD504", "M1.4", "AIW16") are parsed once,
// at load time, into typed descriptors; nothing on the read/write path ever
// looks at the textual form again.
package signalmap

import (
	"fmt"
	"strconv"
	"strings"
)

// MemoryArea identifies the logical controller memory area of an address.
type MemoryArea uint8

const (
	AreaInput    MemoryArea = iota // discrete/analog inputs (I, AI)
	AreaOutput                     // discrete/analog outputs (Q, AQ)
	AreaMemory                     // marker flags (M)
	AreaVariable                   // variable memory (V)
)

func (a MemoryArea) String() string {
	switch a {
	case AreaInput:
		return "input"
	case AreaOutput:
		return "output"
	case AreaMemory:
		return "memory"
	case AreaVariable:
		return "variable"
	default:
		return fmt.Sprintf("area(%d)", uint8(a))
	}
}

// Region is the physical region addressed on the transport. Marker flags and
// variable memory live in the same region on this controller family, so M1.4
// and V1.4 name the same physical bit.
type Region uint8

const (
	RegionInput Region = iota
	RegionOutput
	RegionV
)

func (r Region) String() string {
	switch r {
	case RegionInput:
		return "PE"
	case RegionOutput:
		return "PA"
	case RegionV:
		return "V"
	default:
		return fmt.Sprintf("region(%d)", uint8(r))
	}
}

// Region maps the logical area onto the transport region.
func (a MemoryArea) Region() Region {
	switch a {
	case AreaInput:
		return RegionInput
	case AreaOutput:
		return RegionOutput
	default:
		return RegionV
	}
}

// DataWidth is the width of the value at an address.
type DataWidth uint8

const (
	WidthBit DataWidth = iota
	WidthByte
	WidthWord
	WidthDoubleWord
)

func (w DataWidth) String() string {
	switch w {
	case WidthBit:
		return "bit"
	case WidthByte:
		return "byte"
	case WidthWord:
		return "word"
	case WidthDoubleWord:
		return "dword"
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// ByteLength returns the number of bytes read or written for this width.
// Bit accesses fetch the containing byte.
func (w DataWidth) ByteLength() int {
	switch w {
	case WidthWord:
		return 2
	case WidthDoubleWord:
		return 4
	default:
		return 1
	}
}

// Range is an inclusive numeric domain constraint on a signal.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// AddressDescriptor is the resolved form of one symbolic signal. It is
// immutable once built; registry generations share descriptors freely.
type AddressDescriptor struct {
	Category   string
	Name       string
	Area       MemoryArea
	Width      DataWidth
	ByteOffset int
	BitOffset  uint8 // meaningful only for WidthBit
	RawToken   string
	Comment    string
	Domain     *Range // nil when the signal declares no domain constraint
}

// Key returns the registry lookup key for the descriptor.
func (d *AddressDescriptor) Key() string {
	return d.Category + "." + d.Name
}

func (d *AddressDescriptor) String() string {
	return fmt.Sprintf("%s.%s=%s", d.Category, d.Name, d.RawToken)
}

// MalformedAddressError reports a token that could not be parsed
// unambiguously. It names the offending signal so a failed load is
// actionable from the log line alone.
type MalformedAddressError struct {
	Category string
	Name     string
	Token    string
	Reason   string
}

func (e *MalformedAddressError) Error() string {
	return fmt.Sprintf("malformed address %q for %s.%s: %s", e.Token, e.Category, e.Name, e.Reason)
}

// ParseToken parses a textual address token into its area, width and offsets.
// Grammar: area letter or pair (I, Q, M, V, AI, AQ), optional width letter
// (X, B, W, D), decimal byte offset, and for bit addresses a "." followed by
// a bit index 0-7. A token without a width letter is a bit address only when
// it carries a bit index; otherwise it is rejected as ambiguous.
func ParseToken(token string) (*AddressDescriptor, error) {
	tok := strings.ToUpper(strings.TrimSpace(token))
	if tok == "" {
		return nil, fmt.Errorf("empty token")
	}

	var area MemoryArea
	rest := tok
	switch {
	case strings.HasPrefix(tok, "AI"):
		area, rest = AreaInput, tok[2:]
	case strings.HasPrefix(tok, "AQ"):
		area, rest = AreaOutput, tok[2:]
	case strings.HasPrefix(tok, "I"):
		area, rest = AreaInput, tok[1:]
	case strings.HasPrefix(tok, "Q"):
		area, rest = AreaOutput, tok[1:]
	case strings.HasPrefix(tok, "M"):
		area, rest = AreaMemory, tok[1:]
	case strings.HasPrefix(tok, "V"):
		area, rest = AreaVariable, tok[1:]
	default:
		return nil, fmt.Errorf("unknown area letter")
	}
	if rest == "" {
		return nil, fmt.Errorf("missing offset")
	}

	width := DataWidth(0)
	explicitWidth := false
	switch rest[0] {
	case 'X':
		width, explicitWidth = WidthBit, true
		rest = rest[1:]
	case 'B':
		width, explicitWidth = WidthByte, true
		rest = rest[1:]
	case 'W':
		width, explicitWidth = WidthWord, true
		rest = rest[1:]
	case 'D':
		width, explicitWidth = WidthDoubleWord, true
		rest = rest[1:]
	}

	offsetPart := rest
	bitPart := ""
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		offsetPart, bitPart = rest[:i], rest[i+1:]
	}

	byteOffset, err := strconv.Atoi(offsetPart)
	if err != nil || byteOffset < 0 {
		return nil, fmt.Errorf("invalid byte offset %q", offsetPart)
	}

	if bitPart != "" {
		if explicitWidth && width != WidthBit {
			return nil, fmt.Errorf("bit index on %s-width token", width)
		}
		bit, err := strconv.Atoi(bitPart)
		if err != nil || bit < 0 || bit > 7 {
			return nil, fmt.Errorf("bit index %q out of range 0-7", bitPart)
		}
		return &AddressDescriptor{
			Area:       area,
			Width:      WidthBit,
			ByteOffset: byteOffset,
			BitOffset:  uint8(bit),
			RawToken:   tok,
		}, nil
	}

	if !explicitWidth {
		return nil, fmt.Errorf("cannot determine width: no width letter and no bit index")
	}
	if width == WidthBit {
		return nil, fmt.Errorf("bit-width token missing bit index")
	}

	return &AddressDescriptor{
		Area:       area,
		Width:      width,
		ByteOffset: byteOffset,
		RawToken:   tok,
	}, nil
}

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies how the words of a register block are interpreted.
// The string form doubles as the "format" keyword of register map documents.
type Kind string

const (
	KindRaw     Kind = "hex"     // raw bytes, rendered as lowercase hex
	KindText    Kind = "string"  // two ASCII characters per word
	KindInteger Kind = "integer" // big-endian, at most 2 words
	KindFloat   Kind = "float"   // fixed point integer scaled by 2^precision
	KindFlags   Kind = "flags"   // named bits of a 32-bit integer
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindRaw, KindText, KindInteger, KindFloat, KindFlags:
		return true
	}
	return false
}

// Payload is the decoded content of a register block. The set of payload
// types is closed: Raw, Text, Integer, Float and Flags.
type Payload interface {
	Kind() Kind
	String() string
	payload()
}

// Raw is an uninterpreted register block, two bytes per word (high byte first).
type Raw []byte

// Text is an ASCII string packed two characters per word.
type Text string

// Integer is a signed value built from one or two words.
type Integer int32

// Float is a fixed point value.
type Float float32

// Flag is one named bit of a Flags payload.
type Flag struct {
	Set  bool
	Name string
}

// Flags lists every declared flag, in declaration order, with its state.
type Flags []Flag

func (Raw) Kind() Kind     { return KindRaw }
func (Text) Kind() Kind    { return KindText }
func (Integer) Kind() Kind { return KindInteger }
func (Float) Kind() Kind   { return KindFloat }
func (Flags) Kind() Kind   { return KindFlags }

func (Raw) payload()     {}
func (Text) payload()    {}
func (Integer) payload() {}
func (Float) payload()   {}
func (Flags) payload()   {}

func (r Raw) String() string {
	const digits = "0123456789abcdef"
	var sb strings.Builder
	sb.Grow(len(r) * 2)
	for _, b := range r {
		sb.WriteByte(digits[b>>4])
		sb.WriteByte(digits[b&0x0f])
	}
	return sb.String()
}

func (t Text) String() string { return string(t) }

func (i Integer) String() string { return strconv.FormatInt(int64(i), 10) }

func (f Float) String() string { return fmt.Sprintf("%.2f", float32(f)) }

// String renders one line per flag, marking set flags with an asterisk.
func (f Flags) String() string {
	lines := make([]string, 0, len(f))
	for _, flag := range f {
		if flag.Set {
			lines = append(lines, "*[1] "+flag.Name)
		} else {
			lines = append(lines, " [0] "+flag.Name)
		}
	}
	return strings.Join(lines, "\n")
}

// MarshalJSON encodes a flag as a [set, name] tuple.
func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.Set, f.Name})
}

// UnmarshalJSON decodes a [set, name] tuple.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("%w: flag must be a [set, name] pair", ErrInvalidDataLength)
	}
	if err := json.Unmarshal(tuple[0], &f.Set); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &f.Name)
}

// RegisterValue is one decoded reading of a register block.
// Values are immutable once constructed by Decode or DecodeRaw.
type RegisterValue struct {
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the kind of the live payload.
func (v RegisterValue) Kind() Kind {
	if v.Payload == nil {
		return KindRaw
	}
	return v.Payload.Kind()
}

// String returns the human readable rendering of the payload.
func (v RegisterValue) String() string {
	if v.Payload == nil {
		return ""
	}
	return v.Payload.String()
}

// Equal reports whether both values carry the same payload. Timestamps are ignored.
func (v RegisterValue) Equal(other RegisterValue) bool {
	switch a := v.Payload.(type) {
	case Raw:
		b, ok := other.Payload.(Raw)
		return ok && bytes.Equal(a, b)
	case Flags:
		b, ok := other.Payload.(Flags)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	case nil:
		return other.Payload == nil
	default:
		return v.Payload == other.Payload
	}
}

// Clone returns a deep copy of v.
func (v RegisterValue) Clone() RegisterValue {
	switch p := v.Payload.(type) {
	case Raw:
		v.Payload = append(Raw(nil), p...)
	case Flags:
		v.Payload = append(Flags(nil), p...)
	}
	return v
}

type valueDocument struct {
	Kind      Kind            `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind", "timestamp", "value"}.
// Raw payloads are encoded as an array of byte values.
func (v RegisterValue) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch p := v.Payload.(type) {
	case Raw:
		ints := make([]int, len(p))
		for i, b := range p {
			ints[i] = int(b)
		}
		value = ints
	case Text:
		value = string(p)
	case Integer:
		value = int32(p)
	case Float:
		value = float32(p)
	case Flags:
		if p == nil {
			p = Flags{}
		}
		value = []Flag(p)
	case nil:
		value = []int{}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueDocument{
		Kind:      v.Kind(),
		Timestamp: v.Timestamp.Unix(),
		Value:     raw,
	})
}

// UnmarshalJSON restores a value produced by MarshalJSON.
func (v *RegisterValue) UnmarshalJSON(data []byte) error {
	var doc valueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	switch doc.Kind {
	case KindRaw:
		var ints []int
		if err := json.Unmarshal(doc.Value, &ints); err != nil {
			return err
		}
		raw := make(Raw, len(ints))
		for i, n := range ints {
			if n < 0 || n > 0xff {
				return fmt.Errorf("%w: byte %d out of range", ErrValueOutOfRange, n)
			}
			raw[i] = byte(n)
		}
		v.Payload = raw
	case KindText:
		var s string
		if err := json.Unmarshal(doc.Value, &s); err != nil {
			return err
		}
		v.Payload = Text(s)
	case KindInteger:
		var n int32
		if err := json.Unmarshal(doc.Value, &n); err != nil {
			return err
		}
		v.Payload = Integer(n)
	case KindFloat:
		var f float32
		if err := json.Unmarshal(doc.Value, &f); err != nil {
			return err
		}
		v.Payload = Float(f)
	case KindFlags:
		var flags []Flag
		if err := json.Unmarshal(doc.Value, &flags); err != nil {
			return err
		}
		v.Payload = Flags(flags)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, doc.Kind)
	}

	v.Timestamp = time.Unix(doc.Timestamp, 0)
	return nil
}

// DecodeRaw builds a Raw value from words without consulting a descriptor.
func DecodeRaw(words []uint16, ts time.Time) RegisterValue {
	return RegisterValue{Timestamp: ts, Payload: decodeRaw(words)}
}

// Decode interprets words according to desc. A nil descriptor decodes as Raw.
// Integer, Float and Flags formats fail with ErrValueOutOfRange when more
// than two words are supplied.
func Decode(words []uint16, desc *RegisterDescriptor, ts time.Time) (RegisterValue, error) {
	if desc == nil {
		return DecodeRaw(words, ts), nil
	}

	var p Payload
	switch desc.Format {
	case KindRaw, "":
		p = decodeRaw(words)
	case KindText:
		p = decodeText(words)
	case KindInteger:
		n, err := wordsToUint32(words)
		if err != nil {
			return RegisterValue{}, err
		}
		p = Integer(int32(n))
	case KindFloat:
		n, err := wordsToUint32(words)
		if err != nil {
			return RegisterValue{}, err
		}
		p = Float(float32(int32(n)) / float32(math.Exp2(float64(desc.Precision))))
	case KindFlags:
		n, err := wordsToUint32(words)
		if err != nil {
			return RegisterValue{}, err
		}
		flags := make(Flags, 0, len(desc.Flags))
		for _, fd := range desc.Flags {
			flags = append(flags, Flag{Set: (n>>fd.Bit)&1 == 1, Name: fd.Name})
		}
		p = flags
	default:
		return RegisterValue{}, fmt.Errorf("%w: %q", ErrInvalidFormat, desc.Format)
	}

	return RegisterValue{Timestamp: ts, Payload: p}, nil
}

func decodeRaw(words []uint16) Raw {
	raw := make(Raw, 0, len(words)*2)
	for _, w := range words {
		raw = append(raw, byte(w>>8), byte(w))
	}
	return raw
}

// decodeText reads bytes as Latin-1 so that the result is always valid UTF-8
// (erased flash reads back as 0xff).
func decodeText(words []uint16) Text {
	var sb strings.Builder
	for _, w := range words {
		hi, lo := byte(w>>8), byte(w)
		if hi == 0 {
			break
		}
		sb.WriteRune(rune(hi))
		if lo == 0 {
			break
		}
		sb.WriteRune(rune(lo))
	}
	return Text(sb.String())
}

// wordsToUint32 accumulates up to two big-endian words.
func wordsToUint32(words []uint16) (uint32, error) {
	if len(words) > 2 {
		return 0, fmt.Errorf("%w: %d words", ErrValueOutOfRange, len(words))
	}
	var n uint32
	for _, w := range words {
		n = n<<16 | uint32(w)
	}
	return n, nil
}

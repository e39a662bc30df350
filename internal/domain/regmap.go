package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultKeep is the history depth used when a descriptor does not set one.
const DefaultKeep = 1

// RunOnce is the special handler period meaning "fire a single time".
const RunOnce = -1

// FlagDescriptor names one bit of a flags register.
type FlagDescriptor struct {
	// Bit is the bit position within the 32-bit value (0-31)
	Bit uint8

	// Name is the label rendered for this bit
	Name string
}

// MarshalJSON encodes the descriptor as a [bit, name] tuple.
func (f FlagDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.Bit, f.Name})
}

// RegisterDescriptor describes one contiguous block of holding registers.
type RegisterDescriptor struct {
	// Begin is the first register address and the descriptor's key within a map
	Begin uint16 `json:"begin"`

	// Length is the number of 16-bit words in the block
	Length uint16 `json:"length"`

	// Name is a human readable label
	Name string `json:"name"`

	// Keep is how many historical readings are retained
	Keep int `json:"keep"`

	// ChangesOnly drops readings equal to the most recent retained one
	ChangesOnly bool `json:"changes_only"`

	// Format selects how the words are decoded
	Format Kind `json:"format"`

	// Precision is the binary fixed point exponent for float registers
	Precision uint8 `json:"precision,omitempty"`

	// Flags lists the named bits for flags registers, in display order
	Flags []FlagDescriptor `json:"flags,omitempty"`
}

// MarshalJSON emits precision only for float registers and flags only for flags registers.
func (d RegisterDescriptor) MarshalJSON() ([]byte, error) {
	doc := struct {
		Begin       uint16           `json:"begin"`
		Length      uint16           `json:"length"`
		Name        string           `json:"name"`
		Keep        int              `json:"keep"`
		ChangesOnly bool             `json:"changes_only"`
		Format      Kind             `json:"format"`
		Precision   *uint8           `json:"precision,omitempty"`
		Flags       []FlagDescriptor `json:"flags,omitempty"`
	}{
		Begin:       d.Begin,
		Length:      d.Length,
		Name:        d.Name,
		Keep:        d.Keep,
		ChangesOnly: d.ChangesOnly,
		Format:      d.Format,
	}
	switch d.Format {
	case KindFloat:
		doc.Precision = &d.Precision
	case KindFlags:
		doc.Flags = d.Flags
	}
	return json.Marshal(doc)
}

// Validate checks the descriptor invariants. Missing defaults are filled in.
func (d *RegisterDescriptor) Validate() error {
	if d.Length == 0 {
		return fmt.Errorf("register %q at 0x%04x: %w", d.Name, d.Begin, ErrInvalidLength)
	}
	if d.Keep == 0 {
		d.Keep = DefaultKeep
	}
	if d.Keep < 1 {
		return fmt.Errorf("register %q at 0x%04x: %w", d.Name, d.Begin, ErrInvalidKeep)
	}
	if d.Format == "" {
		d.Format = KindRaw
	}
	if !d.Format.IsValid() {
		return fmt.Errorf("register %q at 0x%04x: %w: %q", d.Name, d.Begin, ErrInvalidFormat, d.Format)
	}

	switch d.Format {
	case KindFloat:
		if d.Precision > 31 {
			return fmt.Errorf("register %q at 0x%04x: %w", d.Name, d.Begin, ErrInvalidPrecision)
		}
	case KindFlags:
		if len(d.Flags) == 0 {
			return fmt.Errorf("register %q at 0x%04x: %w: flags", d.Name, d.Begin, ErrMissingField)
		}
		for _, f := range d.Flags {
			if f.Bit > 31 {
				return fmt.Errorf("register %q at 0x%04x: %w: bit %d", d.Name, d.Begin, ErrInvalidFlagBit, f.Bit)
			}
		}
	}

	return nil
}

// AddrRange is an inclusive range of bus addresses.
type AddrRange struct {
	Min uint8
	Max uint8
}

// Contains reports whether addr lies within the range.
func (r AddrRange) Contains(addr uint8) bool {
	return addr >= r.Min && addr <= r.Max
}

// MarshalJSON encodes the range as a [min, max] pair.
func (r AddrRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]int{int(r.Min), int(r.Max)})
}

// WriteActionInfo describes where the value written by a special handler comes from.
type WriteActionInfo struct {
	// Interpret selects how the value string is encoded into words
	// (integer, string or hex)
	Interpret Kind `json:"interpret"`

	// Shell is a command whose trimmed stdout is the value
	Shell *string `json:"shell,omitempty"`

	// Value is a literal value
	Value *string `json:"value,omitempty"`
}

// SpecialHandlerInfo schedules a write to a device, independent of the read loop.
type SpecialHandlerInfo struct {
	// Reg is the first register written
	Reg uint16 `json:"reg"`

	// Len is the number of words written
	Len uint16 `json:"len"`

	// Period is the interval in seconds between writes; RunOnce fires a single time
	Period int `json:"period"`

	// Action is the operation performed; only "write" is supported
	Action string `json:"action"`

	// Info describes the value written
	Info WriteActionInfo `json:"info"`
}

// Validate checks the handler invariants.
func (h *SpecialHandlerInfo) Validate() error {
	if h.Action != "write" {
		return fmt.Errorf("special handler at 0x%04x: %w: %q", h.Reg, ErrUnsupportedAction, h.Action)
	}
	if h.Len == 0 {
		return fmt.Errorf("special handler at 0x%04x: %w", h.Reg, ErrInvalidLength)
	}
	if h.Period < RunOnce {
		return fmt.Errorf("special handler at 0x%04x: period %d: %w", h.Reg, h.Period, ErrInvalidConfig)
	}
	switch h.Info.Interpret {
	case KindInteger:
		if h.Len > 2 {
			return fmt.Errorf("special handler at 0x%04x: %w", h.Reg, ErrValueOutOfRange)
		}
	case KindText, KindRaw:
	default:
		return fmt.Errorf("special handler at 0x%04x: %w: interpret %q", h.Reg, ErrInvalidFormat, h.Info.Interpret)
	}
	if h.Info.Shell == nil && h.Info.Value == nil {
		return fmt.Errorf("special handler at 0x%04x: %w: shell or value", h.Reg, ErrMissingField)
	}
	return nil
}

// RegisterMap is the register layout of one device type.
// A map is immutable once loaded and is shared by every device it applies to.
type RegisterMap struct {
	// ApplicableAddresses is the bus address range this map covers
	ApplicableAddresses AddrRange `json:"address_range"`

	// ProbeRegister is read to detect a device of this type
	ProbeRegister uint16 `json:"probe_register"`

	// Name is the device type
	Name string `json:"name"`

	// PreferredBaudrate is the speed the device should be switched to
	PreferredBaudrate uint32 `json:"preferred_baudrate"`

	// DefaultBaudrate is the speed the device powers up with
	DefaultBaudrate uint32 `json:"default_baudrate"`

	// Registers are ordered by Begin
	Registers []RegisterDescriptor `json:"registers"`

	// SpecialHandlers are scheduled writes
	SpecialHandlers []SpecialHandlerInfo `json:"special_handlers,omitempty"`
}

// Validate checks the map and every descriptor and handler it holds.
// Registers are sorted by Begin; duplicate Begin values are rejected.
func (m *RegisterMap) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}
	if m.ApplicableAddresses.Min > m.ApplicableAddresses.Max {
		return fmt.Errorf("register map %q: %w: [%d, %d]", m.Name, ErrInvalidAddressRange,
			m.ApplicableAddresses.Min, m.ApplicableAddresses.Max)
	}

	sort.SliceStable(m.Registers, func(i, j int) bool {
		return m.Registers[i].Begin < m.Registers[j].Begin
	})
	for i := range m.Registers {
		if i > 0 && m.Registers[i].Begin == m.Registers[i-1].Begin {
			return fmt.Errorf("register map %q: %w: 0x%04x", m.Name, ErrDuplicateRegister, m.Registers[i].Begin)
		}
		if err := m.Registers[i].Validate(); err != nil {
			return fmt.Errorf("register map %q: %w", m.Name, err)
		}
	}

	for i := range m.SpecialHandlers {
		if err := m.SpecialHandlers[i].Validate(); err != nil {
			return fmt.Errorf("register map %q: %w", m.Name, err)
		}
	}
	return nil
}

// Register returns the descriptor starting at begin.
func (m *RegisterMap) Register(begin uint16) (*RegisterDescriptor, bool) {
	i := sort.Search(len(m.Registers), func(i int) bool {
		return m.Registers[i].Begin >= begin
	})
	if i < len(m.Registers) && m.Registers[i].Begin == begin {
		return &m.Registers[i], true
	}
	return nil, false
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// reading is one retained sample: the words as received and their decoded value.
type reading struct {
	words []uint16
	value RegisterValue
}

// RegisterStore retains the bounded history of one register block.
// RegisterStore is not safe for concurrent use; the owning device serialises access.
type RegisterStore struct {
	regAddr  uint16
	desc     *RegisterDescriptor
	history  []reading
	capacity int
}

// NewRegisterStore creates an empty store for desc.
func NewRegisterStore(desc *RegisterDescriptor) *RegisterStore {
	capacity := desc.Keep
	if capacity < 1 {
		capacity = DefaultKeep
	}
	return &RegisterStore{
		regAddr:  desc.Begin,
		desc:     desc,
		history:  make([]reading, 0, capacity),
		capacity: capacity,
	}
}

// RegAddr returns the first register address of the block.
func (s *RegisterStore) RegAddr() uint16 { return s.regAddr }

// Length returns the number of words in the block.
func (s *RegisterStore) Length() uint16 { return s.desc.Length }

// Name returns the descriptor name.
func (s *RegisterStore) Name() string { return s.desc.Name }

// Descriptor returns the descriptor the store was built from.
func (s *RegisterStore) Descriptor() *RegisterDescriptor { return s.desc }

// Len returns the number of retained readings.
func (s *RegisterStore) Len() int { return len(s.history) }

// Update decodes words and appends the result to the history.
// On decode failure the history is left unchanged and the error is returned.
// With ChangesOnly set, a value equal to the most recent reading is dropped.
func (s *RegisterStore) Update(words []uint16, ts time.Time) error {
	value, err := Decode(words, s.desc, ts)
	if err != nil {
		return fmt.Errorf("register 0x%04x %q: %w", s.regAddr, s.desc.Name, err)
	}

	if s.desc.ChangesOnly && len(s.history) > 0 && s.history[len(s.history)-1].value.Equal(value) {
		return nil
	}

	if len(s.history) == s.capacity {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, reading{
		words: append([]uint16(nil), words...),
		value: value,
	})
	return nil
}

// Values returns the retained readings, oldest first.
func (s *RegisterStore) Values() []RegisterValue {
	out := make([]RegisterValue, len(s.history))
	for i, r := range s.history {
		out[i] = r.value.Clone()
	}
	return out
}

// Latest returns the most recent reading.
func (s *RegisterStore) Latest() (RegisterValue, bool) {
	if len(s.history) == 0 {
		return RegisterValue{}, false
	}
	return s.history[len(s.history)-1].value.Clone(), true
}

// String renders the store as a header line followed by every retained value.
// Flags values start on their own line; other values are space separated.
func (s *RegisterStore) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  <0x%04x> %-32s :", s.regAddr, s.desc.Name)
	sep := " "
	if s.desc.Format == KindFlags {
		sep = "\n"
	}
	for _, r := range s.history {
		sb.WriteString(sep)
		sb.WriteString(r.value.String())
	}
	return sb.String()
}

// RegisterValueData is the structured projection of a store.
type RegisterValueData struct {
	RegAddress uint16          `json:"regAddress"`
	Name       string          `json:"name"`
	Readings   []RegisterValue `json:"readings"`
}

// RawReading is one retained reading in raw hex form.
type RawReading struct {
	Time int64  `json:"time"`
	Data string `json:"data"`
}

// RegisterRawData is the raw projection of a store.
type RegisterRawData struct {
	RegAddress uint16       `json:"regAddress"`
	Name       string       `json:"name"`
	Readings   []RawReading `json:"readings"`
}

// ValueData returns the decoded readings, oldest first.
func (s *RegisterStore) ValueData() RegisterValueData {
	return RegisterValueData{
		RegAddress: s.regAddr,
		Name:       s.desc.Name,
		Readings:   s.Values(),
	}
}

// RawData returns the readings as received, oldest first, rendered as hex.
func (s *RegisterStore) RawData() RegisterRawData {
	readings := make([]RawReading, len(s.history))
	for i, r := range s.history {
		readings[i] = RawReading{
			Time: r.value.Timestamp.Unix(),
			Data: DecodeRaw(r.words, r.value.Timestamp).String(),
		}
	}
	return RegisterRawData{
		RegAddress: s.regAddr,
		Name:       s.desc.Name,
		Readings:   readings,
	}
}

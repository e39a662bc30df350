package domain_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/rackmon/internal/domain"
)

func TestRegisterStore_KeepBound(t *testing.T) {
	desc := &domain.RegisterDescriptor{Begin: 0x20, Length: 1, Name: "counter", Keep: 3, Format: domain.KindInteger}
	s := domain.NewRegisterStore(desc)

	for i := 0; i < 10; i++ {
		if err := s.Update([]uint16{uint16(i)}, testTime.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		want := i + 1
		if want > 3 {
			want = 3
		}
		if s.Len() != want {
			t.Fatalf("after %d updates expected %d readings, got %d", i+1, want, s.Len())
		}
	}

	values := s.Values()
	for i, v := range values {
		if got, want := int32(v.Payload.(domain.Integer)), int32(7+i); got != want {
			t.Errorf("reading %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestRegisterStore_ChangesOnly(t *testing.T) {
	desc := &domain.RegisterDescriptor{Begin: 0x30, Length: 1, Name: "status", Keep: 5, ChangesOnly: true, Format: domain.KindInteger}
	s := domain.NewRegisterStore(desc)

	seq := []uint16{1, 1, 2, 2, 2, 1, 3}
	for i, w := range seq {
		if err := s.Update([]uint16{w}, testTime.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	values := s.Values()
	want := []int32{1, 2, 1, 3}
	if len(values) != len(want) {
		t.Fatalf("expected %d readings, got %d", len(want), len(values))
	}
	for i := 1; i < len(values); i++ {
		if values[i].Equal(values[i-1]) {
			t.Errorf("adjacent readings %d and %d are equal", i-1, i)
		}
	}
	for i, v := range values {
		if int32(v.Payload.(domain.Integer)) != want[i] {
			t.Errorf("reading %d: expected %d, got %v", i, want[i], v)
		}
	}
}

func TestRegisterStore_DecodeFailureLeavesHistory(t *testing.T) {
	desc := &domain.RegisterDescriptor{Begin: 0x40, Length: 3, Name: "wide", Keep: 2, Format: domain.KindInteger}
	s := domain.NewRegisterStore(desc)

	err := s.Update([]uint16{1, 2, 3}, testTime)
	if !errors.Is(err, domain.ErrValueOutOfRange) {
		t.Fatalf("expected ErrValueOutOfRange, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty history, got %d readings", s.Len())
	}
}

func TestRegisterStore_String(t *testing.T) {
	desc := &domain.RegisterDescriptor{Begin: 0x0, Length: 2, Name: "MFG_ID", Keep: 2, Format: domain.KindText}
	s := domain.NewRegisterStore(desc)
	_ = s.Update([]uint16{0x4142, 0x4344}, testTime)
	_ = s.Update([]uint16{0x4546, 0x0000}, testTime)

	want := "  <0x0000> MFG_ID                           : ABCD EF"
	if got := s.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRegisterStore_StringFlags(t *testing.T) {
	desc := &domain.RegisterDescriptor{
		Begin: 0x68, Length: 1, Name: "STATUS", Keep: 1, Format: domain.KindFlags,
		Flags: []domain.FlagDescriptor{{Bit: 0, Name: "FAULT"}, {Bit: 1, Name: "WARN"}},
	}
	s := domain.NewRegisterStore(desc)
	_ = s.Update([]uint16{0x0002}, testTime)

	got := s.String()
	if !strings.HasPrefix(got, "  <0x0068> STATUS") {
		t.Errorf("unexpected header: %q", got)
	}
	if !strings.HasSuffix(got, ":\n [0] FAULT\n*[1] WARN") {
		t.Errorf("unexpected flags rendering: %q", got)
	}
}

func TestRegisterStore_Projections(t *testing.T) {
	desc := &domain.RegisterDescriptor{Begin: 0x12, Length: 1, Name: "TEMP", Keep: 2, Format: domain.KindFloat, Precision: 2}
	s := domain.NewRegisterStore(desc)
	_ = s.Update([]uint16{0x0064}, testTime)

	raw := s.RawData()
	if raw.RegAddress != 0x12 || raw.Name != "TEMP" {
		t.Errorf("unexpected raw header: %+v", raw)
	}
	if len(raw.Readings) != 1 || raw.Readings[0].Data != "0064" || raw.Readings[0].Time != testTime.Unix() {
		t.Errorf("unexpected raw readings: %+v", raw.Readings)
	}

	val := s.ValueData()
	if len(val.Readings) != 1 || val.Readings[0].String() != "25.00" {
		t.Errorf("unexpected value readings: %+v", val.Readings)
	}

	data, err := json.Marshal(val)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"regAddress":18,"name":"TEMP","readings":[{"kind":"float","timestamp":1700000000,"value":25}]}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestRegisterStore_ValuesAreCopies(t *testing.T) {
	desc := &domain.RegisterDescriptor{Begin: 0, Length: 1, Name: "raw", Keep: 1}
	s := domain.NewRegisterStore(desc)
	_ = s.Update([]uint16{0x0102}, testTime)

	v := s.Values()
	v[0].Payload.(domain.Raw)[0] = 0xff

	latest, ok := s.Latest()
	if !ok {
		t.Fatal("expected a reading")
	}
	if latest.String() != "0102" {
		t.Errorf("store was mutated through a projection: %s", latest.String())
	}
}

package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/rackmon/internal/domain"
)

var testTime = time.Unix(1700000000, 0)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		words   []uint16
		desc    domain.RegisterDescriptor
		want    string
		kind    domain.Kind
		wantErr error
	}{
		{
			name:  "raw",
			words: []uint16{0x1234, 0xABCD},
			desc:  domain.RegisterDescriptor{Format: domain.KindRaw},
			want:  "1234abcd",
			kind:  domain.KindRaw,
		},
		{
			name:  "empty format decodes raw",
			words: []uint16{0x00ff},
			desc:  domain.RegisterDescriptor{},
			want:  "00ff",
			kind:  domain.KindRaw,
		},
		{
			name:  "text",
			words: []uint16{0x4142, 0x4344},
			desc:  domain.RegisterDescriptor{Format: domain.KindText},
			want:  "ABCD",
			kind:  domain.KindText,
		},
		{
			name:  "text stops at low byte nul",
			words: []uint16{0x4142, 0x4300, 0x4445},
			desc:  domain.RegisterDescriptor{Format: domain.KindText},
			want:  "ABC",
			kind:  domain.KindText,
		},
		{
			name:  "text stops at high byte nul",
			words: []uint16{0x4142, 0x0043},
			desc:  domain.RegisterDescriptor{Format: domain.KindText},
			want:  "AB",
			kind:  domain.KindText,
		},
		{
			name:  "text maps high bytes to latin-1",
			words: []uint16{0x4142, 0xffff},
			desc:  domain.RegisterDescriptor{Format: domain.KindText},
			want:  "AB\u00ff\u00ff",
			kind:  domain.KindText,
		},
		{
			name:  "integer single word",
			words: []uint16{0x0102},
			desc:  domain.RegisterDescriptor{Format: domain.KindInteger},
			want:  "258",
			kind:  domain.KindInteger,
		},
		{
			name:  "integer two words",
			words: []uint16{0x0001, 0x0002},
			desc:  domain.RegisterDescriptor{Format: domain.KindInteger},
			want:  "65538",
			kind:  domain.KindInteger,
		},
		{
			name:  "integer single word is not sign extended",
			words: []uint16{0xffff},
			desc:  domain.RegisterDescriptor{Format: domain.KindInteger},
			want:  "65535",
			kind:  domain.KindInteger,
		},
		{
			name:  "integer two words negative",
			words: []uint16{0xffff, 0xfffe},
			desc:  domain.RegisterDescriptor{Format: domain.KindInteger},
			want:  "-2",
			kind:  domain.KindInteger,
		},
		{
			name:    "integer three words",
			words:   []uint16{1, 2, 3},
			desc:    domain.RegisterDescriptor{Format: domain.KindInteger},
			wantErr: domain.ErrValueOutOfRange,
		},
		{
			name:  "float",
			words: []uint16{0x0001, 0x0000},
			desc:  domain.RegisterDescriptor{Format: domain.KindFloat, Precision: 2},
			want:  "16384.00",
			kind:  domain.KindFloat,
		},
		{
			name:  "float fraction",
			words: []uint16{0x0005},
			desc:  domain.RegisterDescriptor{Format: domain.KindFloat, Precision: 1},
			want:  "2.50",
			kind:  domain.KindFloat,
		},
		{
			name:    "float three words",
			words:   []uint16{1, 2, 3},
			desc:    domain.RegisterDescriptor{Format: domain.KindFloat, Precision: 1},
			wantErr: domain.ErrValueOutOfRange,
		},
		{
			name:  "flags",
			words: []uint16{0x0005},
			desc: domain.RegisterDescriptor{
				Format: domain.KindFlags,
				Flags: []domain.FlagDescriptor{
					{Bit: 0, Name: "A"},
					{Bit: 1, Name: "B"},
					{Bit: 2, Name: "C"},
				},
			},
			want: "*[1] A\n [0] B\n*[1] C",
			kind: domain.KindFlags,
		},
		{
			name:  "flags keep declaration order",
			words: []uint16{0x0001, 0x0000},
			desc: domain.RegisterDescriptor{
				Format: domain.KindFlags,
				Flags: []domain.FlagDescriptor{
					{Bit: 16, Name: "HIGH"},
					{Bit: 0, Name: "LOW"},
				},
			},
			want: "*[1] HIGH\n [0] LOW",
			kind: domain.KindFlags,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := tt.desc
			v, err := domain.Decode(tt.words, &desc, testTime)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Kind() != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, v.Kind())
			}
			if got := v.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if !v.Timestamp.Equal(testTime) {
				t.Errorf("expected timestamp %v, got %v", testTime, v.Timestamp)
			}
		})
	}
}

func TestDecode_NilDescriptorIsRaw(t *testing.T) {
	v, err := domain.Decode([]uint16{0xdead, 0xbeef}, nil, testTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind() != domain.KindRaw {
		t.Fatalf("expected raw, got %s", v.Kind())
	}
	if v.String() != "deadbeef" {
		t.Errorf("expected deadbeef, got %s", v.String())
	}
}

func TestDecode_RawLength(t *testing.T) {
	for n := 0; n < 8; n++ {
		words := make([]uint16, n)
		raw, ok := domain.DecodeRaw(words, testTime).Payload.(domain.Raw)
		if !ok {
			t.Fatalf("expected Raw payload")
		}
		if len(raw) != 2*n {
			t.Errorf("expected %d bytes for %d words, got %d", 2*n, n, len(raw))
		}
	}
}

func TestDecode_FloatMatchesScaledInteger(t *testing.T) {
	words := [][]uint16{{0x0000}, {0x0001}, {0x1234}, {0x0001, 0x0000}, {0xffff, 0xff00}, {0x7fff, 0xffff}}
	for _, w := range words {
		for p := uint8(0); p <= 16; p += 4 {
			iv, err := domain.Decode(w, &domain.RegisterDescriptor{Format: domain.KindInteger}, testTime)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			fv, err := domain.Decode(w, &domain.RegisterDescriptor{Format: domain.KindFloat, Precision: p}, testTime)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			i := iv.Payload.(domain.Integer)
			want := float32(int32(i)) / float32(uint32(1)<<p)
			if got := float32(fv.Payload.(domain.Float)); got != want {
				t.Errorf("words %v precision %d: expected %v, got %v", w, p, want, got)
			}
		}
	}
}

func TestDecode_FlagsCount(t *testing.T) {
	desc := &domain.RegisterDescriptor{
		Format: domain.KindFlags,
		Flags:  []domain.FlagDescriptor{{Bit: 3, Name: "x"}, {Bit: 7, Name: "y"}, {Bit: 31, Name: "z"}},
	}
	v, err := domain.Decode([]uint16{0x8000, 0x0008}, desc, testTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flags := v.Payload.(domain.Flags)
	if len(flags) != len(desc.Flags) {
		t.Fatalf("expected %d flags, got %d", len(desc.Flags), len(flags))
	}
	want := []bool{true, false, true}
	for i, f := range flags {
		if f.Set != want[i] {
			t.Errorf("flag %s: expected %v, got %v", f.Name, want[i], f.Set)
		}
	}
}

func TestRegisterValue_JSONRoundTrip(t *testing.T) {
	descs := []domain.RegisterDescriptor{
		{Format: domain.KindRaw},
		{Format: domain.KindText},
		{Format: domain.KindInteger},
		{Format: domain.KindFloat, Precision: 3},
		{Format: domain.KindFlags, Flags: []domain.FlagDescriptor{{Bit: 0, Name: "on"}, {Bit: 1, Name: "off"}}},
	}
	words := []uint16{0x4142, 0x0001}

	for _, desc := range descs {
		desc := desc
		t.Run(string(desc.Format), func(t *testing.T) {
			v, err := domain.Decode(words, &desc, testTime)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			data, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}

			var back domain.RegisterValue
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if !back.Equal(v) {
				t.Errorf("round trip changed payload: %v -> %v", v, back)
			}
			if back.Kind() != v.Kind() {
				t.Errorf("expected kind %s, got %s", v.Kind(), back.Kind())
			}
			if !back.Timestamp.Equal(testTime) {
				t.Errorf("expected timestamp %v, got %v", testTime, back.Timestamp)
			}
		})
	}
}

func TestRegisterValue_MarshalJSONShape(t *testing.T) {
	v := domain.DecodeRaw([]uint16{0x0102}, testTime)
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"kind":"hex","timestamp":1700000000,"value":[1,2]}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	flags := domain.RegisterValue{
		Timestamp: testTime,
		Payload:   domain.Flags{{Set: true, Name: "ALERT"}},
	}
	data, err = json.Marshal(flags)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want = `{"kind":"flags","timestamp":1700000000,"value":[[true,"ALERT"]]}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestRegisterValue_TextRoundTrip(t *testing.T) {
	tests := [][]uint16{
		{0x4142, 0xffff},
		{0x50e9, 0x8081},
		{0x7f80, 0x4100},
	}

	for _, words := range tests {
		v, err := domain.Decode(words, &domain.RegisterDescriptor{Format: domain.KindText}, testTime)
		if err != nil {
			t.Fatalf("Decode(%04x): %v", words, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var back domain.RegisterValue
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if !back.Equal(v) {
			t.Errorf("expected %q after round trip of %04x, got %q", v.Payload, words, back.Payload)
		}
	}
}

func TestRegisterValue_Equal(t *testing.T) {
	a := domain.RegisterValue{Timestamp: testTime, Payload: domain.Integer(5)}
	b := domain.RegisterValue{Timestamp: testTime.Add(time.Hour), Payload: domain.Integer(5)}
	c := domain.RegisterValue{Timestamp: testTime, Payload: domain.Float(5)}

	if !a.Equal(b) {
		t.Error("expected values with different timestamps to be equal")
	}
	if a.Equal(c) {
		t.Error("expected values of different kinds to differ")
	}
}

func TestKind_IsValid(t *testing.T) {
	for _, k := range []domain.Kind{domain.KindRaw, domain.KindText, domain.KindInteger, domain.KindFloat, domain.KindFlags} {
		if !k.IsValid() {
			t.Errorf("expected %s to be valid", k)
		}
	}
	if domain.Kind("double").IsValid() {
		t.Error("expected unknown kind to be invalid")
	}
}

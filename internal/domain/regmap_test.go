package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/rackmon/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestRegisterDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		desc    domain.RegisterDescriptor
		wantErr error
	}{
		{
			name: "defaults applied",
			desc: domain.RegisterDescriptor{Begin: 0, Length: 8, Name: "MFG_MODEL"},
		},
		{
			name:    "zero length",
			desc:    domain.RegisterDescriptor{Begin: 0, Name: "x"},
			wantErr: domain.ErrInvalidLength,
		},
		{
			name:    "negative keep",
			desc:    domain.RegisterDescriptor{Length: 1, Name: "x", Keep: -3},
			wantErr: domain.ErrInvalidKeep,
		},
		{
			name:    "unknown format",
			desc:    domain.RegisterDescriptor{Length: 1, Name: "x", Format: "double"},
			wantErr: domain.ErrInvalidFormat,
		},
		{
			name:    "precision too large",
			desc:    domain.RegisterDescriptor{Length: 1, Name: "x", Format: domain.KindFloat, Precision: 40},
			wantErr: domain.ErrInvalidPrecision,
		},
		{
			name:    "flags without table",
			desc:    domain.RegisterDescriptor{Length: 1, Name: "x", Format: domain.KindFlags},
			wantErr: domain.ErrMissingField,
		},
		{
			name: "flag bit too large",
			desc: domain.RegisterDescriptor{
				Length: 2, Name: "x", Format: domain.KindFlags,
				Flags: []domain.FlagDescriptor{{Bit: 32, Name: "bad"}},
			},
			wantErr: domain.ErrInvalidFlagBit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegisterDescriptor_ValidateDefaults(t *testing.T) {
	d := domain.RegisterDescriptor{Begin: 4, Length: 2, Name: "x"}
	if err := d.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Keep != domain.DefaultKeep {
		t.Errorf("expected keep %d, got %d", domain.DefaultKeep, d.Keep)
	}
	if d.Format != domain.KindRaw {
		t.Errorf("expected format %s, got %s", domain.KindRaw, d.Format)
	}
	if d.ChangesOnly {
		t.Error("expected changes_only to default to false")
	}
}

func TestSpecialHandlerInfo_Validate(t *testing.T) {
	tests := []struct {
		name    string
		info    domain.SpecialHandlerInfo
		wantErr error
	}{
		{
			name: "literal integer",
			info: domain.SpecialHandlerInfo{
				Reg: 0x12, Len: 2, Period: domain.RunOnce, Action: "write",
				Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Value: strPtr("42")},
			},
		},
		{
			name: "shell string",
			info: domain.SpecialHandlerInfo{
				Reg: 0x12, Len: 4, Period: 3600, Action: "write",
				Info: domain.WriteActionInfo{Interpret: domain.KindText, Shell: strPtr("hostname")},
			},
		},
		{
			name: "unsupported action",
			info: domain.SpecialHandlerInfo{
				Reg: 0x12, Len: 1, Period: domain.RunOnce, Action: "read",
				Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Value: strPtr("1")},
			},
			wantErr: domain.ErrUnsupportedAction,
		},
		{
			name: "no value source",
			info: domain.SpecialHandlerInfo{
				Reg: 0x12, Len: 1, Period: domain.RunOnce, Action: "write",
				Info: domain.WriteActionInfo{Interpret: domain.KindInteger},
			},
			wantErr: domain.ErrMissingField,
		},
		{
			name: "float interpret",
			info: domain.SpecialHandlerInfo{
				Reg: 0x12, Len: 1, Period: domain.RunOnce, Action: "write",
				Info: domain.WriteActionInfo{Interpret: domain.KindFloat, Value: strPtr("1.5")},
			},
			wantErr: domain.ErrInvalidFormat,
		},
		{
			name: "integer wider than two words",
			info: domain.SpecialHandlerInfo{
				Reg: 0x12, Len: 3, Period: domain.RunOnce, Action: "write",
				Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Value: strPtr("1")},
			},
			wantErr: domain.ErrValueOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegisterMap_Validate(t *testing.T) {
	m := domain.RegisterMap{
		Name:                "orv3_psu",
		ApplicableAddresses: domain.AddrRange{Min: 0xa0, Max: 0xbf},
		Registers: []domain.RegisterDescriptor{
			{Begin: 0x10, Length: 1, Name: "b"},
			{Begin: 0x00, Length: 8, Name: "a", Format: domain.KindText},
		},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Registers[0].Begin != 0x00 || m.Registers[1].Begin != 0x10 {
		t.Errorf("expected registers sorted by begin, got %+v", m.Registers)
	}
	if d, ok := m.Register(0x10); !ok || d.Name != "b" {
		t.Errorf("expected register b at 0x10, got %v %v", d, ok)
	}
	if _, ok := m.Register(0x11); ok {
		t.Error("expected no register at 0x11")
	}
}

func TestRegisterMap_ValidateRejectsDuplicates(t *testing.T) {
	m := domain.RegisterMap{
		Name:                "dup",
		ApplicableAddresses: domain.AddrRange{Min: 1, Max: 2},
		Registers: []domain.RegisterDescriptor{
			{Begin: 0x10, Length: 1, Name: "first"},
			{Begin: 0x10, Length: 2, Name: "second"},
		},
	}
	if err := m.Validate(); !errors.Is(err, domain.ErrDuplicateRegister) {
		t.Errorf("expected ErrDuplicateRegister, got %v", err)
	}
}

func TestRegisterMap_ValidateRange(t *testing.T) {
	m := domain.RegisterMap{Name: "r", ApplicableAddresses: domain.AddrRange{Min: 5, Max: 4}}
	if err := m.Validate(); !errors.Is(err, domain.ErrInvalidAddressRange) {
		t.Errorf("expected ErrInvalidAddressRange, got %v", err)
	}
}

func TestAddrRange_Contains(t *testing.T) {
	r := domain.AddrRange{Min: 0xa0, Max: 0xaf}
	tests := []struct {
		addr uint8
		want bool
	}{
		{0x9f, false},
		{0xa0, true},
		{0xa5, true},
		{0xaf, true},
		{0xb0, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.addr); got != tt.want {
			t.Errorf("Contains(0x%02x): expected %v, got %v", tt.addr, tt.want, got)
		}
	}
}

package modbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/rackmon/internal/adapter/modbus"
	"github.com/nexus-edge/rackmon/internal/domain"
)

type recordingWriter struct {
	addr   uint16
	values []uint16
	calls  int
	err    error
}

func (w *recordingWriter) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.addr = addr
	w.values = append([]uint16(nil), values...)
	return nil
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.Kind
		value   string
		length  uint16
		want    []uint16
		wantErr error
	}{
		{"integer one word", domain.KindInteger, "258", 1, []uint16{0x0102}, nil},
		{"integer two words", domain.KindInteger, "0x12345678", 2, []uint16{0x1234, 0x5678}, nil},
		{"integer negative", domain.KindInteger, "-1", 2, []uint16{0xffff, 0xffff}, nil},
		{"integer unsigned word", domain.KindInteger, "65535", 1, []uint16{0xffff}, nil},
		{"integer too large", domain.KindInteger, "65536", 1, nil, domain.ErrValueOutOfRange},
		{"integer too small", domain.KindInteger, "-32769", 1, nil, domain.ErrValueOutOfRange},
		{"integer three words", domain.KindInteger, "1", 3, nil, domain.ErrValueOutOfRange},
		{"integer garbage", domain.KindInteger, "abc", 1, nil, domain.ErrInvalidFormat},
		{"string padded", domain.KindText, "abc", 3, []uint16{0x6162, 0x6300, 0x0000}, nil},
		{"string exact", domain.KindText, "abcd", 2, []uint16{0x6162, 0x6364}, nil},
		{"string too long", domain.KindText, "abcde", 2, nil, domain.ErrValueTooLong},
		{"hex", domain.KindRaw, "0xdeadbeef", 2, []uint16{0xdead, 0xbeef}, nil},
		{"hex padded", domain.KindRaw, "01", 2, []uint16{0x0100, 0x0000}, nil},
		{"hex invalid", domain.KindRaw, "zz", 1, nil, domain.ErrInvalidFormat},
		{"float unsupported", domain.KindFloat, "1.5", 1, nil, domain.ErrInvalidFormat},
		{"zero length", domain.KindText, "", 0, nil, domain.ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := modbus.EncodeValue(tt.kind, tt.value, tt.length)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d words, got %d", len(tt.want), len(got))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("word %d: expected 0x%04x, got 0x%04x", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestSpecialHandler_IsReady(t *testing.T) {
	once := modbus.NewSpecialHandler(domain.SpecialHandlerInfo{
		Reg: 0x10, Len: 1, Period: domain.RunOnce, Action: "write",
		Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Value: strPtr("1")},
	}, 0)
	periodic := modbus.NewSpecialHandler(domain.SpecialHandlerInfo{
		Reg: 0x20, Len: 1, Period: 60, Action: "write",
		Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Value: strPtr("1")},
	}, 0)

	if !once.IsReady(testTime) || !periodic.IsReady(testTime) {
		t.Fatal("expected new handlers to be ready")
	}

	w := &recordingWriter{}
	ctx := context.Background()
	if err := once.Fire(ctx, w, testTime); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := periodic.Fire(ctx, w, testTime); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	if once.IsReady(testTime.Add(24 * time.Hour)) {
		t.Error("run-once handler must not fire again")
	}
	if !once.Handled() {
		t.Error("expected run-once handler to be handled")
	}
	if periodic.IsReady(testTime.Add(60 * time.Second)) {
		t.Error("periodic handler due only after the period has passed")
	}
	if !periodic.IsReady(testTime.Add(61 * time.Second)) {
		t.Error("expected periodic handler to be due after 61s")
	}
}

func TestSpecialHandler_FireFailureKeepsSchedule(t *testing.T) {
	h := modbus.NewSpecialHandler(domain.SpecialHandlerInfo{
		Reg: 0x10, Len: 1, Period: domain.RunOnce, Action: "write",
		Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Value: strPtr("1")},
	}, 0)

	w := &recordingWriter{err: domain.ErrTimeout}
	err := h.Fire(context.Background(), w, testTime)
	if !errors.Is(err, domain.ErrSpecialHandler) || !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected special handler timeout, got %v", err)
	}
	if h.Handled() || !h.IsReady(testTime) {
		t.Error("failed handler must stay ready")
	}
}

func TestSpecialHandler_ShellValue(t *testing.T) {
	h := modbus.NewSpecialHandler(domain.SpecialHandlerInfo{
		Reg: 0x0100, Len: 4, Period: 3600, Action: "write",
		Info: domain.WriteActionInfo{Interpret: domain.KindText, Shell: strPtr("printf '  rack1\\n'")},
	}, time.Second)

	w := &recordingWriter{}
	if err := h.Fire(context.Background(), w, testTime); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if w.addr != 0x0100 {
		t.Errorf("expected write at 0x0100, got 0x%04x", w.addr)
	}
	want := []uint16{0x7261, 0x636b, 0x3100, 0x0000}
	for i := range want {
		if w.values[i] != want[i] {
			t.Errorf("word %d: expected 0x%04x, got 0x%04x", i, want[i], w.values[i])
		}
	}

	failing := modbus.NewSpecialHandler(domain.SpecialHandlerInfo{
		Reg: 0x0100, Len: 1, Period: domain.RunOnce, Action: "write",
		Info: domain.WriteActionInfo{Interpret: domain.KindInteger, Shell: strPtr("exit 3")},
	}, time.Second)
	if err := failing.Fire(context.Background(), w, testTime); !errors.Is(err, domain.ErrShellValue) {
		t.Errorf("expected ErrShellValue, got %v", err)
	}
	if w.calls != 1 {
		t.Errorf("expected no write for failed shell value, got %d writes", w.calls)
	}
}

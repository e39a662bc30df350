package modbus

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-edge/rackmon/internal/domain"
)

// SpecialHandler performs the scheduled write described by a register map's
// special handler entry. It is owned by one device and driven from its
// monitor cycle.
type SpecialHandler struct {
	info         domain.SpecialHandlerInfo
	shellTimeout time.Duration

	handled        bool
	lastHandleTime time.Time
}

// NewSpecialHandler creates a handler that has never fired.
func NewSpecialHandler(info domain.SpecialHandlerInfo, shellTimeout time.Duration) *SpecialHandler {
	return &SpecialHandler{info: info, shellTimeout: shellTimeout}
}

// Info returns the handler description.
func (h *SpecialHandler) Info() domain.SpecialHandlerInfo {
	return h.info
}

// Handled reports whether the handler has fired successfully at least once.
func (h *SpecialHandler) Handled() bool {
	return h.handled
}

// IsReady reports whether the handler is due at now. A run-once handler is
// due until it succeeds; a periodic one once more than Period seconds have
// passed since its last success.
func (h *SpecialHandler) IsReady(now time.Time) bool {
	if h.info.Period == domain.RunOnce {
		return !h.handled
	}
	if !h.handled {
		return true
	}
	return now.After(h.lastHandleTime.Add(time.Duration(h.info.Period) * time.Second))
}

// Fire resolves the value, encodes it and writes it through w. The schedule
// only advances when the write succeeds.
func (h *SpecialHandler) Fire(ctx context.Context, w RegisterWriter, now time.Time) error {
	value, err := h.resolveValue(ctx)
	if err != nil {
		return fmt.Errorf("%w at 0x%04x: %w", domain.ErrSpecialHandler, h.info.Reg, err)
	}

	words, err := EncodeValue(h.info.Info.Interpret, value, h.info.Len)
	if err != nil {
		return fmt.Errorf("%w at 0x%04x: %w", domain.ErrSpecialHandler, h.info.Reg, err)
	}

	if err := w.WriteMultipleRegisters(ctx, h.info.Reg, words); err != nil {
		return fmt.Errorf("%w at 0x%04x: %w", domain.ErrSpecialHandler, h.info.Reg, err)
	}

	h.handled = true
	h.lastHandleTime = now
	return nil
}

func (h *SpecialHandler) resolveValue(ctx context.Context) (string, error) {
	if h.info.Info.Value != nil {
		return *h.info.Info.Value, nil
	}
	if h.info.Info.Shell == nil {
		return "", fmt.Errorf("%w: shell or value", domain.ErrMissingField)
	}

	if h.shellTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.shellTimeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, "sh", "-c", *h.info.Info.Shell).Output()
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", domain.ErrShellValue, *h.info.Info.Shell, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// EncodeValue converts a handler value into exactly length words.
//
// Integers accept any strconv base prefix and are written big-endian across
// the block. Strings pack two characters per word and are NUL padded. Hex
// values may carry a 0x prefix and are zero padded.
func EncodeValue(kind domain.Kind, value string, length uint16) ([]uint16, error) {
	if length == 0 {
		return nil, domain.ErrInvalidLength
	}

	switch kind {
	case domain.KindInteger:
		return encodeInteger(value, length)
	case domain.KindText:
		return packBytes([]byte(value), length)
	case domain.KindRaw:
		s := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: hex value %q: %w", domain.ErrInvalidFormat, value, err)
		}
		return packBytes(b, length)
	default:
		return nil, fmt.Errorf("%w: cannot encode %q", domain.ErrInvalidFormat, kind)
	}
}

func encodeInteger(value string, length uint16) ([]uint16, error) {
	if length > 2 {
		return nil, fmt.Errorf("%w: %d words", domain.ErrValueOutOfRange, length)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: integer value %q: %w", domain.ErrInvalidFormat, value, err)
	}

	bits := 16 * int(length)
	lo := -int64(1) << (bits - 1)
	hi := int64(1)<<bits - 1
	if n < lo || n > hi {
		return nil, fmt.Errorf("%w: %d in %d words", domain.ErrValueOutOfRange, n, length)
	}

	u := uint32(n & math.MaxUint32)
	words := make([]uint16, length)
	for i := int(length) - 1; i >= 0; i-- {
		words[i] = uint16(u)
		u >>= 16
	}
	return words, nil
}

func packBytes(b []byte, length uint16) ([]uint16, error) {
	if len(b) > 2*int(length) {
		return nil, fmt.Errorf("%w: %d bytes into %d words", domain.ErrValueTooLong, len(b), length)
	}
	words := make([]uint16, length)
	for i, c := range b {
		if i%2 == 0 {
			words[i/2] |= uint16(c) << 8
		} else {
			words[i/2] |= uint16(c)
		}
	}
	return words, nil
}

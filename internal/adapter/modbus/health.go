package modbus

import (
	"sort"
	"time"
)

// RegisterDiagnostic returns read diagnostics for the register block at addr.
func (d *ModbusDevice) RegisterDiagnostic(addr uint16) *RegisterDiagnostic {
	if diag, ok := d.regDiagnostics.Load(addr); ok {
		return diag.(*RegisterDiagnostic)
	}
	return nil
}

// AllRegisterDiagnostics returns diagnostics for every register block read so far.
func (d *ModbusDevice) AllRegisterDiagnostics() map[uint16]*RegisterDiagnostic {
	result := make(map[uint16]*RegisterDiagnostic)
	d.regDiagnostics.Range(func(key, value interface{}) bool {
		result[key.(uint16)] = value.(*RegisterDiagnostic)
		return true
	})
	return result
}

// RegisterDiagnosticSnapshot is a point-in-time copy of a RegisterDiagnostic.
type RegisterDiagnosticSnapshot struct {
	RegAddress    uint16     `json:"regAddress"`
	ReadCount     uint64     `json:"readCount"`
	ErrorCount    uint64     `json:"errorCount"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorTime *time.Time `json:"lastErrorTime,omitempty"`
	LastSuccess   *time.Time `json:"lastSuccess,omitempty"`
}

// DiagnosticsSnapshot returns register diagnostics ordered by address.
func (d *ModbusDevice) DiagnosticsSnapshot() []RegisterDiagnosticSnapshot {
	all := d.AllRegisterDiagnostics()
	out := make([]RegisterDiagnosticSnapshot, 0, len(all))
	for addr, diag := range all {
		snap := RegisterDiagnosticSnapshot{
			RegAddress: addr,
			ReadCount:  diag.ReadCount.Load(),
			ErrorCount: diag.ErrorCount.Load(),
		}
		if err := diag.Err(); err != nil {
			snap.LastError = err.Error()
		}
		if ts, ok := diag.LastErrorTime.Load().(time.Time); ok {
			snap.LastErrorTime = &ts
		}
		if ts, ok := diag.LastSuccessTime.Load().(time.Time); ok {
			snap.LastSuccess = &ts
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegAddress < out[j].RegAddress })
	return out
}

func (d *ModbusDevice) recordRegisterSuccess(addr uint16) {
	diag := d.getOrCreateRegisterDiagnostic(addr)
	diag.ReadCount.Add(1)
	diag.LastSuccessTime.Store(d.now())
}

func (d *ModbusDevice) recordRegisterError(addr uint16, err error) {
	diag := d.getOrCreateRegisterDiagnostic(addr)
	diag.ErrorCount.Add(1)
	diag.LastError.Store(errorValue{err})
	diag.LastErrorTime.Store(d.now())
}

func (d *ModbusDevice) getOrCreateRegisterDiagnostic(addr uint16) *RegisterDiagnostic {
	if diag, ok := d.regDiagnostics.Load(addr); ok {
		return diag.(*RegisterDiagnostic)
	}
	actual, _ := d.regDiagnostics.LoadOrStore(addr, NewRegisterDiagnostic(addr))
	return actual.(*RegisterDiagnostic)
}

// errorValue boxes errors so atomic.Value always sees the same concrete type.
type errorValue struct {
	err error
}

// Err returns the last error recorded for the register, or nil.
func (r *RegisterDiagnostic) Err() error {
	if v, ok := r.LastError.Load().(errorValue); ok {
		return v.err
	}
	return nil
}

// Stats returns exchange statistics for this device.
func (d *ModbusDevice) Stats() DeviceStats {
	readCount := d.stats.ReadCount.Load()
	writeCount := d.stats.WriteCount.Load()
	totalReadNs := d.stats.TotalReadTime.Load()
	totalWriteNs := d.stats.TotalWriteTime.Load()

	var avgReadMs, avgWriteMs float64
	if readCount > 0 {
		avgReadMs = float64(totalReadNs) / float64(readCount) / 1e6
	}
	if writeCount > 0 {
		avgWriteMs = float64(totalWriteNs) / float64(writeCount) / 1e6
	}

	return DeviceStats{
		Address:        d.info.DeviceAddress,
		ReadCount:      readCount,
		WriteCount:     writeCount,
		ErrorCount:     d.stats.ErrorCount.Load(),
		AvgReadTimeMs:  avgReadMs,
		AvgWriteTimeMs: avgWriteMs,
	}
}

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxConsecutiveFailures is the failure run length at which a device is
// considered dead and should be made dormant.
const MaxConsecutiveFailures = 10

// UnknownDeviceType is reported for devices not yet bound to a register map.
const UnknownDeviceType = "Unknown"

// DeviceMode is the polling mode of a device.
type DeviceMode string

const (
	DeviceModeActive  DeviceMode = "active"  // polled every cycle
	DeviceModeDormant DeviceMode = "dormant" // only probed for recovery
)

// ModbusDeviceInfo is the health and identity record of one device.
type ModbusDeviceInfo struct {
	DeviceAddress          uint8      `json:"devAddress"`
	DeviceType             string     `json:"deviceType"`
	Baudrate               uint32     `json:"baudrate"`
	Mode                   DeviceMode `json:"mode"`
	CRCErrors              uint32     `json:"crcErrors"`
	Timeouts               uint32     `json:"timeouts"`
	MiscErrors             uint32     `json:"miscErrors"`
	LastActive             time.Time  `json:"-"`
	NumConsecutiveFailures uint32     `json:"numConsecutiveFailures"`
}

// NewModbusDeviceInfo returns an active, unknown device at addr.
func NewModbusDeviceInfo(addr uint8, baudrate uint32) ModbusDeviceInfo {
	return ModbusDeviceInfo{
		DeviceAddress: addr,
		DeviceType:    UnknownDeviceType,
		Baudrate:      baudrate,
		Mode:          DeviceModeActive,
	}
}

// IncCRCErrors counts a CRC failure.
func (i *ModbusDeviceInfo) IncCRCErrors() { i.incErrors(&i.CRCErrors) }

// IncTimeouts counts a timeout.
func (i *ModbusDeviceInfo) IncTimeouts() { i.incErrors(&i.Timeouts) }

// IncMiscErrors counts any other exchange failure.
func (i *ModbusDeviceInfo) IncMiscErrors() { i.incErrors(&i.MiscErrors) }

func (i *ModbusDeviceInfo) incErrors(counter *uint32) {
	*counter++
	i.NumConsecutiveFailures++
}

// MarshalJSON renders LastActive as unix seconds (0 if never active).
func (i ModbusDeviceInfo) MarshalJSON() ([]byte, error) {
	type alias ModbusDeviceInfo
	var lastActive int64
	if !i.LastActive.IsZero() {
		lastActive = i.LastActive.Unix()
	}
	return json.Marshal(struct {
		alias
		LastActive int64 `json:"lastActive"`
	}{alias(i), lastActive})
}

// DeviceRawData is the raw projection of a device.
type DeviceRawData struct {
	ModbusDeviceInfo
	Registers []RegisterRawData `json:"registers"`
}

// DeviceValueData is the structured projection of a device.
type DeviceValueData struct {
	ModbusDeviceInfo
	Registers []RegisterValueData `json:"registers"`
}

// DeviceFmtData is the display projection of a device: one rendered line
// block per register, in schema order.
type DeviceFmtData struct {
	ModbusDeviceInfo
	Registers []string `json:"registers"`
}

// MarshalJSON flattens the device info next to the registers.
func (d DeviceFmtData) MarshalJSON() ([]byte, error) {
	return marshalWithInfo(d.ModbusDeviceInfo, d.Registers)
}

// String renders the projection for humans.
func (d DeviceFmtData) String() string {
	lastActive := "never"
	if !d.LastActive.IsZero() {
		lastActive = d.LastActive.Format(time.RFC3339)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Device Address: 0x%02x\n", d.DeviceAddress)
	fmt.Fprintf(&sb, "Device Type: %s\n", d.DeviceType)
	fmt.Fprintf(&sb, "Baudrate: %d\n", d.Baudrate)
	fmt.Fprintf(&sb, "Mode: %s\n", d.Mode)
	fmt.Fprintf(&sb, "CRC Errors: %d\n", d.CRCErrors)
	fmt.Fprintf(&sb, "Timeouts: %d\n", d.Timeouts)
	fmt.Fprintf(&sb, "Misc Errors: %d\n", d.MiscErrors)
	fmt.Fprintf(&sb, "Consecutive Failures: %d\n", d.NumConsecutiveFailures)
	fmt.Fprintf(&sb, "Last Active: %s\n", lastActive)
	sb.WriteString("Registers:\n")
	for _, r := range d.Registers {
		sb.WriteString(r)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// MarshalJSON flattens the device info next to the registers.
func (d DeviceRawData) MarshalJSON() ([]byte, error) {
	return marshalWithInfo(d.ModbusDeviceInfo, d.Registers)
}

// MarshalJSON flattens the device info next to the registers.
func (d DeviceValueData) MarshalJSON() ([]byte, error) {
	return marshalWithInfo(d.ModbusDeviceInfo, d.Registers)
}

func marshalWithInfo(info ModbusDeviceInfo, registers interface{}) ([]byte, error) {
	head, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(head, &doc); err != nil {
		return nil, err
	}
	regs, err := json.Marshal(registers)
	if err != nil {
		return nil, err
	}
	doc["registers"] = regs
	return json.Marshal(doc)
}

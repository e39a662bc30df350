// Package domain contains the register monitor's core entities.
package domain

import "errors"

// Register map schema errors.
var (
	ErrSchema              = errors.New("register map schema error")
	ErrMissingField        = errors.New("mandatory field missing")
	ErrDuplicateRegister   = errors.New("duplicate register begin address")
	ErrInvalidAddressRange = errors.New("invalid address range")
	ErrInvalidFormat       = errors.New("invalid register format")
	ErrInvalidPrecision    = errors.New("precision must be between 0 and 31")
	ErrInvalidFlagBit      = errors.New("flag bit must be between 0 and 31")
	ErrInvalidKeep         = errors.New("keep must be at least 1")
	ErrInvalidLength       = errors.New("register length must be at least 1")
	ErrUnsupportedAction   = errors.New("unsupported special handler action")
)

// Address resolution errors.
var (
	ErrRegisterMapNotFound = errors.New("no register map covers device address")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceExists        = errors.New("device already exists")
)

// Decode errors.
var (
	ErrValueOutOfRange   = errors.New("value does not fit in 32 bits")
	ErrInvalidDataLength = errors.New("invalid data length")
)

// Exchange errors. Every failed exchange is classified as exactly one of
// ErrCRC, ErrTimeout or anything else (counted as a miscellaneous error).
var (
	ErrCRC                = errors.New("crc mismatch")
	ErrTimeout            = errors.New("exchange timed out")
	ErrExchangeFailed     = errors.New("exchange failed")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrInvalidSlaveID     = errors.New("invalid slave ID")
)

// Modbus-specific errors.
var (
	ErrModbusException              = errors.New("modbus: exception response")
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrInvalidRegisterCount         = errors.New("modbus: invalid register count")
)

// Special handler errors.
var (
	ErrSpecialHandler = errors.New("special handler failed")
	ErrShellValue     = errors.New("shell value command failed")
	ErrValueTooLong   = errors.New("value does not fit in register block")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusException
	}
}

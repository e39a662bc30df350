package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/rackmon/internal/domain"
)

// Function codes used by the monitor.
const (
	FuncReadHoldingRegisters   byte = 0x03
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleRegisters byte = 0x10
	FuncReadFileRecord         byte = 0x14
)

// Protocol limits.
const (
	MaxReadRegisters  = 125
	MaxWriteRegisters = 123
	fileRecordRefType = 0x06
)

// Request encodes a request PDU (function code followed by data).
type Request interface {
	Encode() ([]byte, error)
}

// Response decodes a response PDU. Exception responses decode to an error
// wrapping domain.ErrModbusException.
type Response interface {
	Decode(pdu []byte) error
}

// echoResponse is implemented by write responses that acknowledge what was
// written. A mismatch is a failed exchange.
type echoResponse interface {
	CheckEcho(req Request) error
}

// checkResponse validates the function code of a response and maps exceptions.
func checkResponse(pdu []byte, fc byte) error {
	if len(pdu) == 0 {
		return fmt.Errorf("%w: empty response", domain.ErrUnexpectedResponse)
	}
	if pdu[0] == fc|0x80 {
		if len(pdu) < 2 {
			return fmt.Errorf("%w: truncated exception", domain.ErrUnexpectedResponse)
		}
		return fmt.Errorf("%w: %w (code 0x%02x)", domain.ErrModbusException, domain.ModbusExceptionToError(pdu[1]), pdu[1])
	}
	if pdu[0] != fc {
		return fmt.Errorf("%w: function 0x%02x, expected 0x%02x", domain.ErrUnexpectedResponse, pdu[0], fc)
	}
	return nil
}

// ReadHoldingRegistersRequest reads Count registers starting at Address.
type ReadHoldingRegistersRequest struct {
	Address uint16
	Count   uint16
}

// Encode implements Request.
func (r ReadHoldingRegistersRequest) Encode() ([]byte, error) {
	if r.Count == 0 || r.Count > MaxReadRegisters {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, r.Count)
	}
	pdu := make([]byte, 5)
	pdu[0] = FuncReadHoldingRegisters
	binary.BigEndian.PutUint16(pdu[1:], r.Address)
	binary.BigEndian.PutUint16(pdu[3:], r.Count)
	return pdu, nil
}

// ReadHoldingRegistersResponse holds the registers read. When Count is set the
// response must carry exactly that many registers.
type ReadHoldingRegistersResponse struct {
	Count  uint16
	Values []uint16
}

// Decode implements Response.
func (r *ReadHoldingRegistersResponse) Decode(pdu []byte) error {
	if err := checkResponse(pdu, FuncReadHoldingRegisters); err != nil {
		return err
	}
	if len(pdu) < 2 {
		return fmt.Errorf("%w: missing byte count", domain.ErrUnexpectedResponse)
	}
	byteCount := int(pdu[1])
	if byteCount%2 != 0 || len(pdu) != 2+byteCount {
		return fmt.Errorf("%w: byte count %d, pdu length %d", domain.ErrInvalidDataLength, byteCount, len(pdu))
	}
	n := byteCount / 2
	if r.Count != 0 && n != int(r.Count) {
		return fmt.Errorf("%w: got %d registers, expected %d", domain.ErrInvalidDataLength, n, r.Count)
	}
	r.Values = make([]uint16, n)
	for i := range r.Values {
		r.Values[i] = binary.BigEndian.Uint16(pdu[2+2*i:])
	}
	return nil
}

// WriteSingleRegisterRequest writes Value to Address.
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

// Encode implements Request.
func (r WriteSingleRegisterRequest) Encode() ([]byte, error) {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:], r.Address)
	binary.BigEndian.PutUint16(pdu[3:], r.Value)
	return pdu, nil
}

// WriteSingleRegisterResponse is the echo of a single register write.
type WriteSingleRegisterResponse struct {
	Address uint16
	Value   uint16
}

// Decode implements Response.
func (r *WriteSingleRegisterResponse) Decode(pdu []byte) error {
	if err := checkResponse(pdu, FuncWriteSingleRegister); err != nil {
		return err
	}
	if len(pdu) != 5 {
		return fmt.Errorf("%w: pdu length %d", domain.ErrInvalidDataLength, len(pdu))
	}
	r.Address = binary.BigEndian.Uint16(pdu[1:])
	r.Value = binary.BigEndian.Uint16(pdu[3:])
	return nil
}

// CheckEcho implements echoResponse.
func (r *WriteSingleRegisterResponse) CheckEcho(req Request) error {
	w, ok := req.(WriteSingleRegisterRequest)
	if !ok {
		return nil
	}
	if r.Address != w.Address || r.Value != w.Value {
		return fmt.Errorf("%w: echo 0x%04x=0x%04x, wrote 0x%04x=0x%04x",
			domain.ErrUnexpectedResponse, r.Address, r.Value, w.Address, w.Value)
	}
	return nil
}

// WriteMultipleRegistersRequest writes Values starting at Address.
type WriteMultipleRegistersRequest struct {
	Address uint16
	Values  []uint16
}

// Encode implements Request.
func (r WriteMultipleRegistersRequest) Encode() ([]byte, error) {
	n := len(r.Values)
	if n == 0 || n > MaxWriteRegisters {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, n)
	}
	pdu := make([]byte, 6+2*n)
	pdu[0] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:], r.Address)
	binary.BigEndian.PutUint16(pdu[3:], uint16(n))
	pdu[5] = byte(2 * n)
	for i, v := range r.Values {
		binary.BigEndian.PutUint16(pdu[6+2*i:], v)
	}
	return pdu, nil
}

// WriteMultipleRegistersResponse acknowledges a multiple register write.
type WriteMultipleRegistersResponse struct {
	Address uint16
	Count   uint16
}

// Decode implements Response.
func (r *WriteMultipleRegistersResponse) Decode(pdu []byte) error {
	if err := checkResponse(pdu, FuncWriteMultipleRegisters); err != nil {
		return err
	}
	if len(pdu) != 5 {
		return fmt.Errorf("%w: pdu length %d", domain.ErrInvalidDataLength, len(pdu))
	}
	r.Address = binary.BigEndian.Uint16(pdu[1:])
	r.Count = binary.BigEndian.Uint16(pdu[3:])
	return nil
}

// CheckEcho implements echoResponse.
func (r *WriteMultipleRegistersResponse) CheckEcho(req Request) error {
	w, ok := req.(WriteMultipleRegistersRequest)
	if !ok {
		return nil
	}
	if r.Address != w.Address || int(r.Count) != len(w.Values) {
		return fmt.Errorf("%w: acknowledged %d registers at 0x%04x, wrote %d at 0x%04x",
			domain.ErrUnexpectedResponse, r.Count, r.Address, len(w.Values), w.Address)
	}
	return nil
}

// FileRecord addresses one record of a device file. For reads, len(Data)
// is the number of registers requested and Data is filled from the response.
type FileRecord struct {
	FileNum   uint16
	RecordNum uint16
	Data      []uint16
}

// ReadFileRecordRequest reads one or more file records.
type ReadFileRecordRequest struct {
	Records []FileRecord
}

// Encode implements Request.
func (r ReadFileRecordRequest) Encode() ([]byte, error) {
	if len(r.Records) == 0 {
		return nil, fmt.Errorf("%w: no file records", domain.ErrInvalidDataLength)
	}
	byteCount := 7 * len(r.Records)
	if byteCount > 0xf5 {
		return nil, fmt.Errorf("%w: %d file records", domain.ErrInvalidDataLength, len(r.Records))
	}
	pdu := make([]byte, 2, 2+byteCount)
	pdu[0] = FuncReadFileRecord
	pdu[1] = byte(byteCount)
	for _, rec := range r.Records {
		if len(rec.Data) == 0 {
			return nil, fmt.Errorf("%w: empty file record %d/%d", domain.ErrInvalidDataLength, rec.FileNum, rec.RecordNum)
		}
		pdu = append(pdu, fileRecordRefType)
		pdu = binary.BigEndian.AppendUint16(pdu, rec.FileNum)
		pdu = binary.BigEndian.AppendUint16(pdu, rec.RecordNum)
		pdu = binary.BigEndian.AppendUint16(pdu, uint16(len(rec.Data)))
	}
	return pdu, nil
}

// ReadFileRecordResponse receives the data of each requested record, in request order.
// Records must be preset with the request's records; their Data is overwritten.
type ReadFileRecordResponse struct {
	Records []FileRecord
}

// Decode implements Response.
func (r *ReadFileRecordResponse) Decode(pdu []byte) error {
	if err := checkResponse(pdu, FuncReadFileRecord); err != nil {
		return err
	}
	if len(pdu) < 2 || len(pdu) != 2+int(pdu[1]) {
		return fmt.Errorf("%w: file record response length", domain.ErrInvalidDataLength)
	}

	body := pdu[2:]
	for i := range r.Records {
		want := len(r.Records[i].Data)
		if len(body) < 2 {
			return fmt.Errorf("%w: missing file record %d", domain.ErrInvalidDataLength, i)
		}
		subLen := int(body[0])
		if body[1] != fileRecordRefType {
			return fmt.Errorf("%w: reference type 0x%02x", domain.ErrUnexpectedResponse, body[1])
		}
		if subLen != 1+2*want || len(body) < 1+subLen {
			return fmt.Errorf("%w: file record %d length %d", domain.ErrInvalidDataLength, i, subLen)
		}
		data := make([]uint16, want)
		for j := range data {
			data[j] = binary.BigEndian.Uint16(body[2+2*j:])
		}
		r.Records[i].Data = data
		body = body[1+subLen:]
	}
	if len(body) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", domain.ErrInvalidDataLength, len(body))
	}
	return nil
}

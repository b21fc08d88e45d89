// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
)

// Request is a master request before framing.
//
// For single writes Quantity carries the value itself (0xFF00/0x0000 for a coil).
// For multiple writes Payload carries the packed coils or big-endian registers.
type Request struct {
	SlaveID      byte
	FunctionCode byte
	Address      uint16
	Quantity     uint16
	Payload      []byte
}

// NewReadRequest builds a read of quantity coils, inputs or registers.
func NewReadRequest(slaveID, functionCode byte, address, quantity uint16) *Request {
	return &Request{SlaveID: slaveID, FunctionCode: functionCode, Address: address, Quantity: quantity}
}

// NewWriteSingleRequest builds a write of one coil or register.
func NewWriteSingleRequest(slaveID, functionCode byte, address, value uint16) *Request {
	return &Request{SlaveID: slaveID, FunctionCode: functionCode, Address: address, Quantity: value}
}

// NewWriteMultipleRequest builds a write of quantity coils or registers from payload.
func NewWriteMultipleRequest(slaveID, functionCode byte, address, quantity uint16, payload []byte) *Request {
	return &Request{SlaveID: slaveID, FunctionCode: functionCode, Address: address, Quantity: quantity, Payload: payload}
}

// ByteCount returns the number of data bytes a quantity occupies for this function.
func (r *Request) ByteCount() int {
	switch r.FunctionCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeWriteMultipleCoils:
		return (int(r.Quantity) + 7) / 8
	case modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteMultipleRegisters:
		return int(r.Quantity) * 2
	}
	return 0
}

// Validate checks slave address, quantity bounds, address range and payload shape.
// Every failure wraps modbus.StatusInvalidParameter.
func (r *Request) Validate() error {
	if r.SlaveID < modbus.MinSlaveID || r.SlaveID > modbus.MaxSlaveID {
		return fmt.Errorf("%w: slave id %d out of range %d-%d", modbus.StatusInvalidParameter, r.SlaveID, modbus.MinSlaveID, modbus.MaxSlaveID)
	}

	var limit uint16
	switch r.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		limit = modbus.MaxCoilsPerRead
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		limit = modbus.MaxRegistersPerRead
	case modbus.FuncCodeWriteMultipleCoils:
		limit = modbus.MaxCoilsPerWrite
	case modbus.FuncCodeWriteMultipleRegisters:
		limit = modbus.MaxRegistersPerWrite
	case modbus.FuncCodeWriteSingleCoil:
		if r.Quantity != modbus.CoilOn && r.Quantity != modbus.CoilOff {
			return fmt.Errorf("%w: coil value 0x%04X is neither 0xFF00 nor 0x0000", modbus.StatusInvalidParameter, r.Quantity)
		}
		return nil
	case modbus.FuncCodeWriteSingleRegister:
		return nil
	default:
		return fmt.Errorf("%w: unsupported function code 0x%02X", modbus.StatusInvalidParameter, r.FunctionCode)
	}

	if r.Quantity < 1 || r.Quantity > limit {
		return fmt.Errorf("%w: quantity %d out of range 1-%d for %s", modbus.StatusInvalidParameter, r.Quantity, limit, modbus.FunctionName(r.FunctionCode))
	}
	if int(r.Address)+int(r.Quantity) > 0x10000 {
		return fmt.Errorf("%w: address range %d+%d exceeds 65535", modbus.StatusInvalidParameter, r.Address, r.Quantity)
	}
	if r.isMultipleWrite() && len(r.Payload) != r.ByteCount() {
		return fmt.Errorf("%w: payload length %d does not match byte count %d", modbus.StatusInvalidParameter, len(r.Payload), r.ByteCount())
	}
	return nil
}

func (r *Request) isMultipleWrite() bool {
	return r.FunctionCode == modbus.FuncCodeWriteMultipleCoils || r.FunctionCode == modbus.FuncCodeWriteMultipleRegisters
}

// PDU returns the protocol data unit; 16-bit fields are big-endian.
func (r *Request) PDU() modbus.ProtocolDataUnit {
	var data []byte
	if r.isMultipleWrite() {
		data = make([]byte, 5, 5+len(r.Payload))
		data[4] = byte(len(r.Payload))
		data = append(data, r.Payload...)
	} else {
		data = make([]byte, 4)
	}
	binary.BigEndian.PutUint16(data[0:], r.Address)
	binary.BigEndian.PutUint16(data[2:], r.Quantity)
	return modbus.ProtocolDataUnit{FunctionCode: r.FunctionCode, Data: data}
}

// Encode validates the request and returns the complete ADU with CRC appended.
func (r *Request) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	adu := &ApplicationDataUnit{SlaveID: r.SlaveID, Pdu: r.PDU()}
	return adu.Encode()
}

// DecodeRequest parses a raw request ADU back into its fields.
func DecodeRequest(raw []byte) (*Request, error) {
	adu, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	data := adu.Pdu.Data
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: request data too short (%d bytes)", modbus.StatusUnexpectedResponse, len(data))
	}
	req := &Request{
		SlaveID:      adu.SlaveID,
		FunctionCode: adu.Pdu.FunctionCode,
		Address:      binary.BigEndian.Uint16(data[0:]),
		Quantity:     binary.BigEndian.Uint16(data[2:]),
	}
	if req.isMultipleWrite() {
		if len(data) < 5 || int(data[4]) != len(data)-5 {
			return nil, fmt.Errorf("%w: byte count does not match request length", modbus.StatusUnexpectedResponse)
		}
		req.Payload = append([]byte(nil), data[5:]...)
	}
	return req, nil
}

func (r *Request) String() string {
	return fmt.Sprintf("slave=%d func=%s addr=%d qty=%d", r.SlaveID, modbus.FunctionName(r.FunctionCode), r.Address, r.Quantity)
}

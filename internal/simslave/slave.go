// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simslave is a simulated Modbus RTU slave used by the loopback
// driver for bench runs and end-to-end tests without hardware.
package simslave

import (
	"encoding/binary"
	"sync"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

// Slave implements the Modbus protocol logic on top of a DataModel.
type Slave struct {
	ID    byte
	Model *DataModel

	mu        sync.Mutex
	mute      int
	corrupt   int
	exception byte
}

// New creates a slave answering to id with an empty data model.
func New(id byte) *Slave {
	return &Slave{ID: id, Model: NewDataModel()}
}

// Mute makes the slave ignore the next n requests addressed to it.
func (s *Slave) Mute(n int) {
	s.mu.Lock()
	s.mute = n
	s.mu.Unlock()
}

// Corrupt flips a CRC bit in the next n replies.
func (s *Slave) Corrupt(n int) {
	s.mu.Lock()
	s.corrupt = n
	s.mu.Unlock()
}

// FailWith answers every request with exception code until called with 0.
func (s *Slave) FailWith(code byte) {
	s.mu.Lock()
	s.exception = code
	s.mu.Unlock()
}

// Serve answers a request ADU. It returns nil when no reply goes on the wire:
// the frame is damaged, addressed to another slave, or the slave is muted.
func (s *Slave) Serve(adu []byte) []byte {
	if !crc.Valid(adu) || len(adu) < rtu.MinSize || adu[0] != s.ID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mute > 0 {
		s.mute--
		return nil
	}

	req := modbus.ProtocolDataUnit{FunctionCode: adu[1], Data: adu[2 : len(adu)-2]}
	var resp modbus.ProtocolDataUnit
	if s.exception != 0 {
		resp = exception(req.FunctionCode, s.exception)
	} else {
		resp = s.Process(req)
	}

	out := make([]byte, 0, 2+len(resp.Data)+2)
	out = append(out, s.ID, resp.FunctionCode)
	out = append(out, resp.Data...)
	out = crc.Append(out)
	if s.corrupt > 0 {
		s.corrupt--
		out[len(out)-1] ^= 0x01
	}
	return out
}

// Process executes the function code against the data model.
func (s *Slave) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.handleRead(req, modbus.MaxCoilsPerRead, s.Model.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return s.handleRead(req, modbus.MaxCoilsPerRead, s.Model.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleRead(req, modbus.MaxRegistersPerRead, s.Model.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return s.handleRead(req, modbus.MaxRegistersPerRead, s.Model.ReadInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return s.handleWriteSingle(req, s.Model.WriteSingleCoil)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingle(req, s.Model.WriteSingleRegister)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.handleWriteMultiple(req, modbus.MaxCoilsPerWrite, s.Model.WriteMultipleCoils)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultiple(req, modbus.MaxRegistersPerWrite, s.Model.WriteMultipleRegisters)
	default:
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

func (s *Slave) handleRead(req modbus.ProtocolDataUnit, limit uint16, read func(address, quantity uint16) ([]byte, error)) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > limit {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	data, err := read(address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}
}

func (s *Slave) handleWriteSingle(req modbus.ProtocolDataUnit, write func(address, value uint16) error) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := write(address, value); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	return req // Echo request
}

func (s *Slave) handleWriteMultiple(req modbus.ProtocolDataUnit, limit uint16, write func(address, quantity uint16, data []byte) error) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > limit || int(byteCount) != len(req.Data)-5 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if err := write(address, quantity, req.Data[5:]); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}
}

func exception(funcCode byte, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: funcCode | modbus.ExceptionBit,
		Data:         []byte{code},
	}
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
)

// Response is a validated response ADU.
type Response struct {
	SlaveID       byte
	FunctionCode  byte
	Exception     bool
	ExceptionCode byte
	// Data is the payload after the function code. For reads the leading
	// byte count is stripped; for writes it holds the 4 echoed bytes.
	Data []byte
	CRC  uint16
}

// ParseResponse validates raw against the request that produced it.
//
// Checks run in a fixed order: minimum length, CRC, slave address, exception,
// function code, then byte count or write echo. On an exception response the
// parsed Response is returned together with a *modbus.ExceptionError.
func ParseResponse(req *Request, raw []byte) (*Response, error) {
	length := len(raw)
	if length < MinResponseSize {
		return nil, fmt.Errorf("%w: response length '%v' does not meet minimum '%v'", modbus.StatusUnexpectedResponse, length, MinResponseSize)
	}

	adu, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	if adu.SlaveID != req.SlaveID {
		return nil, fmt.Errorf("%w: response slave id '%v' does not match request '%v'", modbus.StatusUnexpectedResponse, adu.SlaveID, req.SlaveID)
	}

	resp := &Response{
		SlaveID:      adu.SlaveID,
		FunctionCode: adu.Pdu.FunctionCode,
		CRC:          adu.CRC,
	}
	data := adu.Pdu.Data

	if resp.FunctionCode&modbus.ExceptionBit != 0 {
		// An exception for another function is not an answer to req, so it is
		// reported as a (retryable) unexpected response, never as the exception.
		if resp.FunctionCode&^modbus.ExceptionBit != req.FunctionCode {
			return nil, fmt.Errorf("%w: exception for function '%v' does not match request '%v'", modbus.StatusUnexpectedResponse, resp.FunctionCode&^modbus.ExceptionBit, req.FunctionCode)
		}
		if length != ExceptionSize {
			return nil, fmt.Errorf("%w: exception response length '%v', expected '%v'", modbus.StatusUnexpectedResponse, length, ExceptionSize)
		}
		resp.Exception = true
		resp.ExceptionCode = data[0]
		return resp, &modbus.ExceptionError{FunctionCode: resp.FunctionCode, ExceptionCode: resp.ExceptionCode}
	}

	if resp.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("%w: response function '%v' does not match request '%v'", modbus.StatusUnexpectedResponse, resp.FunctionCode, req.FunctionCode)
	}

	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		byteCount := int(data[0])
		if byteCount != length-5 {
			return nil, fmt.Errorf("%w: byte count '%v' does not match frame length '%v'", modbus.StatusUnexpectedResponse, byteCount, length)
		}
		if byteCount != req.ByteCount() {
			return nil, fmt.Errorf("%w: byte count '%v' does not match requested quantity '%v'", modbus.StatusUnexpectedResponse, byteCount, req.Quantity)
		}
		resp.Data = data[1:]
	default:
		if length != WriteEchoSize {
			return nil, fmt.Errorf("%w: write response length '%v', expected '%v'", modbus.StatusUnexpectedResponse, length, WriteEchoSize)
		}
		address := binary.BigEndian.Uint16(data[0:])
		echoed := binary.BigEndian.Uint16(data[2:])
		if address != req.Address || echoed != req.Quantity {
			return nil, fmt.Errorf("%w: write echo '%v/%v' does not match request '%v/%v'", modbus.StatusUnexpectedResponse, address, echoed, req.Address, req.Quantity)
		}
		resp.Data = data
	}
	return resp, nil
}

// Registers reassembles big-endian register pairs into out and returns the count copied.
func (r *Response) Registers(out []uint16) int {
	n := len(r.Data) / 2
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(r.Data[i*2:])
	}
	return n
}

// Bits copies the packed coil bytes (LSB first) verbatim into out.
func (r *Response) Bits(out []byte) int {
	return copy(out, r.Data)
}

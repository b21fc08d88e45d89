// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
)

// CalculateResponseLength returns the expected length of a response ADU.
func CalculateResponseLength(adu []byte) int {
	length := MinSize
	if len(adu) < 6 {
		return length
	}
	switch adu[1] {
	case modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadHoldingRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	default:
	}
	return length
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	// Header should be at least 7 bytes to cover ByteCount for 0x0F/0x10.
	// [SlaveID, Func, Appd1, Appd2, Appd3, Appd4/ByteCount]

	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		byteCount := int(header[6])
		return 7 + byteCount + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// Assembler accumulates response bytes delivered by successive polls and
// reports when a syntactically complete frame is buffered. The frame length
// is derived from the response's own header so that a frame carrying the
// wrong address or function still completes and can be rejected on its merits.
type Assembler struct {
	buf      []byte
	fallback int
	dropped  int
}

// NewAssembler returns an Assembler holding at most capacity bytes. request is
// the encoded request ADU, used to size responses whose function code is not recognised.
func NewAssembler(capacity int, request []byte) *Assembler {
	if capacity <= 0 || capacity > MaxSize {
		capacity = MaxSize
	}
	fallback := CalculateResponseLength(request)
	if fallback < MinResponseSize {
		fallback = MinResponseSize
	}
	return &Assembler{
		buf:      make([]byte, 0, capacity),
		fallback: fallback,
	}
}

// Reset discards buffered bytes so the Assembler can serve another attempt.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.dropped = 0
}

// Write appends p, silently dropping whatever exceeds the capacity.
func (a *Assembler) Write(p []byte) (int, error) {
	room := cap(a.buf) - len(a.buf)
	if len(p) > room {
		a.dropped += len(p) - room
		p = p[:room]
	}
	a.buf = append(a.buf, p...)
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Dropped returns how many bytes were discarded for lack of capacity.
func (a *Assembler) Dropped() int {
	return a.dropped
}

// Expected returns the frame length implied by the bytes seen so far, or 0
// while the header is still incomplete.
func (a *Assembler) Expected() int {
	if len(a.buf) < 2 {
		return 0
	}
	fc := a.buf[1]
	if fc&modbus.ExceptionBit != 0 {
		return ExceptionSize
	}
	switch fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		if len(a.buf) < 3 {
			return 0
		}
		return 5 + int(a.buf[2])
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		return WriteEchoSize
	default:
		return a.fallback
	}
}

// Complete reports whether a whole frame is buffered, or the buffer is full.
func (a *Assembler) Complete() bool {
	if len(a.buf) == cap(a.buf) {
		return true
	}
	exp := a.Expected()
	return exp > 0 && len(a.buf) >= exp
}

// Frame returns the buffered frame, trimmed to the expected length when more arrived.
func (a *Assembler) Frame() []byte {
	if exp := a.Expected(); exp > 0 && len(a.buf) > exp {
		return a.buf[:exp]
	}
	return a.buf
}

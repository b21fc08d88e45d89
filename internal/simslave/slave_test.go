// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simslave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

func encode(t *testing.T, req *rtu.Request) []byte {
	t.Helper()
	adu, err := req.Encode()
	require.NoError(t, err)
	return adu
}

func TestSlave_WriteThenRead(t *testing.T) {
	s := New(1)
	write := rtu.NewWriteMultipleRequest(1, modbus.FuncCodeWriteMultipleRegisters, 1, 2, []byte{0x0A, 0x28, 0x11, 0x94})
	reply := s.Serve(encode(t, write))
	_, err := rtu.ParseResponse(write, reply)
	require.NoError(t, err)
	assert.Equal(t, uint16(2600), s.Model.HoldingRegister(1))
	assert.Equal(t, uint16(4500), s.Model.HoldingRegister(2))

	read := rtu.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 1, 2)
	resp, err := rtu.ParseResponse(read, s.Serve(encode(t, read)))
	require.NoError(t, err)
	out := make([]uint16, 2)
	resp.Registers(out)
	assert.Equal(t, []uint16{2600, 4500}, out)
}

func TestSlave_Coils(t *testing.T) {
	s := New(3)
	write := rtu.NewWriteMultipleRequest(3, modbus.FuncCodeWriteMultipleCoils, 0x13, 10, []byte{0xCD, 0x01})
	_, err := rtu.ParseResponse(write, s.Serve(encode(t, write)))
	require.NoError(t, err)
	assert.True(t, s.Model.Coil(0x13))
	assert.False(t, s.Model.Coil(0x14))

	single := rtu.NewWriteSingleRequest(3, modbus.FuncCodeWriteSingleCoil, 0x14, modbus.CoilOn)
	_, err = rtu.ParseResponse(single, s.Serve(encode(t, single)))
	require.NoError(t, err)

	read := rtu.NewReadRequest(3, modbus.FuncCodeReadCoils, 0x13, 10)
	resp, err := rtu.ParseResponse(read, s.Serve(encode(t, read)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCF, 0x01}, resp.Data)
}

func TestSlave_Silence(t *testing.T) {
	s := New(1)
	req := encode(t, rtu.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 1))

	other := encode(t, rtu.NewReadRequest(2, modbus.FuncCodeReadHoldingRegisters, 0, 1))
	assert.Nil(t, s.Serve(other), "other slave")

	damaged := append([]byte(nil), req...)
	damaged[2] ^= 0xFF
	assert.Nil(t, s.Serve(damaged), "bad crc")

	s.Mute(1)
	assert.Nil(t, s.Serve(req))
	assert.NotNil(t, s.Serve(req))
}

func TestSlave_FaultInjection(t *testing.T) {
	s := New(1)
	req := rtu.NewReadRequest(1, modbus.FuncCodeReadInputRegisters, 0, 1)

	s.Corrupt(1)
	reply := s.Serve(encode(t, req))
	assert.False(t, crc.Valid(reply))
	assert.True(t, crc.Valid(s.Serve(encode(t, req))))

	s.FailWith(modbus.ExceptionCodeSlaveDeviceBusy)
	_, err := rtu.ParseResponse(req, s.Serve(encode(t, req)))
	assert.ErrorIs(t, err, modbus.StatusSlaveBusy)

	s.FailWith(0)
	_, err = rtu.ParseResponse(req, s.Serve(encode(t, req)))
	assert.NoError(t, err)
}

func TestSlave_Exceptions(t *testing.T) {
	s := New(1)
	tests := []struct {
		name string
		pdu  modbus.ProtocolDataUnit
		want byte
	}{
		{"unknown function", modbus.ProtocolDataUnit{FunctionCode: 0x2B, Data: []byte{0, 0, 0, 1}}, modbus.ExceptionCodeIllegalFunction},
		{"quantity zero", modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0, 0, 0, 0}}, modbus.ExceptionCodeIllegalDataValue},
		{"range overflow", modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0xFF, 0xFF, 0, 2}}, modbus.ExceptionCodeIllegalDataAddress},
		{"bad coil value", modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0, 0, 0x12, 0x34}}, modbus.ExceptionCodeIllegalDataValue},
		{"byte count", modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0, 0, 0, 1, 4, 0, 1}}, modbus.ExceptionCodeIllegalDataValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Process(tt.pdu)
			assert.Equal(t, tt.pdu.FunctionCode|modbus.ExceptionBit, resp.FunctionCode)
			assert.Equal(t, []byte{tt.want}, resp.Data)
		})
	}
}

func TestDataModel_Seed(t *testing.T) {
	m := NewDataModel()
	m.SetInputRegisters(10, 1, 2, 3)
	m.SetDiscreteInputs(0, true, false, true)

	regs, err := m.ReadInputRegisters(10, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0, 2, 0, 3}, regs)

	bits, err := m.ReadDiscreteInputs(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, bits)
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package master

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	rtupacket "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

// ReadHoldingRegisters reads count registers starting at start into out[:count].
func (m *Master) ReadHoldingRegisters(ctx context.Context, port transport.PortID, slave byte, start, count uint16, out []uint16) error {
	return m.readRegisters(ctx, port, rtupacket.NewReadRequest(slave, modbus.FuncCodeReadHoldingRegisters, start, count), out)
}

// ReadInputRegisters reads count input registers starting at start into out[:count].
func (m *Master) ReadInputRegisters(ctx context.Context, port transport.PortID, slave byte, start, count uint16, out []uint16) error {
	return m.readRegisters(ctx, port, rtupacket.NewReadRequest(slave, modbus.FuncCodeReadInputRegisters, start, count), out)
}

// WriteSingleRegister writes value to the holding register at addr.
func (m *Master) WriteSingleRegister(ctx context.Context, port transport.PortID, slave byte, addr, value uint16) error {
	_, err := m.execute(ctx, port, rtupacket.NewWriteSingleRequest(slave, modbus.FuncCodeWriteSingleRegister, addr, value))
	return err
}

// WriteMultipleRegisters writes values[:count] starting at start.
func (m *Master) WriteMultipleRegisters(ctx context.Context, port transport.PortID, slave byte, start, count uint16, values []uint16) error {
	if len(values) < int(count) {
		return shortBuffer("values", len(values), int(count))
	}
	payload := make([]byte, int(count)*2)
	for i := 0; i < int(count); i++ {
		binary.BigEndian.PutUint16(payload[i*2:], values[i])
	}
	_, err := m.execute(ctx, port, rtupacket.NewWriteMultipleRequest(slave, modbus.FuncCodeWriteMultipleRegisters, start, count, payload))
	return err
}

// ReadCoils reads count coils into out, packed LSB first: coil start is bit 0 of out[0].
func (m *Master) ReadCoils(ctx context.Context, port transport.PortID, slave byte, start, count uint16, out []byte) error {
	return m.readBits(ctx, port, rtupacket.NewReadRequest(slave, modbus.FuncCodeReadCoils, start, count), out)
}

// ReadDiscreteInputs reads count discrete inputs into out, packed like ReadCoils.
func (m *Master) ReadDiscreteInputs(ctx context.Context, port transport.PortID, slave byte, start, count uint16, out []byte) error {
	return m.readBits(ctx, port, rtupacket.NewReadRequest(slave, modbus.FuncCodeReadDiscreteInputs, start, count), out)
}

// WriteSingleCoil switches the coil at addr on or off.
func (m *Master) WriteSingleCoil(ctx context.Context, port transport.PortID, slave byte, addr uint16, on bool) error {
	value := modbus.CoilOff
	if on {
		value = modbus.CoilOn
	}
	_, err := m.execute(ctx, port, rtupacket.NewWriteSingleRequest(slave, modbus.FuncCodeWriteSingleCoil, addr, value))
	return err
}

// WriteMultipleCoils writes count coils from values, packed LSB first.
func (m *Master) WriteMultipleCoils(ctx context.Context, port transport.PortID, slave byte, start, count uint16, values []byte) error {
	n := (int(count) + 7) / 8
	if len(values) < n {
		return shortBuffer("values", len(values), n)
	}
	payload := append([]byte(nil), values[:n]...)
	// Bits past count in the last byte are padding and go out as zero.
	if rem := count % 8; rem != 0 {
		payload[n-1] &= byte(1<<rem) - 1
	}
	_, err := m.execute(ctx, port, rtupacket.NewWriteMultipleRequest(slave, modbus.FuncCodeWriteMultipleCoils, start, count, payload))
	return err
}

func (m *Master) readRegisters(ctx context.Context, port transport.PortID, req *rtupacket.Request, out []uint16) error {
	if len(out) < int(req.Quantity) {
		return shortBuffer("out", len(out), int(req.Quantity))
	}
	resp, err := m.execute(ctx, port, req)
	if err != nil {
		return err
	}
	resp.Registers(out[:req.Quantity])
	return nil
}

func (m *Master) readBits(ctx context.Context, port transport.PortID, req *rtupacket.Request, out []byte) error {
	if len(out) < req.ByteCount() {
		return shortBuffer("out", len(out), req.ByteCount())
	}
	resp, err := m.execute(ctx, port, req)
	if err != nil {
		return err
	}
	resp.Bits(out)
	return nil
}

// execute validates req before looking at port state, so bad arguments never reach the wire.
func (m *Master) execute(ctx context.Context, port transport.PortID, req *rtupacket.Request) (*rtupacket.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	client, err := m.client(port)
	if err != nil {
		return nil, err
	}
	return client.Execute(ctx, req)
}

func shortBuffer(name string, have, need int) error {
	return fmt.Errorf("%w: %s buffer holds %d, need %d", modbus.StatusInvalidParameter, name, have, need)
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simslave

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// DataModel holds the four Modbus tables of a simulated slave.
// It uses a simple flat memory model covering the full 16-bit address space.
type DataModel struct {
	mu sync.RWMutex

	// Bit tables store 1 (ON) or 0 (OFF) per address.
	coils          []byte
	discreteInputs []byte

	holdingRegisters []uint16
	inputRegisters   []uint16
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		coils:            make([]byte, MaxAddress+1),
		discreteInputs:   make([]byte, MaxAddress+1),
		holdingRegisters: make([]uint16, MaxAddress+1),
		inputRegisters:   make([]uint16, MaxAddress+1),
	}
}

// ReadCoils returns quantity coils packed LSB first.
func (m *DataModel) ReadCoils(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return packBits(m.coils, address, quantity)
}

// ReadDiscreteInputs returns quantity discrete inputs packed LSB first.
func (m *DataModel) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return packBits(m.discreteInputs, address, quantity)
}

// ReadHoldingRegisters returns quantity holding registers as big-endian bytes.
func (m *DataModel) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return packRegisters(m.holdingRegisters, address, quantity)
}

// ReadInputRegisters returns quantity input registers as big-endian bytes.
func (m *DataModel) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return packRegisters(m.inputRegisters, address, quantity)
}

// WriteSingleCoil writes a single coil. value must be 0xFF00 (ON) or 0x0000 (OFF).
func (m *DataModel) WriteSingleCoil(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch value {
	case 0xFF00:
		m.coils[address] = 1
	case 0x0000:
		m.coils[address] = 0
	default:
		return fmt.Errorf("invalid coil value 0x%04X", value)
	}
	return nil
}

// WriteMultipleCoils writes a range of coils from packed bytes.
func (m *DataModel) WriteMultipleCoils(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < (int(quantity)+7)/8 {
		return fmt.Errorf("insufficient data length")
	}
	for i := 0; i < int(quantity); i++ {
		m.coils[int(address)+i] = (data[i/8] >> uint(i%8)) & 1
	}
	return nil
}

// WriteSingleRegister writes a single holding register.
func (m *DataModel) WriteSingleRegister(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holdingRegisters[address] = value
	return nil
}

// WriteMultipleRegisters writes a range of holding registers from big-endian bytes.
func (m *DataModel) WriteMultipleRegisters(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length")
	}
	for i := 0; i < int(quantity); i++ {
		m.holdingRegisters[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

// SetInputRegisters seeds the read-only register table.
func (m *DataModel) SetInputRegisters(address uint16, values ...uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.inputRegisters[address:], values)
}

// SetDiscreteInputs seeds the read-only bit table.
func (m *DataModel) SetDiscreteInputs(address uint16, values ...bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range values {
		if int(address)+i > MaxAddress {
			return
		}
		m.discreteInputs[int(address)+i] = 0
		if v {
			m.discreteInputs[int(address)+i] = 1
		}
	}
}

// HoldingRegister returns one holding register.
func (m *DataModel) HoldingRegister(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdingRegisters[address]
}

// Coil returns one coil.
func (m *DataModel) Coil(address uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coils[address] != 0
}

func packBits(table []byte, address, quantity uint16) ([]byte, error) {
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if table[int(address)+i] != 0 {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result, nil
}

func packRegisters(table []uint16, address, quantity uint16) ([]byte, error) {
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], table[int(address)+i])
	}
	return result, nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}

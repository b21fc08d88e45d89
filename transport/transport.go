// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport owns the physical side of a Modbus RTU master port: the
// UART driver, the half-duplex direction line and the exclusive port lock.
package transport

import (
	"fmt"
	"time"
)

// PortID selects one of the statically allocated ports.
type PortID uint8

const (
	Port0 PortID = iota
	Port1
	Port2
	Port3

	// MaxPorts is the number of ports the registry can hold.
	MaxPorts
)

// Valid reports whether id names a registry slot.
func (id PortID) Valid() bool {
	return id < MaxPorts
}

func (id PortID) String() string {
	return fmt.Sprintf("port%d", uint8(id))
}

// DriverKind selects the Driver implementation behind a port.
type DriverKind string

const (
	DriverSerial   DriverKind = "serial"
	DriverLoopback DriverKind = "loopback"
	// DriverTCP sends RTU frames to a serial device server; Device is host:port.
	DriverTCP DriverKind = "rtu-over-tcp"
)

// Parity uses the single-letter form understood by the serial driver.
type Parity string

const (
	ParityNone Parity = "N"
	ParityEven Parity = "E"
	ParityOdd  Parity = "O"
)

// LineSettings is what a Driver needs to configure the UART.
type LineSettings struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   Parity
	// ReadTimeout bounds a single Read call. The engine polls in slices of this length.
	ReadTimeout time.Duration
	// RS485 is non-nil when the kernel drives RTS for direction control.
	RS485 *KernelRS485
}

// Driver is the UART collaborator.
type Driver interface {
	Configure(settings LineSettings) error
	Write(p []byte) (int, error)
	// Read returns whatever arrived within the configured ReadTimeout.
	// It returns 0, nil when nothing arrived.
	Read(p []byte) (int, error)
	// FlushInput discards stale received bytes.
	FlushInput() error
	Close() error
}

// DirectionLine is the half-duplex transmit-enable collaborator.
type DirectionLine interface {
	Assert() error
	Deassert() error
	Close() error
}

// Direction selects how the transceiver is switched between transmit and
// receive. It is one of NoDirection, KernelRS485 or GPIODirection.
type Direction interface {
	Mode() string
	isDirection()
}

// NoDirection is for full-duplex links or transceivers with automatic direction control.
type NoDirection struct{}

// KernelRS485 lets the UART driver toggle RTS around each transmission.
type KernelRS485 struct {
	DelayBeforeSend time.Duration
	DelayAfterSend  time.Duration
	RxDuringTx      bool
}

// GPIODirection drives an explicit GPIO line high while transmitting.
type GPIODirection struct {
	Chip      string
	Line      int
	ActiveLow bool
}

func (NoDirection) Mode() string   { return "none" }
func (KernelRS485) Mode() string   { return "rs485" }
func (GPIODirection) Mode() string { return "gpio" }

func (NoDirection) isDirection()   {}
func (KernelRS485) isDirection()   {}
func (GPIODirection) isDirection() {}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"fmt"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

const (
	DefaultBaudRate        = 9600
	DefaultResponseTimeout = 500 * time.Millisecond
	// DefaultMaxRetries is what configuration files get when max_retries is
	// absent. WithDefaults leaves MaxRetries alone: zero is a valid setting.
	DefaultMaxRetries      = 2
	DefaultRetryBackoff    = 50 * time.Millisecond
	DefaultPollInterval    = 5 * time.Millisecond
)

// PortConfig describes one master port. It is immutable once the port is initialized.
type PortConfig struct {
	ID     PortID
	Device string
	Driver DriverKind

	Direction Direction

	BaudRate int
	DataBits int
	StopBits int
	Parity   Parity

	// ResponseTimeout applies to each attempt, not to the whole transaction.
	ResponseTimeout time.Duration
	// MaxRetries is the number of attempts after the first. Zero means a
	// single attempt and is not replaced by a default.
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration
	// LockTimeout bounds the wait for the port lock.
	LockTimeout time.Duration

	RxBufferSize int
	TxBufferSize int
}

// WithDefaults returns a copy of c with unset fields filled in.
// MaxRetries is not among them; see DefaultMaxRetries.
func (c PortConfig) WithDefaults() PortConfig {
	if c.Driver == "" {
		c.Driver = DriverSerial
	}
	if c.Direction == nil {
		c.Direction = NoDirection{}
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = ParityNone
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval > c.ResponseTimeout {
		c.PollInterval = c.ResponseTimeout
	}
	if c.LockTimeout == 0 {
		// Long enough for a transaction that burns its whole retry budget.
		c.LockTimeout = time.Duration(c.MaxRetries+1)*(c.ResponseTimeout+c.RetryBackoff) + time.Second
	}
	if c.RxBufferSize == 0 {
		c.RxBufferSize = rtu.MaxSize
	}
	if c.TxBufferSize == 0 {
		c.TxBufferSize = rtu.MaxSize
	}
	return c
}

// Validate rejects configurations the port cannot honour.
func (c PortConfig) Validate() error {
	if !c.ID.Valid() {
		return fmt.Errorf("%w: port id %d out of range [0, %d)", modbus.StatusInvalidParameter, c.ID, MaxPorts)
	}
	switch c.Driver {
	case DriverSerial:
		if c.Device == "" {
			return fmt.Errorf("%w: %s: serial driver needs a device", modbus.StatusInvalidParameter, c.ID)
		}
	case DriverTCP:
		if c.Device == "" {
			return fmt.Errorf("%w: %s: rtu-over-tcp driver needs an address", modbus.StatusInvalidParameter, c.ID)
		}
	case DriverLoopback:
	default:
		return fmt.Errorf("%w: %s: unknown driver %q", modbus.StatusInvalidParameter, c.ID, c.Driver)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: %s: baud rate %d", modbus.StatusInvalidParameter, c.ID, c.BaudRate)
	}
	if c.DataBits != 7 && c.DataBits != 8 {
		return fmt.Errorf("%w: %s: data bits %d", modbus.StatusInvalidParameter, c.ID, c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: %s: stop bits %d", modbus.StatusInvalidParameter, c.ID, c.StopBits)
	}
	switch c.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("%w: %s: parity %q", modbus.StatusInvalidParameter, c.ID, c.Parity)
	}
	if c.ResponseTimeout <= 0 || c.PollInterval <= 0 || c.LockTimeout <= 0 {
		return fmt.Errorf("%w: %s: timeouts must be positive", modbus.StatusInvalidParameter, c.ID)
	}
	if c.MaxRetries < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("%w: %s: negative retry settings", modbus.StatusInvalidParameter, c.ID)
	}
	if c.RxBufferSize < rtu.MinResponseSize || c.RxBufferSize > rtu.MaxSize {
		return fmt.Errorf("%w: %s: rx buffer %d not in [%d, %d]", modbus.StatusInvalidParameter, c.ID, c.RxBufferSize, rtu.MinResponseSize, rtu.MaxSize)
	}
	if c.TxBufferSize < rtu.MinSize+4 || c.TxBufferSize > rtu.MaxSize {
		return fmt.Errorf("%w: %s: tx buffer %d not in [%d, %d]", modbus.StatusInvalidParameter, c.ID, c.TxBufferSize, rtu.MinSize+4, rtu.MaxSize)
	}
	switch d := c.Direction.(type) {
	case NoDirection, KernelRS485:
		if _, ok := d.(KernelRS485); ok && c.Driver != DriverSerial {
			return fmt.Errorf("%w: %s: kernel rs485 needs the serial driver", modbus.StatusInvalidParameter, c.ID)
		}
	case GPIODirection:
		if d.Chip == "" || d.Line < 0 {
			return fmt.Errorf("%w: %s: gpio direction needs a chip and line", modbus.StatusInvalidParameter, c.ID)
		}
	default:
		return fmt.Errorf("%w: %s: direction not set", modbus.StatusInvalidParameter, c.ID)
	}
	return nil
}

// LineSettings derives the driver settings from the port configuration.
func (c PortConfig) LineSettings() LineSettings {
	ls := LineSettings{
		BaudRate:    c.BaudRate,
		DataBits:    c.DataBits,
		StopBits:    c.StopBits,
		Parity:      c.Parity,
		ReadTimeout: c.PollInterval,
	}
	if rs, ok := c.Direction.(KernelRS485); ok {
		ls.RS485 = &rs
	}
	return ls
}

// CharTime is the on-wire duration of one character.
func (c PortConfig) CharTime() time.Duration {
	bits := 1 + c.DataBits + c.StopBits
	if c.Parity != ParityNone {
		bits++
	}
	return time.Duration(bits) * time.Second / time.Duration(c.BaudRate)
}

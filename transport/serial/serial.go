// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial is the UART driver for real hardware, built on grid-x/serial.
package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"

	gridserial "github.com/grid-x/serial"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/transport"
)

// maxFlush bounds how many stale bytes FlushInput will discard before giving up.
const maxFlush = 4096

// opener exists so tests can substitute the port.
var opener = func(cfg *gridserial.Config) (io.ReadWriteCloser, error) {
	return gridserial.Open(cfg)
}

// Port drives one serial device.
type Port struct {
	// Serial port configuration.
	gridserial.Config

	logger *zap.Logger

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// New returns a driver for device. Nothing is opened until Configure.
func New(device string, logger *zap.Logger) *Port {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Port{
		Config: gridserial.Config{Address: device},
		logger: logger,
	}
}

// Configure (re)opens the device with the given line settings.
func (sp *Port) Configure(ls transport.LineSettings) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.Config.BaudRate = ls.BaudRate
	sp.Config.DataBits = ls.DataBits
	sp.Config.StopBits = ls.StopBits
	sp.Config.Parity = string(ls.Parity)
	sp.Config.Timeout = ls.ReadTimeout
	sp.Config.RS485 = gridserial.RS485Config{}
	if ls.RS485 != nil {
		sp.Config.RS485 = gridserial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: ls.RS485.DelayBeforeSend,
			DelayRtsAfterSend:  ls.RS485.DelayAfterSend,
			RtsHighDuringSend:  true,
			RtsHighAfterSend:   false,
			RxDuringTx:         ls.RS485.RxDuringTx,
		}
	}

	if err := sp.close(); err != nil {
		sp.logger.Warn("closing previous handle", zap.Error(err))
	}
	port, err := opener(&sp.Config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", sp.Config.Address, err)
	}
	sp.port = port
	sp.logger.Debug("serial port configured",
		zap.String("device", sp.Config.Address),
		zap.Int("baud", sp.Config.BaudRate),
		zap.String("parity", sp.Config.Parity),
		zap.Bool("rs485", sp.Config.RS485.Enabled))
	return nil
}

func (sp *Port) Write(p []byte) (int, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.port == nil {
		return 0, fmt.Errorf("%s: not open", sp.Config.Address)
	}
	return sp.port.Write(p)
}

// Read returns what arrived within the configured timeout; an expired timeout is not an error.
func (sp *Port) Read(p []byte) (int, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.port == nil {
		return 0, fmt.Errorf("%s: not open", sp.Config.Address)
	}
	n, err := sp.port.Read(p)
	if err != nil && (errors.Is(err, gridserial.ErrTimeout) || errors.Is(err, io.EOF)) {
		err = nil
	}
	return n, err
}

// FlushInput reads and discards until the line has been quiet for one read timeout.
func (sp *Port) FlushInput() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.port == nil {
		return fmt.Errorf("%s: not open", sp.Config.Address)
	}
	var buf [64]byte
	for discarded := 0; discarded < maxFlush; {
		n, err := sp.port.Read(buf[:])
		if err != nil && !errors.Is(err, gridserial.ErrTimeout) && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 {
			if discarded > 0 {
				sp.logger.Debug("flushed stale input", zap.Int("bytes", discarded))
			}
			return nil
		}
		discarded += n
	}
	return fmt.Errorf("%s: input did not go quiet after %d bytes", sp.Config.Address, maxFlush)
}

func (sp *Port) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (sp *Port) close() (err error) {
	if sp.port != nil {
		err = sp.port.Close()
		sp.port = nil
	}
	return
}

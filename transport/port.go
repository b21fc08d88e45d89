// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ffutop/modbus-master/modbus"
)

// Port couples a driver and an optional direction line behind an exclusive lock.
// Only the holder of the lock may call the I/O methods.
type Port struct {
	cfg    PortConfig
	driver Driver
	line   DirectionLine

	sem    *semaphore.Weighted
	logger *zap.Logger
	sleep  func(time.Duration)

	// Guarded by the port lock.
	lastActivity time.Time
	closed       bool
}

// Option configures a Port.
type Option func(*Port)

// WithLogger sets the logger used for port lifecycle and direction events.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Port) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleep replaces time.Sleep for the transmit-complete wait.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Port) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// NewPort validates cfg and wraps driver. line must be non-nil when cfg
// selects GPIO direction control and is ignored otherwise.
func NewPort(cfg PortConfig, driver Driver, line DirectionLine, opts ...Option) (*Port, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, fmt.Errorf("%w: %s: nil driver", modbus.StatusInvalidParameter, cfg.ID)
	}
	if _, ok := cfg.Direction.(GPIODirection); ok {
		if line == nil {
			return nil, fmt.Errorf("%w: %s: gpio direction without a line", modbus.StatusInvalidParameter, cfg.ID)
		}
	} else {
		line = nil
	}

	p := &Port{
		cfg:    cfg,
		driver: driver,
		line:   line,
		sem:    semaphore.NewWeighted(1),
		logger: zap.NewNop(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.Stringer("port", cfg.ID))
	return p, nil
}

// Config returns the effective configuration, defaults included.
func (p *Port) Config() PortConfig {
	return p.cfg
}

// Open configures the UART and leaves the direction line in receive.
func (p *Port) Open() error {
	if err := p.driver.Configure(p.cfg.LineSettings()); err != nil {
		return fmt.Errorf("%w: %s: configure %s: %w", modbus.StatusError, p.cfg.ID, p.cfg.Device, err)
	}
	if p.line != nil {
		if err := p.line.Deassert(); err != nil {
			return fmt.Errorf("%w: %s: direction line: %w", modbus.StatusError, p.cfg.ID, err)
		}
	}
	p.closed = false
	p.logger.Info("port opened",
		zap.String("device", p.cfg.Device),
		zap.String("driver", string(p.cfg.Driver)),
		zap.String("direction", p.cfg.Direction.Mode()),
		zap.Int("baud", p.cfg.BaudRate))
	return nil
}

// Close releases the driver and the direction line. Later Acquire calls
// report StatusNotInitialized.
func (p *Port) Close() error {
	p.closed = true
	err := p.driver.Close()
	if p.line != nil {
		err = multierr.Append(err, p.line.Close())
	}
	p.logger.Info("port closed")
	if err != nil {
		return fmt.Errorf("%w: %s: close: %w", modbus.StatusError, p.cfg.ID, err)
	}
	return nil
}

// Acquire takes the exclusive port lock, waiting at most LockTimeout.
// Failing to get the lock in time, or ctx ending first, yields StatusBusy.
func (p *Port) Acquire(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	defer cancel()
	if err := p.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", modbus.StatusBusy, p.cfg.ID, ctx.Err())
		}
		return fmt.Errorf("%w: %s: lock not acquired within %v", modbus.StatusBusy, p.cfg.ID, p.cfg.LockTimeout)
	}
	if p.closed {
		p.sem.Release(1)
		return fmt.Errorf("%w: %s: closed", modbus.StatusNotInitialized, p.cfg.ID)
	}
	return nil
}

// Release gives up the lock taken by Acquire.
func (p *Port) Release() {
	p.sem.Release(1)
}

// FlushInput drops stale bytes so a late reply to a previous attempt cannot be mistaken for this one.
func (p *Port) FlushInput() error {
	if err := p.driver.FlushInput(); err != nil {
		return fmt.Errorf("%w: %s: flush: %w", modbus.StatusError, p.cfg.ID, err)
	}
	return nil
}

// Write sends adu in full.
func (p *Port) Write(adu []byte) error {
	if len(adu) > p.cfg.TxBufferSize {
		return fmt.Errorf("%w: %s: frame of %d bytes exceeds tx buffer %d", modbus.StatusInvalidParameter, p.cfg.ID, len(adu), p.cfg.TxBufferSize)
	}
	for written := 0; written < len(adu); {
		n, err := p.driver.Write(adu[written:])
		if err != nil {
			return fmt.Errorf("%w: %s: write: %w", modbus.StatusError, p.cfg.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s: write made no progress", modbus.StatusError, p.cfg.ID)
		}
		written += n
	}
	p.lastActivity = time.Now()
	return nil
}

// ReadAvailable reads whatever arrives within one poll slice.
func (p *Port) ReadAvailable(buf []byte) (int, error) {
	n, err := p.driver.Read(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %s: read: %w", modbus.StatusError, p.cfg.ID, err)
	}
	if n > 0 {
		p.lastActivity = time.Now()
	}
	return n, nil
}

// BeginTransmit switches the transceiver to transmit.
func (p *Port) BeginTransmit() error {
	if p.line == nil {
		return nil
	}
	if err := p.line.Assert(); err != nil {
		return fmt.Errorf("%w: %s: assert direction: %w", modbus.StatusError, p.cfg.ID, err)
	}
	return nil
}

// EndTransmit waits until n bytes have left the wire, then switches back to
// receive. Turning the line around early would truncate the frame's tail.
func (p *Port) EndTransmit(n int) error {
	if p.line == nil {
		return nil
	}
	p.sleep(p.TransmitTime(n))
	p.lastActivity = time.Now()
	if err := p.line.Deassert(); err != nil {
		return fmt.Errorf("%w: %s: deassert direction: %w", modbus.StatusError, p.cfg.ID, err)
	}
	return nil
}

// WaitIdle blocks until the line has been silent for one frame gap.
func (p *Port) WaitIdle() {
	if p.lastActivity.IsZero() {
		return
	}
	if d := p.FrameGap() - time.Since(p.lastActivity); d > 0 {
		p.sleep(d)
	}
}

// FrameGap is the 3.5 character silence that delimits RTU frames.
// Above 19200 baud the fixed 1750µs applies.
func (p *Port) FrameGap() time.Duration {
	if p.cfg.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return 35 * p.cfg.CharTime() / 10
}

// TransmitTime is how long n characters occupy the wire at the configured line settings.
func (p *Port) TransmitTime(n int) time.Duration {
	return time.Duration(n) * p.cfg.CharTime()
}

// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu runs Modbus RTU master transactions over a transport.Port:
// one request, one validated response, with bounded retries.
package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/modbus"
	rtupacket "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

// State is the position of a transaction in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingResponse
	StateValidating
	StateSuccess
	StateRetryable
	StateFatal
)

var stateNames = [...]string{
	StateIdle:             "Idle",
	StateSending:          "Sending",
	StateAwaitingResponse: "AwaitingResponse",
	StateValidating:       "Validating",
	StateSuccess:          "Success",
	StateRetryable:        "Retryable",
	StateFatal:            "Fatal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Client is the transaction engine for one port.
type Client struct {
	port   *transport.Port
	cfg    transport.PortConfig
	faults modbus.FaultReporter
	logger *zap.Logger
	sleep  func(time.Duration)
	trace  func(State)

	// rx is the poll buffer. Only the lock holder touches it.
	rx []byte
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for frame dumps and failures.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFaultReporter sets where failed transactions are reported.
func WithFaultReporter(r modbus.FaultReporter) Option {
	return func(c *Client) {
		if r != nil {
			c.faults = r
		}
	}
}

// WithSleep replaces time.Sleep for the retry backoff.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithStateHook observes every state the engine enters.
func WithStateHook(hook func(State)) Option {
	return func(c *Client) {
		c.trace = hook
	}
}

// NewClient allocates and initializes a RTU Client on port.
func NewClient(port *transport.Port, opts ...Option) *Client {
	cfg := port.Config()
	c := &Client{
		port:   port,
		cfg:    cfg,
		faults: modbus.NopFaultReporter{},
		logger: zap.NewNop(),
		sleep:  time.Sleep,
		rx:     make([]byte, cfg.RxBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.Stringer("port", cfg.ID))
	return c
}

// Execute runs one transaction. It holds the port lock from the first attempt
// until the final outcome, so transactions on one port never interleave.
// A failure is reported to the FaultReporter after the lock is released.
//
// A nil error means OK. Otherwise the error carries the Status of the last
// attempt. For an exception response the parsed Response is returned too.
func (c *Client) Execute(ctx context.Context, req *rtupacket.Request) (*rtupacket.Response, error) {
	c.enter(StateIdle)
	adu, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if len(adu) > c.cfg.TxBufferSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds tx buffer %d", modbus.StatusInvalidParameter, len(adu), c.cfg.TxBufferSize)
	}

	if err := c.port.Acquire(ctx); err != nil {
		c.fail(req, err, 0)
		return nil, err
	}
	resp, attempts, err := c.run(req, adu)
	if err != nil {
		// Reported once the bus is free again; the reporter may touch disk.
		c.fail(req, err, attempts)
	}
	return resp, err
}

// run makes up to MaxRetries+1 attempts and returns the last outcome with the
// number of attempts made. Caller must hold the port lock; run releases it.
func (c *Client) run(req *rtupacket.Request, adu []byte) (*rtupacket.Response, int, error) {
	defer c.port.Release()

	attempts := c.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(req, adu)
		if err == nil {
			c.enter(StateSuccess)
			return resp, attempt, nil
		}

		status := modbus.StatusOf(err)
		if !status.Retryable() || attempt >= attempts {
			c.enter(StateFatal)
			return resp, attempt, err
		}

		c.enter(StateRetryable)
		c.logger.Debug("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Stringer("status", status),
			zap.Duration("backoff", c.cfg.RetryBackoff),
			zap.Error(err))
		c.sleep(c.cfg.RetryBackoff)
	}
}

// attempt performs one send and collects one response. Caller must hold the port lock.
func (c *Client) attempt(req *rtupacket.Request, adu []byte) (*rtupacket.Response, error) {
	c.enter(StateSending)
	if err := c.port.FlushInput(); err != nil {
		return nil, err
	}
	c.port.WaitIdle()
	if err := c.port.BeginTransmit(); err != nil {
		return nil, err
	}
	c.logger.Debug("send to modbus slave", zap.String("request", hex.EncodeToString(adu)))
	werr := c.port.Write(adu)
	// The line goes back to receive even when the write failed.
	if err := c.port.EndTransmit(len(adu)); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return nil, werr
	}

	c.enter(StateAwaitingResponse)
	asm := rtupacket.NewAssembler(c.cfg.RxBufferSize, adu)
	deadline := time.Now().Add(c.cfg.ResponseTimeout)
	for !asm.Complete() && time.Now().Before(deadline) {
		n, err := c.port.ReadAvailable(c.rx)
		if n > 0 {
			asm.Write(c.rx[:n])
		}
		if err != nil {
			return nil, err
		}
	}
	if asm.Dropped() > 0 {
		c.logger.Debug("response overflowed rx buffer", zap.Int("dropped", asm.Dropped()))
	}
	if asm.Len() == 0 {
		return nil, fmt.Errorf("%w: no response from slave %d within %v", modbus.StatusTimeout, req.SlaveID, c.cfg.ResponseTimeout)
	}

	c.enter(StateValidating)
	frame := asm.Frame()
	c.logger.Debug("recv from modbus slave", zap.String("response", hex.EncodeToString(frame)))
	return rtupacket.ParseResponse(req, frame)
}

func (c *Client) enter(s State) {
	if c.trace != nil {
		c.trace(s)
	}
}

func (c *Client) fail(req *rtupacket.Request, err error, attempts int) {
	status := modbus.StatusOf(err)
	c.logger.Warn("modbus transaction failed",
		zap.Uint8("slave", req.SlaveID),
		zap.String("function", modbus.FunctionName(req.FunctionCode)),
		zap.Stringer("status", status),
		zap.Int("attempts", attempts),
		zap.Error(err))
	c.faults.ReportFault(modbus.Fault{
		Port:         uint8(c.cfg.ID),
		SlaveID:      req.SlaveID,
		FunctionCode: req.FunctionCode,
		Status:       status,
		Attempts:     attempts,
		Time:         time.Now(),
	})
}

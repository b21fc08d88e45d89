// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package master is the public face of the Modbus RTU master: a registry of
// statically configured ports and one method per supported function.
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/gpio"
	"github.com/ffutop/modbus-master/transport/loopback"
	"github.com/ffutop/modbus-master/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-master/transport/rtu-over-tcp"
	"github.com/ffutop/modbus-master/transport/serial"
)

// Opener builds the driver and, for GPIO direction control, the direction
// line a port needs. It is called by Init.
type Opener func(cfg transport.PortConfig) (transport.Driver, transport.DirectionLine, error)

// DefaultOpener opens real serial devices, device servers and GPIO lines. Loopback ports get an empty bus.
func DefaultOpener(logger *zap.Logger) Opener {
	return func(cfg transport.PortConfig) (transport.Driver, transport.DirectionLine, error) {
		var drv transport.Driver
		switch cfg.Driver {
		case transport.DriverLoopback:
			drv = loopback.New()
		case transport.DriverTCP:
			drv = rtuovertcp.NewClient(cfg.Device, logger.With(zap.Stringer("port", cfg.ID)))
		default:
			drv = serial.New(cfg.Device, logger.With(zap.Stringer("port", cfg.ID)))
		}
		gd, ok := cfg.Direction.(transport.GPIODirection)
		if !ok {
			return drv, nil, nil
		}
		line, err := gpio.Open(gd.Chip, gd.Line, gd.ActiveLow)
		if err != nil {
			return nil, nil, err
		}
		return drv, line, nil
	}
}

type portState struct {
	port   *transport.Port
	client *rtu.Client
}

// Master owns every configured port. All methods are safe for concurrent use;
// calls on one port are serialized by that port's lock, different ports run in parallel.
type Master struct {
	configs [transport.MaxPorts]*transport.PortConfig

	// lifecycle serializes Init and DeInit of one port. Opening a device
	// happens under it, never under mu.
	lifecycle [transport.MaxPorts]sync.Mutex

	mu    sync.RWMutex
	ports [transport.MaxPorts]*portState

	opener Opener
	faults modbus.FaultReporter
	logger *zap.Logger
	sleep  func(time.Duration)
}

// Option configures a Master.
type Option func(*Master)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Master) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithFaultReporter(r modbus.FaultReporter) Option {
	return func(m *Master) {
		if r != nil {
			m.faults = r
		}
	}
}

// WithOpener replaces how drivers and direction lines are created.
func WithOpener(o Opener) Option {
	return func(m *Master) {
		if o != nil {
			m.opener = o
		}
	}
}

// WithSleep replaces time.Sleep for retry backoff and transmit waits.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Master) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// New validates configs and builds a registry. No port is opened until Init.
func New(configs []transport.PortConfig, opts ...Option) (*Master, error) {
	m := &Master{
		faults: modbus.NopFaultReporter{},
		logger: zap.NewNop(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.opener == nil {
		m.opener = DefaultOpener(m.logger)
	}
	for _, c := range configs {
		c := c // per-iteration copy; go.mod targets go1.21 loop semantics
		c = c.WithDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if m.configs[c.ID] != nil {
			return nil, fmt.Errorf("%w: %s configured twice", modbus.StatusInvalidParameter, c.ID)
		}
		m.configs[c.ID] = &c
	}
	return m, nil
}

// Configured reports whether id has a configuration.
func (m *Master) Configured(id transport.PortID) bool {
	return id.Valid() && m.configs[id] != nil
}

// Ports lists the configured port IDs in ascending order.
func (m *Master) Ports() []transport.PortID {
	var ids []transport.PortID
	for id := transport.Port0; id < transport.MaxPorts; id++ {
		if m.configs[id] != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Init opens the port. A second Init returns StatusAlreadyInitialized and opens nothing.
func (m *Master) Init(id transport.PortID) error {
	if !m.Configured(id) {
		return fmt.Errorf("%w: %s is not configured", modbus.StatusInvalidParameter, id)
	}
	m.lifecycle[id].Lock()
	defer m.lifecycle[id].Unlock()
	if m.state(id) != nil {
		return fmt.Errorf("%w: %s", modbus.StatusAlreadyInitialized, id)
	}

	cfg := *m.configs[id]
	drv, line, err := m.opener(cfg)
	if err != nil {
		return fmt.Errorf("%w: %s: open: %w", modbus.StatusError, id, err)
	}
	port, err := transport.NewPort(cfg, drv, line,
		transport.WithLogger(m.logger),
		transport.WithSleep(m.sleep))
	if err != nil {
		_ = drv.Close()
		if line != nil {
			_ = line.Close()
		}
		return err
	}
	if err := port.Open(); err != nil {
		_ = port.Close()
		return err
	}
	st := &portState{
		port: port,
		client: rtu.NewClient(port,
			rtu.WithLogger(m.logger),
			rtu.WithFaultReporter(m.faults),
			rtu.WithSleep(m.sleep)),
	}
	m.mu.Lock()
	m.ports[id] = st
	m.mu.Unlock()
	return nil
}

// DeInit waits for any in-flight transaction, then closes the port.
// If the port lock cannot be taken in time it returns StatusBusy and the port stays up.
func (m *Master) DeInit(ctx context.Context, id transport.PortID) error {
	if !m.Configured(id) {
		return fmt.Errorf("%w: %s is not configured", modbus.StatusInvalidParameter, id)
	}
	m.lifecycle[id].Lock()
	defer m.lifecycle[id].Unlock()
	st := m.state(id)
	if st == nil {
		return fmt.Errorf("%w: %s", modbus.StatusNotInitialized, id)
	}
	if err := st.port.Acquire(ctx); err != nil {
		return err
	}
	defer st.port.Release()

	err := st.port.Close()

	m.mu.Lock()
	m.ports[id] = nil
	m.mu.Unlock()
	return err
}

// Close de-initializes every initialized port.
func (m *Master) Close() error {
	var err error
	for _, id := range m.Ports() {
		if m.state(id) == nil {
			continue
		}
		multierr.AppendInto(&err, m.DeInit(context.Background(), id))
	}
	return err
}

// Initialized reports whether id is currently open.
func (m *Master) Initialized(id transport.PortID) bool {
	return id.Valid() && m.state(id) != nil
}

func (m *Master) state(id transport.PortID) *portState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ports[id]
}

// client resolves id to its engine, distinguishing unknown from closed ports.
func (m *Master) client(id transport.PortID) (*rtu.Client, error) {
	if !m.Configured(id) {
		return nil, fmt.Errorf("%w: %s is not configured", modbus.StatusInvalidParameter, id)
	}
	st := m.state(id)
	if st == nil {
		return nil, fmt.Errorf("%w: %s", modbus.StatusNotInitialized, id)
	}
	return st.client, nil
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package loopback is a Driver whose far end is a bus of simulated slaves.
package loopback

import (
	"errors"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/simslave"
	"github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

var errClosed = errors.New("loopback: closed")

// Driver implements transport.Driver for a local in-memory bus.
type Driver struct {
	// Latency delays each reply. A reply later than the response timeout is a timeout.
	Latency time.Duration
	// Chunk limits how many bytes one Read returns, mimicking a slow UART. Zero means no limit.
	Chunk int

	mu       sync.Mutex
	slaves   map[byte]*simslave.Slave
	settings transport.LineSettings
	tx       []byte
	rx       []byte
	readyAt  time.Time
	closed   bool
}

// New creates a loopback bus with the given slaves attached.
func New(slaves ...*simslave.Slave) *Driver {
	d := &Driver{slaves: make(map[byte]*simslave.Slave)}
	for _, s := range slaves {
		d.Attach(s)
	}
	return d
}

// Attach connects s to the bus, replacing any slave with the same address.
func (d *Driver) Attach(s *simslave.Slave) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slaves[s.ID] = s
}

func (d *Driver) Configure(ls transport.LineSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = ls
	d.closed = false
	d.tx = d.tx[:0]
	d.rx = d.rx[:0]
	return nil
}

// Write collects request bytes and hands every complete frame to the bus.
func (d *Driver) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errClosed
	}
	d.tx = append(d.tx, p...)
	for len(d.tx) >= 2 {
		length, err := rtu.CalculateRequestLength(d.tx[1], d.tx)
		if err != nil {
			if len(d.tx) < 7 {
				break
			}
			// Unknown function: nobody on the bus will answer it.
			d.tx = d.tx[:0]
			break
		}
		if len(d.tx) < length {
			break
		}
		frame := d.tx[:length]
		if s, ok := d.slaves[frame[0]]; ok {
			if reply := s.Serve(frame); reply != nil {
				d.rx = append(d.rx, reply...)
				d.readyAt = time.Now().Add(d.Latency)
			}
		}
		d.tx = append(d.tx[:0], d.tx[length:]...)
	}
	return len(p), nil
}

// Read returns pending reply bytes, or waits one read timeout and returns 0.
func (d *Driver) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, errClosed
	}
	if len(d.rx) == 0 || time.Now().Before(d.readyAt) {
		wait := d.settings.ReadTimeout
		d.mu.Unlock()
		time.Sleep(wait)
		return 0, nil
	}
	defer d.mu.Unlock()
	n := len(p)
	if d.Chunk > 0 && n > d.Chunk {
		n = d.Chunk
	}
	n = copy(p[:n], d.rx)
	d.rx = append(d.rx[:0], d.rx[n:]...)
	return n, nil
}

func (d *Driver) FlushInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = d.rx[:0]
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

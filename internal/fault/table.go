// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package fault records the transactions the master gave up on: per-port
// counters in a persistent table, and an optional MQTT feed.
package fault

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// Table counts faults per port and status and remembers the last fault of every port.
type Table struct {
	mu      sync.Mutex
	data    []byte
	storage Storage
	logger  *zap.Logger
}

// NewTable loads the table from storage. Storage holding anything other
// than a table of the current layout is reset.
func NewTable(storage Storage, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := storage.Load(Size)
	if err != nil {
		return nil, fmt.Errorf("failed to load fault table: %w", err)
	}
	if len(data) != Size {
		return nil, fmt.Errorf("fault table storage returned %d bytes, want %d", len(data), Size)
	}
	t := &Table{data: data, storage: storage, logger: logger}
	if string(data[:4]) != magic || binary.LittleEndian.Uint16(data[4:]) != version {
		logger.Info("initializing fault table")
		t.format()
		if err := storage.Flush(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) format() {
	clear(t.data)
	copy(t.data, magic)
	binary.LittleEndian.PutUint16(t.data[4:], version)
}

// ReportFault implements modbus.FaultReporter.
func (t *Table) ReportFault(f modbus.Fault) {
	port := int(f.Port)
	if port >= int(transport.MaxPorts) || f.Status >= modbus.NumStatus {
		t.logger.Warn("fault out of range", zap.Uint8("port", f.Port), zap.Stringer("status", f.Status))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	off := counterOffset(port, f.Status)
	if n := binary.LittleEndian.Uint32(t.data[off:]); n < math.MaxUint32 {
		binary.LittleEndian.PutUint32(t.data[off:], n+1)
	}

	last := t.data[lastOffset(port):]
	last[0] = f.SlaveID
	last[1] = f.FunctionCode
	last[2] = byte(f.Status)
	last[3] = 0
	binary.LittleEndian.PutUint16(last[4:], uint16(min(f.Attempts, math.MaxUint16)))
	binary.LittleEndian.PutUint16(last[6:], 0)
	binary.LittleEndian.PutUint64(last[8:], uint64(f.Time.UnixNano()))

	if err := t.storage.Flush(); err != nil {
		t.logger.Error("failed to flush fault table", zap.Error(err))
	}
}

// Count returns how many faults of status port has seen.
func (t *Table) Count(port transport.PortID, status modbus.Status) uint32 {
	if !port.Valid() || status >= modbus.NumStatus {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return binary.LittleEndian.Uint32(t.data[counterOffset(int(port), status):])
}

// Last returns the most recent fault on port. ok is false if there was none.
func (t *Table) Last(port transport.PortID) (f modbus.Fault, ok bool) {
	if !port.Valid() {
		return f, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last(int(port))
}

func (t *Table) last(port int) (modbus.Fault, bool) {
	last := t.data[lastOffset(port):]
	nanos := int64(binary.LittleEndian.Uint64(last[8:]))
	if nanos == 0 && last[2] == 0 {
		return modbus.Fault{}, false
	}
	return modbus.Fault{
		Port:         uint8(port),
		SlaveID:      last[0],
		FunctionCode: last[1],
		Status:       modbus.Status(last[2]),
		Attempts:     int(binary.LittleEndian.Uint16(last[4:])),
		Time:         time.Unix(0, nanos),
	}, true
}

// Reset zeroes every counter and forgets the last faults.
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.format()
	return t.storage.Flush()
}

// Close flushes and releases the storage.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.storage.Flush(); err != nil {
		t.storage.Close()
		return err
	}
	return t.storage.Close()
}

// Event is the printable form of a modbus.Fault.
type Event struct {
	Port     string    `yaml:"port"`
	Slave    uint8     `yaml:"slave"`
	Function string    `yaml:"function"`
	Status   string    `yaml:"status"`
	Attempts int       `yaml:"attempts"`
	Time     time.Time `yaml:"time"`
}

// EventOf converts f for printing or publishing.
func EventOf(f modbus.Fault) Event {
	return Event{
		Port:     transport.PortID(f.Port).String(),
		Slave:    f.SlaveID,
		Function: modbus.FunctionName(f.FunctionCode),
		Status:   f.Status.String(),
		Attempts: f.Attempts,
		Time:     f.Time.UTC(),
	}
}

// PortSnapshot is the state of one port's counters.
type PortSnapshot struct {
	Port   string            `yaml:"port"`
	Total  uint64            `yaml:"total"`
	Counts map[string]uint32 `yaml:"counts,omitempty"`
	Last   *Event            `yaml:"last,omitempty"`
}

// Snapshot is a copy of the whole table.
type Snapshot struct {
	Ports []PortSnapshot `yaml:"ports"`
}

// Snapshot copies the table. Ports without faults are included with a zero total.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Snapshot
	for port := 0; port < int(transport.MaxPorts); port++ {
		ps := PortSnapshot{Port: transport.PortID(port).String()}
		for st := modbus.Status(0); st < modbus.NumStatus; st++ {
			n := binary.LittleEndian.Uint32(t.data[counterOffset(port, st):])
			if n == 0 {
				continue
			}
			if ps.Counts == nil {
				ps.Counts = make(map[string]uint32)
			}
			ps.Counts[st.String()] = n
			ps.Total += uint64(n)
		}
		if f, ok := t.last(port); ok {
			ev := EventOf(f)
			ps.Last = &ev
		}
		s.Ports = append(s.Ports, ps)
	}
	return s
}

// Multi fans a fault out to several reporters in order.
type Multi []modbus.FaultReporter

func (m Multi) ReportFault(f modbus.Fault) {
	for _, r := range m {
		r.ReportFault(f)
	}
}

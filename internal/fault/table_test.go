// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

var when = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func timeout(port transport.PortID, slave byte) modbus.Fault {
	return modbus.Fault{
		Port:         uint8(port),
		SlaveID:      slave,
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Status:       modbus.StatusTimeout,
		Attempts:     3,
		Time:         when,
	}
}

func TestTable_Counts(t *testing.T) {
	tbl, err := NewTable(NewMemoryStorage(), nil)
	require.NoError(t, err)

	tbl.ReportFault(timeout(transport.Port1, 5))
	tbl.ReportFault(timeout(transport.Port1, 6))
	tbl.ReportFault(modbus.Fault{Port: 1, SlaveID: 7, FunctionCode: modbus.FuncCodeWriteSingleCoil, Status: modbus.StatusIllegalDataAddress, Attempts: 1, Time: when.Add(time.Second)})

	assert.Equal(t, uint32(2), tbl.Count(transport.Port1, modbus.StatusTimeout))
	assert.Equal(t, uint32(1), tbl.Count(transport.Port1, modbus.StatusIllegalDataAddress))
	assert.Zero(t, tbl.Count(transport.Port0, modbus.StatusTimeout))
	assert.Zero(t, tbl.Count(transport.MaxPorts, modbus.StatusTimeout))

	last, ok := tbl.Last(transport.Port1)
	require.True(t, ok)
	assert.Equal(t, byte(7), last.SlaveID)
	assert.Equal(t, modbus.StatusIllegalDataAddress, last.Status)
	assert.True(t, last.Time.Equal(when.Add(time.Second)))

	_, ok = tbl.Last(transport.Port0)
	assert.False(t, ok)
}

func TestTable_IgnoresOutOfRange(t *testing.T) {
	tbl, err := NewTable(NewMemoryStorage(), nil)
	require.NoError(t, err)

	tbl.ReportFault(modbus.Fault{Port: uint8(transport.MaxPorts), Status: modbus.StatusTimeout})
	tbl.ReportFault(modbus.Fault{Port: 0, Status: modbus.NumStatus})
	for _, ps := range tbl.Snapshot().Ports {
		assert.Zero(t, ps.Total)
	}
}

func TestTable_Snapshot(t *testing.T) {
	tbl, err := NewTable(NewMemoryStorage(), nil)
	require.NoError(t, err)
	tbl.ReportFault(timeout(transport.Port2, 9))
	tbl.ReportFault(timeout(transport.Port2, 9))

	snap := tbl.Snapshot()
	require.Len(t, snap.Ports, int(transport.MaxPorts))
	p2 := snap.Ports[2]
	assert.Equal(t, "port2", p2.Port)
	assert.Equal(t, uint64(2), p2.Total)
	assert.Equal(t, map[string]uint32{"timeout": 2}, p2.Counts)
	require.NotNil(t, p2.Last)
	assert.Equal(t, "ReadHoldingRegisters", p2.Last.Function)
	assert.Nil(t, snap.Ports[0].Last)

	out, err := yaml.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(out), "timeout: 2")
}

func TestTable_Reset(t *testing.T) {
	tbl, err := NewTable(NewMemoryStorage(), nil)
	require.NoError(t, err)
	tbl.ReportFault(timeout(transport.Port0, 1))

	require.NoError(t, tbl.Reset())
	assert.Zero(t, tbl.Count(transport.Port0, modbus.StatusTimeout))
	_, ok := tbl.Last(transport.Port0)
	assert.False(t, ok)
}

func TestTable_Persists(t *testing.T) {
	backends := map[string]func(path string) Storage{
		"file": func(path string) Storage { return NewFileStorage(path) },
		"mmap": func(path string) Storage { return NewMmapStorage(path) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "faults.bin")

			tbl, err := NewTable(open(path), nil)
			require.NoError(t, err)
			tbl.ReportFault(timeout(transport.Port3, 4))
			require.NoError(t, tbl.Close())

			fi, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, int64(Size), fi.Size())

			tbl, err = NewTable(open(path), nil)
			require.NoError(t, err)
			defer tbl.Close()
			assert.Equal(t, uint32(1), tbl.Count(transport.Port3, modbus.StatusTimeout))
			last, ok := tbl.Last(transport.Port3)
			require.True(t, ok)
			assert.Equal(t, byte(4), last.SlaveID)
			assert.Equal(t, 3, last.Attempts)
		})
	}
}

func TestTable_ResetsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faults.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a fault table"), 0644))

	tbl, err := NewTable(NewFileStorage(path), nil)
	require.NoError(t, err)
	defer tbl.Close()
	for _, ps := range tbl.Snapshot().Ports {
		assert.Zero(t, ps.Total)
	}
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = NewStorage("mmap", "x")
	require.NoError(t, err)
	assert.IsType(t, &MmapStorage{}, s)

	_, err = NewStorage("sql", "")
	assert.Error(t, err)
}

type collect struct{ faults []modbus.Fault }

func (c *collect) ReportFault(f modbus.Fault) { c.faults = append(c.faults, f) }

func TestMulti(t *testing.T) {
	a, b := &collect{}, &collect{}
	Multi{a, b}.ReportFault(timeout(transport.Port0, 1))
	assert.Len(t, a.faults, 1)
	assert.Len(t, b.faults, 1)
}

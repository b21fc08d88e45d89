// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-master/internal/simslave"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
	rtupacket "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/loopback"
)

// mockPort answers the n-th write with replies[n]; nil means silence.
// Once replies run out the last one repeats.
type mockPort struct {
	mu       sync.Mutex
	replies  [][]byte
	writes   [][]byte
	rx       []byte
	writeErr error
	poll     time.Duration

	busy    bool
	overlap bool
}

func (m *mockPort) Configure(ls transport.LineSettings) error {
	m.poll = ls.ReadTimeout
	return nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if m.busy {
		m.overlap = true
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	var reply []byte
	if i := len(m.writes) - 1; i < len(m.replies) {
		reply = m.replies[i]
	} else if len(m.replies) > 0 {
		reply = m.replies[len(m.replies)-1]
	}
	m.rx = append(m.rx, reply...)
	m.busy = len(reply) > 0
	return len(p), nil
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if len(m.rx) == 0 {
		m.mu.Unlock()
		time.Sleep(m.poll)
		return 0, nil
	}
	defer m.mu.Unlock()
	n := copy(p, m.rx)
	m.rx = m.rx[n:]
	if len(m.rx) == 0 {
		m.busy = false
	}
	return n, nil
}

func (m *mockPort) FlushInput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = nil
	return nil
}

func (m *mockPort) Close() error { return nil }

func (m *mockPort) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

type faultLog struct {
	mu     sync.Mutex
	faults []modbus.Fault
}

func (f *faultLog) ReportFault(fault modbus.Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault)
}

type harness struct {
	client  *Client
	port    *transport.Port
	faults  *faultLog
	backoff []time.Duration
	states  []State
}

func newHarness(t *testing.T, drv transport.Driver, mutate func(*transport.PortConfig)) *harness {
	t.Helper()
	cfg := transport.PortConfig{
		ID:              transport.Port2,
		Driver:          transport.DriverLoopback,
		BaudRate:        115200,
		ResponseTimeout: 30 * time.Millisecond,
		PollInterval:    time.Millisecond,
		MaxRetries:      2,
		RetryBackoff:    50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	port, err := transport.NewPort(cfg, drv, nil)
	require.NoError(t, err)
	require.NoError(t, port.Open())

	h := &harness{port: port, faults: &faultLog{}}
	h.client = NewClient(port,
		WithFaultReporter(h.faults),
		WithSleep(func(d time.Duration) { h.backoff = append(h.backoff, d) }),
		WithStateHook(func(s State) { h.states = append(h.states, s) }))
	return h
}

func frame(b ...byte) []byte {
	return crc.Append(b)
}

func TestClient_Send(t *testing.T) {
	drv := &mockPort{replies: [][]byte{frame(0x01, 0x03, 0x02, 0xAA, 0xBB)}}
	h := newHarness(t, drv, nil)

	req := rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 1)
	resp, err := h.client.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{frame(0x01, 0x03, 0x00, 0x00, 0x00, 0x01)}, drv.writes)
	out := make([]uint16, 1)
	resp.Registers(out)
	assert.Equal(t, uint16(0xAABB), out[0])
	assert.Equal(t, []State{StateIdle, StateSending, StateAwaitingResponse, StateValidating, StateSuccess}, h.states)
	assert.Empty(t, h.faults.faults)
	assert.Empty(t, h.backoff)
}

func TestClient_ExceptionIsNotRetried(t *testing.T) {
	drv := &mockPort{replies: [][]byte{frame(0x01, 0x83, 0x02)}}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.MaxRetries = 3 })

	resp, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0x100, 4))
	assert.Equal(t, modbus.StatusIllegalDataAddress, modbus.StatusOf(err))
	require.NotNil(t, resp)
	assert.True(t, resp.Exception)

	assert.Equal(t, 1, drv.writeCount())
	assert.Empty(t, h.backoff)
	require.Len(t, h.faults.faults, 1)
	assert.Equal(t, modbus.Fault{
		Port:         uint8(transport.Port2),
		SlaveID:      1,
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Status:       modbus.StatusIllegalDataAddress,
		Attempts:     1,
		Time:         h.faults.faults[0].Time,
	}, h.faults.faults[0])
}

func TestClient_TimeoutExhaustsRetries(t *testing.T) {
	drv := &mockPort{}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.MaxRetries = 2 })

	start := time.Now()
	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadInputRegisters, 0, 1))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, modbus.StatusTimeout)
	assert.Equal(t, 3, drv.writeCount())
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, h.backoff)
	assert.GreaterOrEqual(t, elapsed, 3*30*time.Millisecond, "each attempt waits the full timeout")
	require.Len(t, h.faults.faults, 1)
	assert.Equal(t, 3, h.faults.faults[0].Attempts)
}

func TestClient_CRCErrorThenSuccess(t *testing.T) {
	good := frame(0x01, 0x04, 0x02, 0x00, 0x2A)
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF
	drv := &mockPort{replies: [][]byte{bad, good}}
	h := newHarness(t, drv, nil)

	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadInputRegisters, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, drv.writeCount())
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, h.backoff)
	assert.Contains(t, h.states, StateRetryable)
	assert.Empty(t, h.faults.faults)
}

func TestClient_LastAttemptStatusWins(t *testing.T) {
	good := frame(0x01, 0x04, 0x02, 0x00, 0x2A)
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF
	// CRC error first, then silence.
	drv := &mockPort{replies: [][]byte{bad, nil}}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.MaxRetries = 1 })

	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadInputRegisters, 0, 1))
	assert.Equal(t, modbus.StatusTimeout, modbus.StatusOf(err))
	assert.Equal(t, 2, drv.writeCount())
}

func TestClient_PartialFrameAfterTimeout(t *testing.T) {
	drv := &mockPort{replies: [][]byte{{0x01, 0x03, 0x04}}}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.MaxRetries = 0 })

	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 2))
	assert.Equal(t, modbus.StatusUnexpectedResponse, modbus.StatusOf(err))
}

func TestClient_WrongSlaveIsRetried(t *testing.T) {
	drv := &mockPort{replies: [][]byte{frame(0x02, 0x06, 0x00, 0x10, 0x12, 0x34), frame(0x01, 0x06, 0x00, 0x10, 0x12, 0x34)}}
	h := newHarness(t, drv, nil)

	_, err := h.client.Execute(context.Background(), rtupacket.NewWriteSingleRequest(1, modbus.FuncCodeWriteSingleRegister, 0x10, 0x1234))
	require.NoError(t, err)
	assert.Equal(t, 2, drv.writeCount())
}

func TestClient_InvalidRequestDoesNoIO(t *testing.T) {
	drv := &mockPort{}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.LockTimeout = 10 * time.Millisecond })

	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(0, modbus.FuncCodeReadHoldingRegisters, 0, 1))
	assert.ErrorIs(t, err, modbus.StatusInvalidParameter)
	_, err = h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 126))
	assert.ErrorIs(t, err, modbus.StatusInvalidParameter)

	assert.Zero(t, drv.writeCount())
	assert.Empty(t, h.faults.faults)
	require.NoError(t, h.port.Acquire(context.Background()), "lock was never taken")
	h.port.Release()
}

func TestClient_TxBufferLimit(t *testing.T) {
	drv := &mockPort{}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.TxBufferSize = 16 })

	req := rtupacket.NewWriteMultipleRequest(1, modbus.FuncCodeWriteMultipleRegisters, 0, 10, make([]byte, 20))
	_, err := h.client.Execute(context.Background(), req)
	assert.ErrorIs(t, err, modbus.StatusInvalidParameter)
	assert.Zero(t, drv.writeCount())
}

func TestClient_DriverErrorIsNotRetried(t *testing.T) {
	drv := &mockPort{writeErr: errors.New("EIO")}
	h := newHarness(t, drv, nil)

	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadCoils, 0, 8))
	assert.Equal(t, modbus.StatusError, modbus.StatusOf(err))
	assert.ErrorContains(t, err, "EIO")
	assert.Empty(t, h.backoff)
	require.Len(t, h.faults.faults, 1)
	assert.Equal(t, 1, h.faults.faults[0].Attempts)
}

// lockWatcher records whether the port lock was free when each fault arrived.
type lockWatcher struct {
	port *transport.Port
	free []bool
}

func (w *lockWatcher) ReportFault(modbus.Fault) {
	err := w.port.Acquire(context.Background())
	if err == nil {
		w.port.Release()
	}
	w.free = append(w.free, err == nil)
}

func TestClient_ReportsFaultAfterRelease(t *testing.T) {
	drv := &mockPort{}
	h := newHarness(t, drv, func(c *transport.PortConfig) {
		c.MaxRetries = 1
		c.LockTimeout = 10 * time.Millisecond
	})
	watcher := &lockWatcher{port: h.port}
	client := NewClient(h.port, WithFaultReporter(watcher), WithSleep(func(time.Duration) {}))

	_, err := client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 1))
	assert.ErrorIs(t, err, modbus.StatusTimeout)
	assert.Equal(t, []bool{true}, watcher.free)
}

func TestClient_ForeignExceptionIsRetried(t *testing.T) {
	// An exception echoing another function answers some other request.
	drv := &mockPort{replies: [][]byte{frame(0x01, 0x84, 0x02), frame(0x01, 0x03, 0x02, 0x00, 0x07)}}
	h := newHarness(t, drv, nil)

	resp, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 1))
	require.NoError(t, err)
	assert.False(t, resp.Exception)
	assert.Equal(t, 2, drv.writeCount())
	assert.Contains(t, h.states, StateRetryable)
	assert.Empty(t, h.faults.faults)
}

func TestClient_Busy(t *testing.T) {
	drv := &mockPort{}
	h := newHarness(t, drv, func(c *transport.PortConfig) { c.LockTimeout = 10 * time.Millisecond })

	require.NoError(t, h.port.Acquire(context.Background()))
	defer h.port.Release()

	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadCoils, 0, 8))
	assert.Equal(t, modbus.StatusBusy, modbus.StatusOf(err))
	assert.Zero(t, drv.writeCount())
	require.Len(t, h.faults.faults, 1)
	assert.Equal(t, modbus.StatusBusy, h.faults.faults[0].Status)
	assert.Zero(t, h.faults.faults[0].Attempts)
}

func TestClient_SerializesPortUsers(t *testing.T) {
	reply := frame(0x01, 0x03, 0x02, 0x00, 0x01)
	drv := &mockPort{replies: [][]byte{reply}}
	cfg := transport.PortConfig{ID: transport.Port0, Driver: transport.DriverLoopback, PollInterval: time.Millisecond}
	port, err := transport.NewPort(cfg, drv, nil)
	require.NoError(t, err)
	require.NoError(t, port.Open())
	client := NewClient(port)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, drv.writeCount())
	assert.False(t, drv.overlap, "a write happened while another transaction was in flight")
}

func TestClient_LoopbackWriteMultipleRegisters(t *testing.T) {
	slave := simslave.New(1)
	h := newHarness(t, loopback.New(slave), nil)

	payload := []byte{0x0A, 0x28, 0x11, 0x94} // 2600, 4500
	_, err := h.client.Execute(context.Background(), rtupacket.NewWriteMultipleRequest(1, modbus.FuncCodeWriteMultipleRegisters, 1, 2, payload))
	require.NoError(t, err)
	assert.Equal(t, uint16(2600), slave.Model.HoldingRegister(1))
	assert.Equal(t, uint16(4500), slave.Model.HoldingRegister(2))
}

func TestClient_LoopbackSlowSlave(t *testing.T) {
	slave := simslave.New(1)
	drv := loopback.New(slave)
	drv.Chunk = 1
	drv.Latency = 5 * time.Millisecond
	h := newHarness(t, drv, nil)

	slave.Corrupt(1)
	_, err := h.client.Execute(context.Background(), rtupacket.NewReadRequest(1, modbus.FuncCodeReadHoldingRegisters, 0, 4))
	require.NoError(t, err)
	assert.Len(t, h.backoff, 1, "one corrupt reply, one retry")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AwaitingResponse", StateAwaitingResponse.String())
	assert.Equal(t, "State(42)", State(42).String())
}

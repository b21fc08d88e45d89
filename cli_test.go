// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

const benchConfig = `
log:
  level: error
ports:
  - id: 0
    driver: loopback
    simulate: "1,2"
    timeout: 20ms
    max_retries: 0
  - id: 1
    driver: loopback
    timeout: 20ms
    max_retries: 0
`

func loadBench(t *testing.T) (string, *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(benchConfig), 0644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return path, cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApp_SimulatedPort(t *testing.T) {
	_, cfg := loadBench(t)
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	port, err := a.open(0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.master.WriteMultipleRegisters(ctx, port, 2, 10, 2, []uint16{2600, 4500}))
	out := make([]uint16, 2)
	require.NoError(t, a.master.ReadHoldingRegisters(ctx, port, 2, 10, 2, out))
	assert.Equal(t, []uint16{2600, 4500}, out)

	// Slave 3 is not simulated; its failure lands in the fault table.
	err = a.master.ReadHoldingRegisters(ctx, port, 3, 0, 1, out)
	assert.ErrorIs(t, err, modbus.StatusTimeout)
	assert.Equal(t, uint32(1), a.faults.Count(transport.Port0, modbus.StatusTimeout))

	_, err = a.open(3)
	assert.ErrorIs(t, err, modbus.StatusInvalidParameter)
}

func TestApp_NoPorts(t *testing.T) {
	_, err := newApp(&config.Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestCLI_ReadHolding(t *testing.T) {
	path, _ := loadBench(t)
	out, err := run(t, "-c", path, "-p", "0", "-s", "1", "read-holding", "0x10", "2")
	require.NoError(t, err)
	assert.Equal(t, "16\t0\t0x0000\n17\t0\t0x0000\n", out)
}

func TestCLI_Scan(t *testing.T) {
	path, _ := loadBench(t)
	out, err := run(t, "-c", path, "-p", "0", "-s", "1", "scan", "--ids", "1-3")
	require.NoError(t, err)
	assert.Contains(t, out, "1\tpresent")
	assert.Contains(t, out, "2\tpresent")
	assert.NotContains(t, out, "3\tpresent")
	assert.Contains(t, out, "2 of 3 slave ids answered")
}

func TestCLI_Errors(t *testing.T) {
	path, _ := loadBench(t)

	_, err := run(t, "-c", path, "-p", "0", "-s", "0", "read-holding", "0", "1")
	assert.ErrorIs(t, err, modbus.StatusInvalidParameter)

	_, err = run(t, "-c", path, "-p", "1", "-s", "1", "write-register", "0", "1")
	assert.ErrorIs(t, err, modbus.StatusTimeout, "nothing answers on port1")

	_, err = run(t, "-c", path, "-p", "0", "-s", "1", "read-holding", "0", "70000")
	assert.Error(t, err)
}

func TestCLI_Version(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "modbus-master "))
}

func TestPackBits(t *testing.T) {
	packed, n, err := packBits("1011_0011,01")
	require.NoError(t, err)
	assert.Equal(t, uint16(10), n)
	assert.Equal(t, []byte{0xCD, 0x02}, packed)

	_, _, err = packBits("")
	assert.Error(t, err)
	_, _, err = packBits("12")
	assert.Error(t, err)
}

func TestParseCoil(t *testing.T) {
	for _, s := range []string{"on", "ON", "1", "true"} {
		v, err := parseCoil(s)
		require.NoError(t, err)
		assert.True(t, v)
	}
	v, err := parseCoil("off")
	require.NoError(t, err)
	assert.False(t, v)
	_, err = parseCoil("maybe")
	assert.Error(t, err)
}

func TestPoll(t *testing.T) {
	calls := 0
	require.NoError(t, poll(context.Background(), time.Millisecond, 3, func() { calls++ }))
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	calls = 0
	require.NoError(t, poll(ctx, time.Hour, 0, func() {
		calls++
		cancel()
	}))
	assert.Equal(t, 1, calls)

	assert.Error(t, poll(context.Background(), 0, 1, func() {}))
}

func TestSetupLogger(t *testing.T) {
	_, err := setupLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.NoError(t, err)
	_, err = setupLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = setupLogger(config.LogConfig{Format: "xml"})
	assert.Error(t, err)
}

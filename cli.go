// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/fault"
	"github.com/ffutop/modbus-master/master"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

var (
	cfgFile   string
	portFlag  int
	slaveFlag int

	logger    *zap.Logger
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "modbus-master",
	Short:         "Modbus RTU master",
	Long:          "Reads and writes Modbus RTU slaves on statically configured serial ports.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			logger = zap.NewNop()
			return nil
		}
		var err error
		appConfig, err = config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		logger, err = setupLogger(appConfig.Log)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// portAction is the body of a command that talks to one initialized port.
type portAction func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error

func onPort(action portAction) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		slave, err := slaveID(slaveFlag)
		if err != nil {
			return err
		}
		a, err := newApp(appConfig, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		port, err := a.open(portFlag)
		if err != nil {
			return err
		}
		return action(cmd.Context(), a.master, port, slave, args, cmd.OutOrStdout())
	}
}

var readHoldingCmd = &cobra.Command{
	Use:   "read-holding ADDRESS COUNT",
	Short: "Read holding registers (0x03)",
	Args:  cobra.ExactArgs(2),
	RunE:  onPort(readRegisters((*master.Master).ReadHoldingRegisters)),
}

var readInputCmd = &cobra.Command{
	Use:   "read-input ADDRESS COUNT",
	Short: "Read input registers (0x04)",
	Args:  cobra.ExactArgs(2),
	RunE:  onPort(readRegisters((*master.Master).ReadInputRegisters)),
}

var readCoilsCmd = &cobra.Command{
	Use:   "read-coils ADDRESS COUNT",
	Short: "Read coils (0x01)",
	Args:  cobra.ExactArgs(2),
	RunE:  onPort(readBits((*master.Master).ReadCoils)),
}

var readDiscreteCmd = &cobra.Command{
	Use:   "read-discrete ADDRESS COUNT",
	Short: "Read discrete inputs (0x02)",
	Args:  cobra.ExactArgs(2),
	RunE:  onPort(readBits((*master.Master).ReadDiscreteInputs)),
}

var writeRegisterCmd = &cobra.Command{
	Use:   "write-register ADDRESS VALUE",
	Short: "Write a single holding register (0x06)",
	Args:  cobra.ExactArgs(2),
	RunE: onPort(func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		addr, err := parseUint16("address", args[0])
		if err != nil {
			return err
		}
		value, err := parseUint16("value", args[1])
		if err != nil {
			return err
		}
		return m.WriteSingleRegister(ctx, port, slave, addr, value)
	}),
}

var writeRegistersCmd = &cobra.Command{
	Use:   "write-registers ADDRESS VALUE...",
	Short: "Write consecutive holding registers (0x10)",
	Args:  cobra.MinimumNArgs(2),
	RunE: onPort(func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		addr, err := parseUint16("address", args[0])
		if err != nil {
			return err
		}
		values := make([]uint16, 0, len(args)-1)
		for _, arg := range args[1:] {
			v, err := parseUint16("value", arg)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		return m.WriteMultipleRegisters(ctx, port, slave, addr, uint16(len(values)), values)
	}),
}

var writeCoilCmd = &cobra.Command{
	Use:   "write-coil ADDRESS on|off",
	Short: "Write a single coil (0x05)",
	Args:  cobra.ExactArgs(2),
	RunE: onPort(func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		addr, err := parseUint16("address", args[0])
		if err != nil {
			return err
		}
		on, err := parseCoil(args[1])
		if err != nil {
			return err
		}
		return m.WriteSingleCoil(ctx, port, slave, addr, on)
	}),
}

var writeCoilsCmd = &cobra.Command{
	Use:   "write-coils ADDRESS BITS",
	Short: "Write consecutive coils (0x0F)",
	Long:  "Write consecutive coils. BITS lists the coil states in address order, e.g. 1011_0011.",
	Args:  cobra.ExactArgs(2),
	RunE: onPort(func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		addr, err := parseUint16("address", args[0])
		if err != nil {
			return err
		}
		packed, count, err := packBits(args[1])
		if err != nil {
			return err
		}
		return m.WriteMultipleCoils(ctx, port, slave, addr, count, packed)
	}),
}

var pollCmd = &cobra.Command{
	Use:   "poll ADDRESS COUNT",
	Short: "Read registers periodically until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: onPort(func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		var read registerReader
		switch pollKind {
		case "holding":
			read = (*master.Master).ReadHoldingRegisters
		case "input":
			read = (*master.Master).ReadInputRegisters
		default:
			return fmt.Errorf("unknown register kind %q", pollKind)
		}
		return poll(ctx, pollInterval, pollTimes, func() {
			fmt.Fprintf(out, "# %s\n", time.Now().Format(time.RFC3339Nano))
			if err := readRegisters(read)(ctx, m, port, slave, args, out); err != nil {
				// A failed cycle is reported and polling continues.
				fmt.Fprintf(out, "error: %v\n", err)
			}
		})
	}),
}

var (
	pollInterval time.Duration
	pollTimes    int
	pollKind     string
)

// poll calls fn every interval, times times (0 for ever), until ctx is done.
func poll(ctx context.Context, interval time.Duration, times int, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; times == 0 || n < times; n++ {
		fn()
		if times != 0 && n == times-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

var scanIDs string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Probe slave IDs on a port",
	Long:  "Probe slave IDs by reading holding register 0. A slave that answers, even with an exception, is present.",
	Args:  cobra.NoArgs,
	RunE: onPort(func(ctx context.Context, m *master.Master, port transport.PortID, _ byte, _ []string, out io.Writer) error {
		ids, err := config.ParseSlaveIDs(scanIDs)
		if err != nil {
			return err
		}
		found := 0
		buf := make([]uint16, 1)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			err := m.ReadHoldingRegisters(ctx, port, id, 0, 1, buf)
			if err == nil || modbus.StatusOf(err).IsException() {
				fmt.Fprintf(out, "%d\tpresent\t%v\n", id, modbus.StatusOf(err))
				found++
			}
		}
		fmt.Fprintf(out, "%d of %d slave ids answered\n", found, len(ids))
		return nil
	}),
}

var faultsReset bool

var faultsCmd = &cobra.Command{
	Use:   "faults",
	Short: "Print the fault table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := fault.NewStorage(appConfig.Faults.Storage, appConfig.Faults.Path)
		if err != nil {
			return err
		}
		table, err := fault.NewTable(storage, logger)
		if err != nil {
			return err
		}
		defer table.Close()
		if faultsReset {
			return table.Reset()
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(table.Snapshot()); err != nil {
			return err
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "modbus-master", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 0, "Port id")
	rootCmd.PersistentFlags().IntVarP(&slaveFlag, "slave", "s", 1, "Slave id (1-247)")

	pollCmd.Flags().DurationVarP(&pollInterval, "interval", "i", time.Second, "Poll interval")
	pollCmd.Flags().IntVarP(&pollTimes, "times", "n", 0, "Number of reads, 0 for no limit")
	pollCmd.Flags().StringVarP(&pollKind, "kind", "k", "holding", "Register kind: holding or input")

	scanCmd.Flags().StringVar(&scanIDs, "ids", "1-247", "Slave ids to probe, e.g. 1-10,20")

	faultsCmd.Flags().BoolVar(&faultsReset, "reset", false, "Zero all counters")

	rootCmd.AddCommand(
		readHoldingCmd, readInputCmd, readCoilsCmd, readDiscreteCmd,
		writeRegisterCmd, writeRegistersCmd, writeCoilCmd, writeCoilsCmd,
		pollCmd, scanCmd, faultsCmd, versionCmd,
	)
}

type registerReader func(m *master.Master, ctx context.Context, port transport.PortID, slave byte, start, count uint16, out []uint16) error

type bitReader func(m *master.Master, ctx context.Context, port transport.PortID, slave byte, start, count uint16, out []byte) error

func readRegisters(read registerReader) portAction {
	return func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		addr, count, err := parseRange(args)
		if err != nil {
			return err
		}
		values := make([]uint16, count)
		if err := read(m, ctx, port, slave, addr, count, values); err != nil {
			return err
		}
		for i, v := range values {
			fmt.Fprintf(out, "%d\t%d\t0x%04X\n", int(addr)+i, v, v)
		}
		return nil
	}
}

func readBits(read bitReader) portAction {
	return func(ctx context.Context, m *master.Master, port transport.PortID, slave byte, args []string, out io.Writer) error {
		addr, count, err := parseRange(args)
		if err != nil {
			return err
		}
		packed := make([]byte, (int(count)+7)/8)
		if err := read(m, ctx, port, slave, addr, count, packed); err != nil {
			return err
		}
		for i := 0; i < int(count); i++ {
			fmt.Fprintf(out, "%d\t%d\n", int(addr)+i, packed[i/8]>>(i%8)&1)
		}
		return nil
	}
}

func parseRange(args []string) (addr, count uint16, err error) {
	if addr, err = parseUint16("address", args[0]); err != nil {
		return 0, 0, err
	}
	if count, err = parseUint16("count", args[1]); err != nil {
		return 0, 0, err
	}
	return addr, count, nil
}

// parseUint16 accepts decimal, 0x hex and 0o/0b forms.
func parseUint16(name, s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, errors.Unwrap(err))
	}
	return uint16(v), nil
}

func slaveID(id int) (byte, error) {
	if id < modbus.MinSlaveID || id > modbus.MaxSlaveID {
		return 0, fmt.Errorf("%w: slave id %d", modbus.StatusInvalidParameter, id)
	}
	return byte(id), nil
}

func parseCoil(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid coil state %q", s)
}

// packBits packs a string of 0 and 1 characters LSB first. Underscores and commas are ignored.
func packBits(s string) ([]byte, uint16, error) {
	var packed []byte
	n := 0
	for _, c := range s {
		switch c {
		case '_', ',':
			continue
		case '0', '1':
		default:
			return nil, 0, fmt.Errorf("invalid bit %q in %q", c, s)
		}
		if n%8 == 0 {
			packed = append(packed, 0)
		}
		if c == '1' {
			packed[n/8] |= 1 << (n % 8)
		}
		n++
	}
	if n == 0 || n > modbus.MaxCoilsPerWrite {
		return nil, 0, fmt.Errorf("%w: %d coils", modbus.StatusInvalidParameter, n)
	}
	return packed, uint16(n), nil
}

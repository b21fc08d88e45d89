// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/fault"
	"github.com/ffutop/modbus-master/internal/simslave"
	"github.com/ffutop/modbus-master/master"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/loopback"
)

// app wires configuration, fault recording and the master together.
type app struct {
	master *master.Master
	faults *fault.Table
	mqtt   *fault.MQTTReporter
	logger *zap.Logger
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	ports, err := cfg.PortConfigs()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports configured")
	}
	sim, err := cfg.Simulated()
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}
	storage, err := fault.NewStorage(cfg.Faults.Storage, cfg.Faults.Path)
	if err != nil {
		return nil, err
	}
	a.faults, err = fault.NewTable(storage, logger)
	if err != nil {
		return nil, err
	}
	reporters := fault.Multi{a.faults}
	if cfg.Faults.MQTT.Broker != "" {
		a.mqtt, err = fault.NewMQTTReporter(cfg.Faults.MQTT, logger)
		if err != nil {
			a.faults.Close()
			return nil, err
		}
		reporters = append(reporters, a.mqtt)
	}

	a.master, err = master.New(ports,
		master.WithLogger(logger),
		master.WithFaultReporter(reporters),
		master.WithOpener(simulatingOpener(sim, master.DefaultOpener(logger))))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// simulatingOpener attaches simulated slaves to loopback ports that list them.
func simulatingOpener(sim map[transport.PortID][]byte, next master.Opener) master.Opener {
	return func(cfg transport.PortConfig) (transport.Driver, transport.DirectionLine, error) {
		ids, ok := sim[cfg.ID]
		if !ok || cfg.Driver != transport.DriverLoopback {
			return next(cfg)
		}
		bus := loopback.New()
		for _, id := range ids {
			bus.Attach(simslave.New(id))
		}
		return bus, nil, nil
	}
}

func (a *app) Close() error {
	var err error
	if a.master != nil {
		multierr.AppendInto(&err, a.master.Close())
	}
	if a.mqtt != nil {
		multierr.AppendInto(&err, a.mqtt.Close())
	}
	if a.faults != nil {
		multierr.AppendInto(&err, a.faults.Close())
	}
	return err
}

// open initializes id for the duration of one command.
func (a *app) open(id int) (transport.PortID, error) {
	port := transport.PortID(id)
	if id < 0 || !a.master.Configured(port) {
		return 0, fmt.Errorf("%w: port %d is not configured", modbus.StatusInvalidParameter, id)
	}
	if err := a.master.Init(port); err != nil {
		return 0, err
	}
	return port, nil
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gpio drives an RS485 transceiver's driver-enable pin through the
// Linux GPIO character device.
package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "modbus-master"

// setter is the part of *gpiocdev.Line the direction line needs.
type setter interface {
	SetValue(value int) error
	Close() error
}

// Line is a transport.DirectionLine on a single GPIO output.
type Line struct {
	name string
	line setter
}

// Open requests offset on chip as an output, initially inactive (receive).
// With activeLow the physical level is inverted by the kernel.
func Open(chip string, offset int, activeLow bool) (*Line, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer(consumer),
		gpiocdev.AsOutput(0),
	}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := gpiocdev.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s:%d: %w", chip, offset, err)
	}
	return &Line{name: fmt.Sprintf("%s:%d", chip, offset), line: l}, nil
}

// Assert enables the transmitter.
func (l *Line) Assert() error {
	if err := l.line.SetValue(1); err != nil {
		return fmt.Errorf("assert %s: %w", l.name, err)
	}
	return nil
}

// Deassert returns the transceiver to receive.
func (l *Line) Deassert() error {
	if err := l.line.SetValue(0); err != nil {
		return fmt.Errorf("deassert %s: %w", l.name, err)
	}
	return nil
}

// Close leaves the line in receive and releases it.
func (l *Line) Close() error {
	_ = l.line.SetValue(0)
	return l.line.Close()
}

func (l *Line) String() string {
	return l.name
}

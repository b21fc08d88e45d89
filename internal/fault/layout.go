// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fault

import (
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// On-disk layout, little-endian regardless of host:
//
//	header   8 bytes   magic "MBFT", version u16, reserved u16
//	per port 92 bytes  counters [NumStatus]u32, then the last fault:
//	                   slave u8, function u8, status u8, pad u8,
//	                   attempts u16, pad u16, unix nanos i64
const (
	magic   = "MBFT"
	version = 1

	sizeHeader   = 8
	sizeCounters = int(modbus.NumStatus) * 4
	sizeLast     = 16
	sizePort     = sizeCounters + sizeLast

	// Size is the number of bytes a Storage must provide.
	Size = sizeHeader + int(transport.MaxPorts)*sizePort
)

func portOffset(port int) int {
	return sizeHeader + port*sizePort
}

func counterOffset(port int, status modbus.Status) int {
	return portOffset(port) + int(status)*4
}

func lastOffset(port int) int {
	return portOffset(port) + sizeCounters
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize covers address, function code and CRC.
	MinSize = 4
	// MinResponseSize adds at least one data byte to MinSize.
	MinResponseSize = 5
	MaxSize         = 256

	ExceptionSize = 5

	// WriteEchoSize is the length of every write response: address, function,
	// two 16-bit echo fields and CRC.
	WriteEchoSize = 8
)

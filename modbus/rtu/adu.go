// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
)

// ApplicationDataUnit is one RTU frame: slave address, PDU and CRC.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
	CRC     uint16
}

// Decode verifies the CRC of raw and splits it into address and PDU.
// The PDU data aliases raw.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("%w: frame length '%v' does not meet minimum '%v'", modbus.StatusUnexpectedResponse, length, MinSize)
		return
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[:length-2]); checksum != expected {
		err = fmt.Errorf("%w: frame crc '0x%04X' does not match expected '0x%04X'", modbus.StatusCRCError, checksum, expected)
		return
	}
	adu = &ApplicationDataUnit{
		SlaveID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : length-2],
		},
		CRC: checksum,
	}
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("%w: length of data '%v' must not be bigger than '%v'", modbus.StatusInvalidParameter, length, MaxSize)
		return
	}
	raw = make([]byte, length-2, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	raw = crc.Append(raw)
	adu.CRC = binary.LittleEndian.Uint16(raw[length-2:])
	return
}

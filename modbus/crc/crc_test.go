// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

// bitwise is the reference definition: xor into the low byte, then shift
// right eight times, folding in 0xA001 whenever the low bit was set.
func bitwise(data []byte) uint16 {
	reg := uint16(0xFFFF)
	for _, b := range data {
		reg ^= uint16(b)
		for i := 0; i < 8; i++ {
			if reg&0x0001 != 0 {
				reg = reg>>1 ^ 0xA001
			} else {
				reg >>= 1
			}
		}
	}
	return reg
}

func TestChecksum_MatchesBitwise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		data := make([]byte, rng.Intn(256))
		rng.Read(data)
		require.Equal(t, bitwise(data), Checksum(data), "len=%d", len(data))
	}
}

func TestChecksum_KnownFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		lo    byte
		hi    byte
	}{
		// 01 03 00 00 00 01 -> 84 0A
		{"ReadHoldingRegisters", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 0x84, 0x0A},
		// 11 03 00 6B 00 03 -> 76 87
		{"ModbusSpecExample", []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}, 0x76, 0x87},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := Append(append([]byte(nil), tt.frame...))
			assert.Equal(t, tt.lo, framed[len(framed)-2])
			assert.Equal(t, tt.hi, framed[len(framed)-1])
			assert.True(t, Valid(framed))
		})
	}
}

func TestValid_RoundTripAndBitFlip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		data := make([]byte, 1+rng.Intn(64))
		rng.Read(data)
		framed := Append(data)
		require.True(t, Valid(framed))

		// CRC16 detects every single-bit error.
		for bit := 0; bit < len(framed)*8; bit++ {
			corrupt := append([]byte(nil), framed...)
			corrupt[bit/8] ^= 1 << (bit % 8)
			require.False(t, Valid(corrupt), "bit %d undetected", bit)
		}
	}
}

func TestValid_Short(t *testing.T) {
	assert.False(t, Valid(nil))
	assert.False(t, Valid([]byte{0xFF}))
}

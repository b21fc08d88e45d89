// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

/*
Package modbus holds the protocol vocabulary shared by the RTU master:
function codes, exception codes, quantity limits and the Status taxonomy
every public operation reports.
*/
package modbus

import "time"

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
)

// ExceptionBit is set in the function code of an exception response.
const ExceptionBit = 0x80

// Exception Codes
const (
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B
)

// Quantity limits per request.
const (
	MaxRegistersPerRead  = 125
	MaxRegistersPerWrite = 123
	MaxCoilsPerRead      = 2000
	MaxCoilsPerWrite     = 1968
)

// Slave address range. Address 0 is broadcast and is not accepted by the master.
const (
	MinSlaveID = 1
	MaxSlaveID = 247
)

// Coil values on the wire for Write Single Coil.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// FunctionName returns a readable name for a function code.
func FunctionName(code byte) string {
	switch code &^ ExceptionBit {
	case FuncCodeReadCoils:
		return "ReadCoils"
	case FuncCodeReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncCodeReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncCodeReadInputRegisters:
		return "ReadInputRegisters"
	case FuncCodeWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncCodeWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncCodeWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncCodeWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// Fault describes a transaction that ended in failure.
type Fault struct {
	Port         uint8
	SlaveID      byte
	FunctionCode byte
	Status       Status
	Attempts     int
	Time         time.Time
}

// FaultReporter is notified once for every transaction that does not end in OK.
// Implementations must not block the caller for long.
type FaultReporter interface {
	ReportFault(f Fault)
}

// NopFaultReporter discards faults.
type NopFaultReporter struct{}

func (NopFaultReporter) ReportFault(Fault) {}

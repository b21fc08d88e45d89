// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Status is the closed outcome taxonomy of every master operation.
// A Status is itself an error, so it can be returned directly, wrapped
// with fmt.Errorf("...: %w", status) and matched with errors.Is.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusInvalidParameter
	StatusNotInitialized
	StatusAlreadyInitialized
	StatusBusy
	StatusTimeout
	StatusCRCError
	StatusUnexpectedResponse

	StatusIllegalFunction
	StatusIllegalDataAddress
	StatusIllegalDataValue
	StatusSlaveDeviceFailure
	StatusAcknowledge
	StatusSlaveBusy
	StatusMemoryParityError
	StatusGatewayPathUnavailable
	StatusGatewayTargetNoResponse
	StatusUnknownException

	// NumStatus is the number of defined statuses.
	NumStatus
)

var statusNames = [NumStatus]string{
	StatusOK:                      "ok",
	StatusError:                   "error",
	StatusInvalidParameter:        "invalid parameter",
	StatusNotInitialized:          "not initialized",
	StatusAlreadyInitialized:      "already initialized",
	StatusBusy:                    "busy",
	StatusTimeout:                 "timeout",
	StatusCRCError:                "crc error",
	StatusUnexpectedResponse:      "unexpected response",
	StatusIllegalFunction:         "illegal function",
	StatusIllegalDataAddress:      "illegal data address",
	StatusIllegalDataValue:        "illegal data value",
	StatusSlaveDeviceFailure:      "slave device failure",
	StatusAcknowledge:             "acknowledge",
	StatusSlaveBusy:               "slave device busy",
	StatusMemoryParityError:       "memory parity error",
	StatusGatewayPathUnavailable:  "gateway path unavailable",
	StatusGatewayTargetNoResponse: "gateway target device failed to respond",
	StatusUnknownException:        "unknown exception",
}

func (s Status) String() string {
	if s < NumStatus {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Error implements the error interface.
func (s Status) Error() string {
	return "modbus: " + s.String()
}

// IsException reports whether s was produced by a Modbus exception response.
func (s Status) IsException() bool {
	return s >= StatusIllegalFunction && s <= StatusUnknownException
}

// Retryable reports whether a transaction ending in s may be attempted again.
// Only communication faults qualify; exceptions, parameter and resource errors never do.
func (s Status) Retryable() bool {
	switch s {
	case StatusTimeout, StatusCRCError, StatusUnexpectedResponse:
		return true
	}
	return false
}

// StatusFromException maps an exception code onto its Status.
func StatusFromException(code byte) Status {
	switch code {
	case ExceptionCodeIllegalFunction:
		return StatusIllegalFunction
	case ExceptionCodeIllegalDataAddress:
		return StatusIllegalDataAddress
	case ExceptionCodeIllegalDataValue:
		return StatusIllegalDataValue
	case ExceptionCodeSlaveDeviceFailure:
		return StatusSlaveDeviceFailure
	case ExceptionCodeAcknowledge:
		return StatusAcknowledge
	case ExceptionCodeSlaveDeviceBusy:
		return StatusSlaveBusy
	case ExceptionCodeMemoryParityError:
		return StatusMemoryParityError
	case ExceptionCodeGatewayPathUnavailable:
		return StatusGatewayPathUnavailable
	case ExceptionCodeGatewayTargetNoResponse:
		return StatusGatewayTargetNoResponse
	default:
		return StatusUnknownException
	}
}

// StatusOf extracts the Status carried by err. A nil error is StatusOK and
// an error that carries no Status is StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	var ex *ExceptionError
	if errors.As(err, &ex) {
		return ex.Status()
	}
	return StatusError
}

// ExceptionError is returned when a slave answers with an exception response.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

// Status returns the Status the exception code maps to.
func (e *ExceptionError) Status() Status {
	return StatusFromException(e.ExceptionCode)
}

// Error converts known modbus exception code to error message.
func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, e.Status(), e.FunctionCode&^ExceptionBit)
}

// Unwrap exposes the Status so errors.Is(err, StatusIllegalDataAddress) holds.
func (e *ExceptionError) Unwrap() error {
	return e.Status()
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp is a Driver that carries raw RTU frames over a TCP
// connection, for serial device servers that bridge a socket to an RS485 bus.
package rtuovertcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-master/transport"
)

const (
	tcpTimeout = 10 * time.Second
	// flushWait is how long FlushInput waits for more stale bytes.
	flushWait = time.Millisecond
	maxFlush  = 4096
)

// Client implements transport.Driver over TCP. A broken connection is
// dropped and redialled on the next Write.
type Client struct {
	Address string
	Timeout time.Duration

	logger      *zap.Logger
	mu          sync.Mutex
	conn        net.Conn
	readTimeout time.Duration
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
		logger:  logger,
	}
}

// Configure connects to the device server. Line parameters other than the
// read timeout are the device server's business.
func (mb *Client) Configure(ls transport.LineSettings) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.readTimeout = ls.ReadTimeout
	mb.close()
	if err := mb.connect(); err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	return nil
}

func (mb *Client) Write(p []byte) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Ensure connection is open
	if err := mb.connect(); err != nil {
		return 0, fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	if err := mb.conn.SetWriteDeadline(time.Now().Add(mb.Timeout)); err != nil {
		mb.close()
		return 0, err
	}
	n, err := mb.conn.Write(p)
	if err != nil {
		mb.close() // Close connection on write failure to force reconnect next time
		return n, fmt.Errorf("failed to write to connection: %w", err)
	}
	return n, nil
}

// Read waits at most the configured read timeout. Expiry returns 0, nil.
func (mb *Client) Read(p []byte) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.conn == nil {
		return 0, fmt.Errorf("%s: not connected", mb.Address)
	}
	if err := mb.conn.SetReadDeadline(time.Now().Add(mb.readTimeout)); err != nil {
		mb.close()
		return 0, err
	}
	n, err := mb.conn.Read(p)
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		mb.close()
		return n, fmt.Errorf("failed to read response: %w", err)
	}
	return n, nil
}

// FlushInput discards bytes already queued on the socket. A stale reply left
// in the stream would otherwise desynchronize every later frame.
func (mb *Client) FlushInput() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.conn == nil {
		return nil
	}
	var buf [64]byte
	for discarded := 0; discarded < maxFlush; {
		if err := mb.conn.SetReadDeadline(time.Now().Add(flushWait)); err != nil {
			return err
		}
		n, err := mb.conn.Read(buf[:])
		discarded += n
		if err != nil {
			if isTimeout(err) {
				if discarded > 0 {
					mb.logger.Debug("flushed stale input", zap.Int("bytes", discarded))
				}
				return nil
			}
			mb.close()
			return err
		}
	}
	return fmt.Errorf("%s: input did not go quiet after %d bytes", mb.Address, maxFlush)
}

func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (mb *Client) connect() error {
	if mb.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", mb.Address, mb.Timeout)
	if err != nil {
		return err
	}
	mb.logger.Debug("connected", zap.String("address", mb.Address))
	mb.conn = conn
	return nil
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

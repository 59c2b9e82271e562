// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

type HandshakeState int

const (
	HandshakeInitiated HandshakeState = iota
	HandshakeWouldBlock
	HandshakeEstablished
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeInitiated:
		return "initiated"
	case HandshakeWouldBlock:
		return "would_block"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrWouldBlock is returned by a Handshaker that needs more input from the peer.
	ErrWouldBlock       = errors.New("handshake would block")
	ErrHandshakeStalled = errors.New("handshake did not complete in time")
	ErrShuttingDown     = errors.New("shutting down")
)

// Handshaker performs one step of a server handshake.
type Handshaker interface {
	Handshake() error
}

// DriveHandshake retries h while it reports ErrWouldBlock, at most maxAttempts
// times, and returns the terminal state.
func DriveHandshake(h Handshaker, shuttingDown func() bool, maxAttempts int) (HandshakeState, error) {
	state := HandshakeInitiated
	for attempt := 0; state == HandshakeInitiated || state == HandshakeWouldBlock; attempt++ {
		if attempt >= maxAttempts {
			return HandshakeFailed, ErrHandshakeStalled
		}
		if shuttingDown() {
			return HandshakeFailed, ErrShuttingDown
		}

		err := h.Handshake()
		switch {
		case err == nil:
			state = HandshakeEstablished
		case errors.Is(err, ErrWouldBlock):
			state = HandshakeWouldBlock
		default:
			return HandshakeFailed, err
		}
	}
	return state, nil
}

// peekConn lets the handshaker look at the first byte of the stream without
// consuming it.
type peekConn struct {
	net.Conn
	reader *bufio.Reader
}

func newPeekConn(conn net.Conn) *peekConn {
	return &peekConn{Conn: conn, reader: bufio.NewReader(conn)}
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// tlsHandshaker reports ErrWouldBlock until the client has sent its first
// bytes, waiting at most one poll interval per step. The TLS handshake itself
// then runs under the handshake deadline.
type tlsHandshaker struct {
	peek      *peekConn
	conn      *tls.Conn
	poll      time.Duration
	timeout   time.Duration
	helloSeen bool
}

func (h *tlsHandshaker) Handshake() error {
	if !h.helloSeen {
		if err := h.peek.SetReadDeadline(time.Now().Add(h.poll)); err != nil {
			return err
		}
		if _, err := h.peek.reader.Peek(1); err != nil {
			if isTimeout(err) {
				return ErrWouldBlock
			}
			return err
		}
		h.helloSeen = true
	}

	if err := h.peek.SetDeadline(time.Now().Add(h.timeout)); err != nil {
		return err
	}
	err := h.conn.Handshake()
	_ = h.peek.SetDeadline(time.Time{})
	return err
}

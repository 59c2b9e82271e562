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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"go.uber.org/zap"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensortopostgresql_tls_active_connections",
			Help: "Number of TLS connections currently served",
		},
	)
	handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortopostgresql_tls_handshakes_total",
			Help: "The total number of finished TLS handshakes, by outcome",
		},
		[]string{"state"},
	)
)

// TLSListener accepts TLS connections and reads one JSON document per read.
type TLSListener struct {
	cfg          config.TLSListener
	pollInterval time.Duration
	bufferSize   int
	forwarder    *Forwarder
	log          *zap.SugaredLogger

	pool  *connectionPool
	addr      net.Addr
	ready     chan struct{}
	listening atomic.Bool
}

func NewTLSListener(cfg config.TLSListener, pollInterval time.Duration, bufferSize int, forwarder *Forwarder, log *zap.SugaredLogger) *TLSListener {
	return &TLSListener{
		cfg:          cfg,
		pollInterval: pollInterval,
		bufferSize:   bufferSize,
		forwarder:    forwarder,
		log:          log,
		ready:        make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (l *TLSListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr is the bound address. Only valid after Ready is closed.
func (l *TLSListener) Addr() net.Addr {
	return l.addr
}

// ActiveConnections is the number of connections currently being served.
func (l *TLSListener) ActiveConnections() int64 {
	select {
	case <-l.ready:
		return l.pool.active.Load()
	default:
		return 0
	}
}

func (l *TLSListener) Healthy() error {
	if !l.listening.Load() {
		return ErrNotReady
	}
	return nil
}

func (l *TLSListener) Run(gs internal.GracefulShutdownHandler) error {
	tlsConfig, err := LoadServerTLSConfig(l.cfg.PKCS12IdentityFile, l.cfg.PKCS12Password, l.cfg.MinVersion)
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("loading server identity: %w", err)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port)))
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("binding TLS listener: %w", err)
	}
	tcpListener := listener.(*net.TCPListener)
	defer tcpListener.Close()

	l.pool = newConnectionPool(l.cfg.Workers, l.cfg.Backlog, func(conn net.Conn) {
		l.serve(conn, tlsConfig, gs)
	})
	l.addr = tcpListener.Addr()
	l.listening.Store(true)
	close(l.ready)
	l.log.Infof("Listening for TLS connections on %s", l.addr)

	for !gs.ShuttingDown() {
		if err = tcpListener.SetDeadline(time.Now().Add(l.pollInterval)); err != nil {
			l.log.Errorf("Failed to set accept deadline: %s", err)
		}
		var conn *net.TCPConn
		conn, err = tcpListener.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			l.log.Errorf("Failed to accept connection: %s", err)
			internal.SleepBackedOff(1, l.pollInterval, l.pollInterval, gs.Done())
			continue
		}
		if !l.pool.submit(conn, gs.Done()) {
			_ = conn.Close()
		}
	}

	l.listening.Store(false)
	l.log.Infof("Waiting for %d TLS connections to finish", l.pool.active.Load())
	l.pool.drain()
	l.log.Infof("TLS listener stopped")
	return nil
}

func (l *TLSListener) maxHandshakeAttempts() int {
	attempts := int(l.cfg.HandshakeTimeout / l.pollInterval)
	if attempts < 1 {
		attempts = 1
	}
	return attempts
}

func (l *TLSListener) serve(raw net.Conn, tlsConfig *tls.Config, gs internal.GracefulShutdownHandler) {
	defer raw.Close()
	remote := raw.RemoteAddr().String()
	if gs.ShuttingDown() {
		return
	}

	peek := newPeekConn(raw)
	conn := tls.Server(peek, tlsConfig)
	handshaker := &tlsHandshaker{
		peek:    peek,
		conn:    conn,
		poll:    l.pollInterval,
		timeout: l.cfg.HandshakeTimeout,
	}

	state, err := DriveHandshake(handshaker, gs.ShuttingDown, l.maxHandshakeAttempts())
	handshakes.WithLabelValues(state.String()).Inc()
	if state != HandshakeEstablished {
		l.log.Warnf("TLS handshake with %s failed: %s", remote, err)
		return
	}
	l.log.Debugf("TLS session with %s established", remote)

	l.readLoop(conn, remote, gs)
	_ = conn.Close()
}

func (l *TLSListener) readLoop(conn *tls.Conn, remote string, gs internal.GracefulShutdownHandler) {
	buf := make([]byte, l.bufferSize)
	for !gs.ShuttingDown() {
		if err := conn.SetReadDeadline(time.Now().Add(l.pollInterval)); err != nil {
			l.log.Warnf("Failed to set read deadline for %s: %s", remote, err)
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			l.forwarder.Forward(buf[:n], gs.Done())
		}
		if err == nil {
			continue
		}
		switch {
		case isTimeout(err):
		case errors.Is(err, io.EOF):
			l.log.Debugf("Connection closed by %s", remote)
			return
		default:
			l.log.Warnf("Closing connection to %s: %s", remote, err)
			return
		}
	}
}

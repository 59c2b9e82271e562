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
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal"
	"github.com/united-manufacturing-hub/sensor-to-postgresql/internal/config"
	"go.uber.org/zap"
)

// UDPListener reads one JSON document per datagram. Datagrams larger than
// the buffer are truncated.
type UDPListener struct {
	cfg          config.UDPListener
	pollInterval time.Duration
	bufferSize   int
	forwarder    *Forwarder
	log          *zap.SugaredLogger

	addr      net.Addr
	ready     chan struct{}
	listening atomic.Bool
}

func NewUDPListener(cfg config.UDPListener, pollInterval time.Duration, bufferSize int, forwarder *Forwarder, log *zap.SugaredLogger) *UDPListener {
	return &UDPListener{
		cfg:          cfg,
		pollInterval: pollInterval,
		bufferSize:   bufferSize,
		forwarder:    forwarder,
		log:          log,
		ready:        make(chan struct{}),
	}
}

func (l *UDPListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr is the bound address. Only valid after Ready is closed.
func (l *UDPListener) Addr() net.Addr {
	return l.addr
}

func (l *UDPListener) Healthy() error {
	if !l.listening.Load() {
		return ErrNotReady
	}
	return nil
}

func (l *UDPListener) Run(gs internal.GracefulShutdownHandler) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port)))
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		gs.Shutdown()
		return fmt.Errorf("binding UDP listener: %w", err)
	}
	defer conn.Close()

	l.addr = conn.LocalAddr()
	l.listening.Store(true)
	defer l.listening.Store(false)
	close(l.ready)
	l.log.Infof("Listening for UDP datagrams on %s", l.addr)

	buf := make([]byte, l.bufferSize)
	for !gs.ShuttingDown() {
		if err = conn.SetReadDeadline(time.Now().Add(l.pollInterval)); err != nil {
			l.log.Errorf("Failed to set read deadline: %s", err)
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warnf("Failed to read datagram: %s", err)
			continue
		}
		l.log.Debugf("Received %d bytes from %s", n, from)
		l.forwarder.Forward(buf[:n], gs.Done())
	}

	l.log.Infof("UDP listener stopped")
	return nil
}

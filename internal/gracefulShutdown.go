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

package internal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

type GracefulShutdownHandler interface {
	Shutdown()                // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool       // Quickly checks if a shutdown is in progress.
	Done() <-chan struct{}    // Closed once a shutdown has been triggered.
	Context() context.Context // Cancelled once a shutdown has been triggered.
}

type gracefulShutdown struct {
	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	once         sync.Once
}

// NewGracefulShutdown returns a handler that is triggered by SIGINT/SIGTERM or
// by calling Shutdown. It never exits the process; the caller joins its
// goroutines and decides the exit code.
func NewGracefulShutdown(log *zap.SugaredLogger) GracefulShutdownHandler {
	gs := newGracefulShutdown()

	quit := make(chan os.Signal, 1)
	// Registered before returning so no signal between construction and the goroutine start is lost.
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			log.Infow("Received signal, shutting down", "signal", sig.String())
			gs.Shutdown()
		case <-gs.ctx.Done():
		}
	}()

	return gs
}

// NewShutdownFlag returns a handler that is only triggered by calling Shutdown.
func NewShutdownFlag() GracefulShutdownHandler {
	return newGracefulShutdown()
}

func newGracefulShutdown() *gracefulShutdown {
	ctx, cancel := context.WithCancel(context.Background())
	return &gracefulShutdown{
		ctx:    ctx,
		cancel: cancel,
	}
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	return gs.shuttingDown.Load()
}

func (gs *gracefulShutdown) Shutdown() {
	gs.once.Do(func() {
		gs.shuttingDown.Store(true)
		gs.cancel()
	})
}

func (gs *gracefulShutdown) Done() <-chan struct{} {
	return gs.ctx.Done()
}

func (gs *gracefulShutdown) Context() context.Context {
	return gs.ctx
}

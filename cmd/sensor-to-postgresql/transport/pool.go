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
	"net"
	"sync"
	"sync/atomic"
)

// connectionPool serves connections on a fixed number of goroutines.
// Connections beyond that wait in a bounded backlog.
type connectionPool struct {
	jobs   chan net.Conn
	wg     sync.WaitGroup
	active atomic.Int64
}

func newConnectionPool(workers int, backlog int, handle func(net.Conn)) *connectionPool {
	p := &connectionPool{
		jobs: make(chan net.Conn, backlog),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for conn := range p.jobs {
				activeConnections.Set(float64(p.active.Add(1)))
				handle(conn)
				activeConnections.Set(float64(p.active.Add(-1)))
			}
		}()
	}
	return p
}

// submit waits for room in the backlog. It returns false, leaving conn to
// the caller, if abort is closed first.
func (p *connectionPool) submit(conn net.Conn, abort <-chan struct{}) bool {
	select {
	case p.jobs <- conn:
		return true
	case <-abort:
		return false
	}
}

// drain stops accepting work and waits for every queued and running
// connection to finish. submit must not be called afterwards.
func (p *connectionPool) drain() {
	close(p.jobs)
	p.wg.Wait()
}

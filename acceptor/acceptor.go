// Package acceptor runs the TCP listen loop: it binds one address, and for
// every accepted connection spawns a session.Session on its own goroutine
// (spec.md §5's "one goroutine per diagnostic session" concurrency model).
package acceptor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/veculab/vecu-doip/internal/vlog"
	"github.com/veculab/vecu-doip/session"
	"github.com/veculab/vecu-doip/uds"
)

// DefaultAddr is the conventional DoIP TCP port (ISO 13400 reserves 13400).
const DefaultAddr = ":13400"

// Acceptor owns the listening socket and the set of in-flight sessions.
type Acceptor struct {
	addr       string
	dispatcher *uds.Dispatcher
	log        vlog.Logger

	wg sync.WaitGroup
	ln net.Listener
}

// New builds an Acceptor that will bind addr once Run is called.
func New(addr string, dispatcher *uds.Dispatcher, log vlog.Logger) *Acceptor {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Acceptor{addr: addr, dispatcher: dispatcher, log: log}
}

// Run binds the listening socket and accepts connections until ctx is
// canceled. It blocks until the accept loop has fully stopped and every
// spawned session goroutine has returned.
func (a *Acceptor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.log.Infof("acceptor: listening on %s", a.addr)

	go func() {
		<-ctx.Done()
		a.log.Debugf("acceptor: context canceled, closing listener")
		a.ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				a.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			a.log.Errorf("acceptor: accept: %v", err)
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			// Closing the connection on cancellation ends the session's
			// blocked read, so the drain below cannot wait forever.
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			session.New(conn, a.dispatcher, a.log).Serve()
		}()
	}
}

// Wait blocks until every spawned session goroutine has returned. Run
// already waits on shutdown, but Wait is exposed for callers that want to
// observe drain completion independently (e.g. tests).
func (a *Acceptor) Wait() {
	a.wg.Wait()
}

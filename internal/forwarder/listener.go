// Package forwarder implements the per-participant inbound forwarder
// endpoint: a window manager that accepts `forward` RPCs only while a
// computation window is active, and the outbound client used to send
// them.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dstotijn/ssev/internal/wire"
)

// maxConcurrentChannels bounds the number of simultaneously accepted
// inbound connections, one per remote ip:port, per the resource
// policy (§5).
const maxConcurrentChannels = 100

// Dispatcher hands an accepted forward request to the owning PN's
// event loop and waits for it to be processed. Satisfied by
// internal/pnstate.PN.
type Dispatcher interface {
	SubmitForwardRequest(ctx context.Context, params wire.ForwardParams) error
}

// Listener is the window manager described in §4.5: Request() opens
// the window if closed, or extends it (by sending a token on the
// current run's extend channel) if already open.
type Listener struct {
	addr       string
	period     time.Duration
	rpcTimeout time.Duration
	dispatcher Dispatcher
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	extend chan struct{} // non-nil iff a window is currently open
}

// NewListener builds a forwarder listener bound to addr. period is
// the computation period (the window's base lifetime); rpcTimeout
// bounds how long one accepted forward RPC may take to process.
func NewListener(addr string, period, rpcTimeout time.Duration, dispatcher Dispatcher, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Listener{
		addr:       addr,
		period:     period,
		rpcTimeout: rpcTimeout,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Request opens the forwarder window for one computation period, or,
// if already open, restarts its timer so it stays open for one full
// period from now.
func (l *Listener) Request() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.extend != nil {
		select {
		case l.extend <- struct{}{}:
		default:
			// An extend token is already pending; one is enough.
		}
		return
	}

	extend := make(chan struct{}, 1)
	l.extend = extend
	go l.runWindow(extend)
}

// runWindow binds the listener, serves connections concurrently with
// a timeout loop, and shuts everything down when the window has run
// its full period with no pending extend.
func (l *Listener) runWindow(extend chan struct{}) {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		l.logger.Errorw("forwarder: listen failed", "addr", l.addr, "err", err)
		l.mu.Lock()
		l.extend = nil
		l.mu.Unlock()
		return
	}

	done := make(chan struct{})
	go l.acceptLoop(ln, done)

	timer := time.NewTimer(l.period)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			select {
			case <-extend:
				timer.Reset(l.period)
				continue
			default:
			}
			l.mu.Lock()
			l.extend = nil
			l.mu.Unlock()
			close(done)
			ln.Close()
			if e, ok := l.dispatcher.(interface{ SubmitComputationPeriodExpired() }); ok {
				e.SubmitComputationPeriodExpired()
			}
			return
		case <-extend:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(l.period)
		}
	}
}

func (l *Listener) acceptLoop(ln net.Listener, done chan struct{}) {
	sem := make(chan struct{}, maxConcurrentChannels)
	var mu sync.Mutex
	active := make(map[string]struct{})

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
				l.logger.Warnw("forwarder: accept failed", "err", err)
				return
			}
		}

		remote := nc.RemoteAddr().String()
		mu.Lock()
		if _, dup := active[remote]; dup {
			mu.Unlock()
			nc.Close()
			continue
		}
		select {
		case sem <- struct{}{}:
			active[remote] = struct{}{}
			mu.Unlock()
		default:
			mu.Unlock()
			nc.Close()
			continue
		}

		go func() {
			defer func() {
				<-sem
				mu.Lock()
				delete(active, remote)
				mu.Unlock()
			}()
			l.serve(nc)
		}()
	}
}

func (l *Listener) serve(nc net.Conn) {
	defer nc.Close()

	c := wire.NewConn(nc)
	hdr, err := c.ReceiveHeader()
	if err != nil {
		// Connection closed or I/O error: drop the channel, keep accepting.
		return
	}
	if hdr.Op != wire.OpForward {
		l.logger.Warnw("forwarder: unexpected opcode", "op", hdr.Op)
		return
	}

	var params wire.ForwardParams
	if err := c.ReceivePayload(hdr.Op, &params); err != nil {
		l.logger.Warnw("forwarder: payload decode failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.rpcTimeout)
	defer cancel()

	if err := l.dispatcher.SubmitForwardRequest(ctx, params); err != nil {
		l.logger.Warnw("forwarder: dispatch failed", "err", err)
	}

	if err := c.SendMessage(wire.OpForward, hdr.ReqID, wire.ForwardResponse{}); err != nil {
		l.logger.Warnw("forwarder: response send failed", "err", err)
	}
}

// ErrListenerClosed is not returned by anything in this package.
// Request is fire-and-forget (§4.5 gives it no return value); a failed
// bind is reported only through the logger, with the error from
// net.Listen.
var ErrListenerClosed = fmt.Errorf("forwarder: listener closed")

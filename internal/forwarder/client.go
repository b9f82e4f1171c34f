package forwarder

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/dstotijn/ssev/internal/wire"
)

// Client sends outbound forward RPCs to peers' forwarder endpoints.
// It dials fresh per call: a PN may relay to dozens of distinct
// successors over the life of a computation, and peer endpoints come
// and go with their own window lifetimes, so there is no connection
// pool to maintain. A single Client is shared across the errgroup
// fan-out in pnstate.onForwardRequest, so reqID is allocated
// atomically.
type Client struct {
	dialTimeout time.Duration
	rpcTimeout  time.Duration
	reqID       atomic.Uint32
}

// NewClient builds a forwarder client. dialTimeout bounds the TCP
// handshake; rpcTimeout bounds the full round trip.
func NewClient(dialTimeout, rpcTimeout time.Duration) *Client {
	return &Client{dialTimeout: dialTimeout, rpcTimeout: rpcTimeout}
}

// SendForward dials endpoint and delivers params as a forward RPC,
// per §4.5 / §6. Satisfies pnstate.ForwardDialer.
func (c *Client) SendForward(ctx context.Context, endpoint string, params wire.ForwardParams) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("forwarder: dial %s: %w", endpoint, err)
	}
	defer nc.Close()

	deadline := time.Now().Add(c.rpcTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := nc.SetDeadline(deadline); err != nil {
		return fmt.Errorf("forwarder: set deadline: %w", err)
	}

	conn := wire.NewConn(nc)
	if err := conn.SendMessage(wire.OpForward, c.reqID.Add(1), params); err != nil {
		return fmt.Errorf("forwarder: send to %s: %w", endpoint, err)
	}

	hdr, err := conn.ReceiveHeader()
	if err != nil {
		return fmt.Errorf("forwarder: receive header from %s: %w", endpoint, err)
	}
	var resp wire.ForwardResponse
	if err := conn.ReceivePayload(hdr.Op, &resp); err != nil {
		return fmt.Errorf("forwarder: receive response from %s: %w", endpoint, err)
	}
	return nil
}

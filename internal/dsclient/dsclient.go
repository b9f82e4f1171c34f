// Package dsclient implements the outbound RPC client a participant
// node uses to talk to the diagnosis server: blacklist_upload,
// greylist_upload, and download (§4.3, §6).
package dsclient

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/dstotijn/ssev/internal/entime"
	"github.com/dstotijn/ssev/internal/model"
	"github.com/dstotijn/ssev/internal/wire"
)

// Client dials the diagnosis server fresh for every RPC. There is no
// persistent connection to keep alive between a positive test's
// upload and the next periodic download, so a pool would only add
// bookkeeping without saving a meaningful number of handshakes. A
// single Client is shared between the periodic download updater and
// the event loop's upload calls, so reqID is allocated atomically.
type Client struct {
	addr        string
	dialTimeout time.Duration
	reqID       atomic.Uint32
}

// New builds a diagnosis-server client bound to addr.
func New(addr string, dialTimeout time.Duration) *Client {
	return &Client{addr: addr, dialTimeout: dialTimeout}
}

func (c *Client) dial(ctx context.Context) (*wire.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dsclient: dial %s: %w", c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	return wire.NewConn(nc), nil
}

func (c *Client) nextReqID() uint32 {
	return c.reqID.Add(1)
}

// BlacklistUpload allocates a computation id for the caller's own TEK
// history. Satisfies pnstate.DSClient.
func (c *Client) BlacklistUpload(ctx context.Context, teks []model.TEKValidity) (model.ComputationID, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	req := wire.BlacklistUploadRequest{DiagnosisKeys: teks}
	if err := conn.SendMessage(wire.OpBlacklistUpload, c.nextReqID(), req); err != nil {
		return 0, fmt.Errorf("dsclient: blacklist_upload send: %w", err)
	}

	hdr, err := conn.ReceiveHeader()
	if err != nil {
		return 0, fmt.Errorf("dsclient: blacklist_upload receive header: %w", err)
	}
	var resp wire.BlacklistUploadResponse
	if err := conn.ReceivePayload(hdr.Op, &resp); err != nil {
		return 0, fmt.Errorf("dsclient: blacklist_upload receive payload: %w", err)
	}
	return resp.ComputationID, nil
}

// GreylistUpload seals a known computation's greylist TEK set.
// Satisfies pnstate.DSClient.
func (c *Client) GreylistUpload(ctx context.Context, id model.ComputationID, teks []model.TEKValidity) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.GreylistUploadRequest{ComputationID: id, DiagnosisKeys: teks}
	if err := conn.SendMessage(wire.OpGreylistUpload, c.nextReqID(), req); err != nil {
		return fmt.Errorf("dsclient: greylist_upload send: %w", err)
	}

	hdr, err := conn.ReceiveHeader()
	if err != nil {
		return fmt.Errorf("dsclient: greylist_upload receive header: %w", err)
	}
	var resp wire.GreylistUploadResponse
	return conn.ReceivePayload(hdr.Op, &resp)
}

// Download fetches every done chunk the DS holds whose coverage window
// ends after from. Unlike the upload RPCs it is never wrapped in a
// retry policy: a failed download is caught up by the next periodic
// refresh tick (§4.3, §7).
func (c *Client) Download(ctx context.Context, from entime.Tick) ([]*model.Chunk, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := wire.DownloadRequest{From: from}
	if err := conn.SendMessage(wire.OpDownload, c.nextReqID(), req); err != nil {
		return nil, fmt.Errorf("dsclient: download send: %w", err)
	}

	hdr, err := conn.ReceiveHeader()
	if err != nil {
		return nil, fmt.Errorf("dsclient: download receive header: %w", err)
	}
	var resp wire.DownloadResponse
	if err := conn.ReceivePayload(hdr.Op, &resp); err != nil {
		return nil, fmt.Errorf("dsclient: download receive payload: %w", err)
	}

	chunks := make([]*model.Chunk, len(resp.Chunks))
	for i, dto := range resp.Chunks {
		chunks[i] = wire.DecodeChunk(dto)
	}
	return chunks, nil
}

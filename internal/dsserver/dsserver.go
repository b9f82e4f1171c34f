// Package dsserver implements the diagnosis server's inbound RPC
// endpoint: an accept loop that dispatches blacklist_upload,
// greylist_upload, and download requests to an internal/dsstore.Store
// (§4.3, §6).
package dsserver

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/dstotijn/ssev/internal/dsstore"
	"github.com/dstotijn/ssev/internal/wire"
)

// Server accepts connections on a single listener and serves each
// concurrently; the diagnosis server has no per-peer state, so unlike
// the forwarder's window manager there's no dedup or bounded window
// here — every blacklist/greylist/download RPC is independent.
type Server struct {
	store  *dsstore.Store
	logger *zap.SugaredLogger
}

// New builds a DS RPC server fronting store.
func New(store *dsstore.Store, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{store: store, logger: logger}
}

// Serve accepts connections on ln until it errors or is closed by the
// caller (e.g. on context cancellation elsewhere in the process).
func (s *Server) Serve(ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	conn := wire.NewConn(nc)

	hdr, err := conn.ReceiveHeader()
	if err != nil {
		return
	}

	switch hdr.Op {
	case wire.OpBlacklistUpload:
		s.handleBlacklistUpload(conn, hdr)
	case wire.OpGreylistUpload:
		s.handleGreylistUpload(conn, hdr)
	case wire.OpDownload:
		s.handleDownload(conn, hdr)
	default:
		s.logger.Warnw("dsserver: unexpected opcode", "op", hdr.Op)
	}
}

func (s *Server) handleBlacklistUpload(conn *wire.Conn, hdr wire.Header) {
	var req wire.BlacklistUploadRequest
	if err := conn.ReceivePayload(hdr.Op, &req); err != nil {
		s.logger.Warnw("dsserver: blacklist_upload decode failed", "err", err)
		return
	}

	id := s.store.BlacklistUpload(req.DiagnosisKeys)

	resp := wire.BlacklistUploadResponse{ComputationID: id}
	if err := conn.SendMessage(hdr.Op, hdr.ReqID, resp); err != nil {
		s.logger.Warnw("dsserver: blacklist_upload response failed", "err", err)
	}
}

func (s *Server) handleGreylistUpload(conn *wire.Conn, hdr wire.Header) {
	var req wire.GreylistUploadRequest
	if err := conn.ReceivePayload(hdr.Op, &req); err != nil {
		s.logger.Warnw("dsserver: greylist_upload decode failed", "err", err)
		return
	}

	s.store.GreylistUpload(req.ComputationID, req.DiagnosisKeys)

	if err := conn.SendMessage(hdr.Op, hdr.ReqID, wire.GreylistUploadResponse{}); err != nil {
		s.logger.Warnw("dsserver: greylist_upload response failed", "err", err)
	}
}

func (s *Server) handleDownload(conn *wire.Conn, hdr wire.Header) {
	var req wire.DownloadRequest
	if err := conn.ReceivePayload(hdr.Op, &req); err != nil {
		s.logger.Warnw("dsserver: download decode failed", "err", err)
		return
	}

	chunks := s.store.Download(req.From)
	dtos := make([]wire.ChunkDTO, len(chunks))
	for i, c := range chunks {
		dtos[i] = wire.EncodeChunk(c)
	}

	resp := wire.DownloadResponse{Chunks: dtos}
	if err := conn.SendMessage(hdr.Op, hdr.ReqID, resp); err != nil {
		s.logger.Warnw("dsserver: download response failed", "err", err)
	}
}

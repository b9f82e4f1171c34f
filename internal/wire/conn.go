// Package wire implements the length-prefixed binary RPC framing used
// between participant nodes and the diagnosis server, and between a
// participant node and its peers' forwarder endpoints. The framing
// itself — a bufio-buffered connection with big-endian length-prefixed
// sends/receives — is modeled directly on a peer-to-peer protocol
// connection type from the domain stack; payloads are gob-encoded so
// every RPC's concrete request/response struct round-trips without a
// hand-rolled TLV encoder per message type.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Opcode identifies the RPC method of a request.
type Opcode uint32

// RPC method opcodes for the diagnosis-server and forwarder services.
const (
	OpBlacklistUpload Opcode = iota
	OpGreylistUpload
	OpDownload
	OpForward
)

func (op Opcode) String() string {
	switch op {
	case OpBlacklistUpload:
		return "blacklist_upload"
	case OpGreylistUpload:
		return "greylist_upload"
	case OpDownload:
		return "download"
	case OpForward:
		return "forward"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(op))
	}
}

// Conn is a framed, buffered connection. Every message is a uint32
// opcode, a uint32 request id, a uint32 payload length, and the gob
// payload bytes.
type Conn struct {
	closer io.Closer
	io     *bufio.ReadWriter
}

// NewConn wraps a raw connection (or any ReadWriter, e.g. for tests
// over net.Pipe) in a framed Conn.
func NewConn(rw io.ReadWriter) *Conn {
	closer, _ := rw.(io.Closer)
	return &Conn{
		closer: closer,
		io: bufio.NewReadWriter(bufio.NewReader(rw),
			bufio.NewWriter(rw)),
	}
}

// Flush writes any buffered output.
func (c *Conn) Flush() error {
	return c.io.Flush()
}

// Close flushes and closes the underlying connection, if closeable.
func (c *Conn) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *Conn) sendUint32(v uint32) error {
	return binary.Write(c.io, binary.BigEndian, v)
}

func (c *Conn) recvUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.io, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (c *Conn) sendData(data []byte) error {
	if err := c.sendUint32(uint32(len(data))); err != nil {
		return err
	}
	_, err := c.io.Write(data)
	return err
}

func (c *Conn) recvData() ([]byte, error) {
	n, err := c.recvUint32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.io, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SendMessage writes one framed request or response: opcode, request
// id, then the gob-encoded payload. It flushes before returning.
func (c *Conn) SendMessage(op Opcode, reqID uint32, payload any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("wire: encode %s payload: %w", op, err)
	}
	if err := c.sendUint32(uint32(op)); err != nil {
		return err
	}
	if err := c.sendUint32(reqID); err != nil {
		return err
	}
	if err := c.sendData(buf.Bytes()); err != nil {
		return err
	}
	return c.Flush()
}

// Header is the opcode and request id read off the front of a
// message, before the payload has been decoded.
type Header struct {
	Op    Opcode
	ReqID uint32
}

// ReceiveHeader reads the opcode and request id of the next message.
// Call ReceivePayload next to decode its body.
func (c *Conn) ReceiveHeader() (Header, error) {
	op, err := c.recvUint32()
	if err != nil {
		return Header{}, err
	}
	reqID, err := c.recvUint32()
	if err != nil {
		return Header{}, err
	}
	return Header{Op: Opcode(op), ReqID: reqID}, nil
}

// ErrDeserialization wraps a gob decode failure on an otherwise
// well-framed message. Per the error taxonomy, the caller drops the
// channel and keeps accepting new ones; it never propagates to peers.
type ErrDeserialization struct {
	Op  Opcode
	Err error
}

func (e *ErrDeserialization) Error() string {
	return fmt.Sprintf("wire: deserialize %s payload: %v", e.Op, e.Err)
}

func (e *ErrDeserialization) Unwrap() error { return e.Err }

// ReceivePayload reads the payload bytes following a Header and
// gob-decodes them into out (a pointer to the expected request or
// response struct).
func (c *Conn) ReceivePayload(op Opcode, out any) error {
	data, err := c.recvData()
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return &ErrDeserialization{Op: op, Err: err}
	}
	return nil
}

// Package wsframe wraps github.com/gobwas/ws so the WebSocket transport
// wrapper (spec component 4.B) can operate on chunkbuf cursor ranges
// instead of a bare net.Conn: the HTTP upgrade handshake, frame header
// parsing, masking, and frame emission are all the real library's code —
// only the plumbing between a cursor range and io.Reader/io.Writer is
// local.
package wsframe

import (
	"bytes"
	"errors"
	"io"

	"github.com/gobwas/ws"

	"github.com/pzac/graphbolt/internal/chunkbuf"
)

// ErrIncomplete is returned when a cursor range does not yet contain enough
// bytes to parse a complete handshake request or frame header; the caller
// should wait for more socket data and retry without having consumed
// anything (the scan is read-only against the buffer until success).
var ErrIncomplete = errors.New("wsframe: incomplete input")

// boundedReader reads from a Buffer starting at a cursor, refusing to read
// past the buffer's current write cursor (the bound), and reports
// ErrIncomplete instead of a bare io.EOF so callers can distinguish
// "not enough data yet" from a real end of stream.
type boundedReader struct {
	buf    *chunkbuf.Buffer
	cursor chunkbuf.Cursor
	bound  chunkbuf.Cursor
}

func (r *boundedReader) Read(p []byte) (int, error) {
	avail, err := r.buf.Diff(r.bound, r.cursor)
	if err != nil || avail == 0 {
		return 0, ErrIncomplete
	}
	n := len(p)
	if int64(n) > avail {
		n = int(avail)
	}
	got, next, err := r.buf.ReadBytes(r.cursor, int64(n))
	if err != nil {
		return 0, err
	}
	copy(p, got)
	r.cursor = next
	return len(got), nil
}

// bufWriter appends written bytes to a Buffer starting at a cursor,
// growing chunks as needed, and tracks the advanced cursor for the caller.
type bufWriter struct {
	buf    *chunkbuf.Buffer
	cursor chunkbuf.Cursor
}

func (w *bufWriter) Write(p []byte) (int, error) {
	w.cursor = w.buf.WriteBytes(w.cursor, p)
	return len(p), nil
}

// Handshake detects an HTTP WebSocket upgrade request starting at
// reqCursor in reqBuf and, if found, writes the 101 Switching Protocols
// response (including the RFC 6455 SHA-1+base64 Sec-WebSocket-Accept,
// computed by ws.Upgrader) starting at respCursor in respBuf.
//
// It returns (true, newReqCursor, newRespCursor, nil) on a successful
// upgrade, (false, reqCursor, respCursor, nil) if the input is not an
// upgrade request at all (plain Bolt handshake bytes), and ErrIncomplete
// if the request looks like an upgrade but hasn't fully arrived yet.
func Handshake(reqBuf *chunkbuf.Buffer, reqCursor chunkbuf.Cursor, respBuf *chunkbuf.Buffer, respCursor chunkbuf.Cursor) (bool, chunkbuf.Cursor, chunkbuf.Cursor, error) {
	avail, err := reqBuf.Diff(reqBuf.Write(), reqCursor)
	if err != nil || avail < 3 {
		return false, reqCursor, respCursor, ErrIncomplete
	}
	head, _, err := reqBuf.ReadBytes(reqCursor, 3)
	if err != nil {
		return false, reqCursor, respCursor, ErrIncomplete
	}
	if !bytes.Equal(head, []byte("GET")) {
		// Not an HTTP request at all: this is a raw Bolt handshake.
		return false, reqCursor, respCursor, nil
	}

	rd := &boundedReader{buf: reqBuf, cursor: reqCursor, bound: reqBuf.Write()}
	wr := &bufWriter{buf: respBuf, cursor: respCursor}

	upgrader := ws.Upgrader{}
	_, err = upgrader.Upgrade(struct {
		io.Reader
		io.Writer
	}{rd, wr})
	if err != nil {
		if errors.Is(err, ErrIncomplete) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, reqCursor, respCursor, ErrIncomplete
		}
		return false, reqCursor, respCursor, err
	}

	respBuf.SetWrite(wr.cursor)
	return true, rd.cursor, wr.cursor, nil
}

// FrameHeader is the decoded header of one WebSocket frame.
type FrameHeader struct {
	Fin     bool
	OpCode  ws.OpCode
	Masked  bool
	Mask    [4]byte
	Length  int64
}

// ReadFrameHeader consumes one WebSocket frame header starting at cursor
// and returns it along with the advanced cursor (positioned at the start
// of the frame's payload). Masking, if present, is applied lazily by the
// caller as it reads payload bytes, via Unmask.
func ReadFrameHeader(buf *chunkbuf.Buffer, cursor chunkbuf.Cursor) (FrameHeader, chunkbuf.Cursor, error) {
	rd := &boundedReader{buf: buf, cursor: cursor, bound: buf.Write()}
	h, err := ws.ReadHeader(rd)
	if err != nil {
		if errors.Is(err, ErrIncomplete) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return FrameHeader{}, cursor, ErrIncomplete
		}
		return FrameHeader{}, cursor, err
	}
	return FrameHeader{
		Fin:    h.Fin,
		OpCode: h.OpCode,
		Masked: h.Masked,
		Mask:   h.Mask,
		Length: h.Length,
	}, rd.cursor, nil
}

// Unmask applies the frame's masking key to payload in place, the same
// ws.Cipher call the teacher's WsConn uses.
func Unmask(payload []byte, mask [4]byte) {
	ws.Cipher(payload, mask, 0)
}

// WriteBinaryFrame writes one FIN binary frame (opcode 0x2) carrying
// payload, starting at cursor, choosing the correct extended-length
// encoding (7-bit / 7+16-bit / 7+64-bit) for payloads over 125 bytes, and
// returns the advanced cursor.
func WriteBinaryFrame(buf *chunkbuf.Buffer, cursor chunkbuf.Cursor, payload []byte) (chunkbuf.Cursor, error) {
	wr := &bufWriter{buf: buf, cursor: cursor}
	frame := ws.NewBinaryFrame(payload)
	if err := ws.WriteFrame(wr, frame); err != nil {
		return cursor, err
	}
	return wr.cursor, nil
}

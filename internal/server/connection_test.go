package server

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pzac/graphbolt/bolt"
	"github.com/pzac/graphbolt/internal/engine"
)

// duplexConn gives a Connection two independent byte streams to read from
// and write to, so a test can script exactly what the client sends and
// inspect exactly what the server replied, without the scheduling
// complexity of a real socket or net.Pipe.
type duplexConn struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (d *duplexConn) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexConn) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexConn) Close() error                { return nil }

type fakeTx struct{}

func (fakeTx) Run(ctx context.Context, statement string, params map[string]interface{}) (*engine.Result, error) {
	return &engine.Result{Columns: []string{"n"}}, nil
}
func (fakeTx) Commit(ctx context.Context) (string, error) { return "bm-1", nil }
func (fakeTx) Rollback(ctx context.Context) error         { return nil }

type fakeEngine struct{}

func (fakeEngine) Run(ctx context.Context, statement string, params map[string]interface{}, bookmarks []string) (*engine.Result, error) {
	return &engine.Result{Columns: []string{"1"}}, nil
}
func (fakeEngine) BeginTx(ctx context.Context, bookmarks []string) (engine.Tx, error) {
	return fakeTx{}, nil
}

// erroringEngine fails every RUN, the same way a real engine would on a
// bad statement — used to drive the connection into FAILED through
// dispatch rather than by poking at c.state directly.
type erroringEngine struct{}

func (erroringEngine) Run(ctx context.Context, statement string, params map[string]interface{}, bookmarks []string) (*engine.Result, error) {
	return nil, errors.New("boom")
}
func (erroringEngine) BeginTx(ctx context.Context, bookmarks []string) (engine.Tx, error) {
	return nil, errors.New("boom")
}

// recordingResultEngine answers RUN with a result carrying rows, so PULL
// has something to stream back.
type recordingResultEngine struct{}

func (recordingResultEngine) Run(ctx context.Context, statement string, params map[string]interface{}, bookmarks []string) (*engine.Result, error) {
	return &engine.Result{Columns: []string{"n"}, Rows: [][]interface{}{{int64(1)}, {int64(2)}}}, nil
}
func (recordingResultEngine) BeginTx(ctx context.Context, bookmarks []string) (engine.Tx, error) {
	return fakeTx{}, nil
}

func handshakeBytes(major, minor byte) []byte {
	out := append([]byte{}, boltMagic[:]...)
	out = append(out, 0, 0, minor, major)
	for i := 0; i < 3; i++ {
		out = append(out, 0, 0, 0, 0)
	}
	return out
}

func chunked(body []byte) []byte {
	out := []byte{byte(len(body) >> 8), byte(len(body))}
	out = append(out, body...)
	return append(out, 0, 0)
}

// readOneReply extracts the first framed message's body from w, leaving
// anything past it untouched — good enough for single-message tests.
func readOneReply(t *testing.T, w *bytes.Buffer) []byte {
	t.Helper()
	raw := w.Bytes()
	if len(raw) < 2 {
		t.Fatalf("reply too short: %#v", raw)
	}
	n := int(raw[0])<<8 | int(raw[1])
	if len(raw) < 2+n {
		t.Fatalf("truncated reply body: %#v", raw)
	}
	return raw[2 : 2+n]
}

// readAllReplies walks every framed message in w in order, skipping the
// zero-length terminator chunk each one ends with — for tests where a
// single dispatch produces more than one reply (RECORD frames ahead of a
// terminal SUCCESS, or IGNORED ahead of a reset SUCCESS).
func readAllReplies(t *testing.T, w *bytes.Buffer) [][]byte {
	t.Helper()
	raw := w.Bytes()
	var out [][]byte
	for len(raw) >= 2 {
		n := int(raw[0])<<8 | int(raw[1])
		raw = raw[2:]
		if n == 0 {
			continue
		}
		if len(raw) < n {
			t.Fatalf("truncated reply body")
		}
		out = append(out, raw[:n])
		raw = raw[n:]
	}
	return out
}

// driveOne writes one chunked client message and runs the connection's
// decode+dispatch+flush cycle once, without extracting any reply.
func driveOne(t *testing.T, c *Connection, tc *duplexConn, body []byte) {
	t.Helper()
	tc.r.Write(chunked(body))

	if ok, err := c.readBuf.SocketRead(tc); err != nil || !ok {
		t.Fatalf("SocketRead failed: ok=%v err=%v", ok, err)
	}
	for {
		msg, complete, err := c.decodeNext()
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if !complete {
			break
		}
		if err := c.dispatch(context.Background(), msg); err != nil {
			t.Fatalf("dispatch error: %v", err)
		}
	}
	if err := c.Send(); err != nil {
		t.Fatalf("send error: %v", err)
	}
}

// step is driveOne plus extracting the single reply it expects.
func step(t *testing.T, c *Connection, tc *duplexConn, body []byte) []byte {
	t.Helper()
	driveOne(t, c, tc, body)
	return readOneReply(t, tc.w)
}

func newTestConnection() (*Connection, *duplexConn) {
	tc := &duplexConn{r: &bytes.Buffer{}, w: &bytes.Buffer{}}
	c := New(tc, fakeEngine{})
	return c, tc
}

func TestHandshakeSelectsHighestSupportedVersion(t *testing.T) {
	c, tc := newTestConnection()
	tc.r.Write(handshakeBytes(4, 4))

	if err := c.handshake(); err != nil {
		t.Fatal(err)
	}
	reply := tc.w.Bytes()
	if len(reply) != 4 {
		t.Fatalf("expected a 4-byte version reply, got %#v", reply)
	}
	if reply[3] != 4 || reply[2] != 4 {
		t.Fatalf("expected version 4.4 selected, got %#v", reply)
	}
}

func TestHandshakeRejectsUnsupportedVersions(t *testing.T) {
	c, tc := newTestConnection()
	raw := append([]byte{}, boltMagic[:]...)
	for i := 0; i < 4; i++ {
		raw = append(raw, 0, 0, 0xff, 0xff)
	}
	tc.r.Write(raw)

	if err := c.handshake(); err == nil {
		t.Fatal("expected negotiation to fail for an unsupported version set")
	}
	reply := tc.w.Bytes()
	if !bytes.Equal(reply, []byte{0, 0, 0, 0}) {
		t.Fatalf("expected an all-zero rejection, got %#v", reply)
	}
}

func TestConnectionHappyPath(t *testing.T) {
	c, tc := newTestConnection()
	tc.r.Write(handshakeBytes(4, 4))
	if err := c.handshake(); err != nil {
		t.Fatal(err)
	}
	tc.w.Reset()

	hello := step(t, c, tc, []byte{0xb1, 0x01, 0xa0})
	if bolt.IdentifyType(hello) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS for HELLO, got %s", bolt.IdentifyType(hello))
	}
	if c.state != bolt.Authentication {
		t.Fatalf("expected AUTHENTICATION, got %s", c.state)
	}
	tc.w.Reset()

	logon := step(t, c, tc, []byte{0xb1, 0x6a, 0xa0})
	if bolt.IdentifyType(logon) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS for LOGON, got %s", bolt.IdentifyType(logon))
	}
	if c.state != bolt.Ready {
		t.Fatalf("expected READY, got %s", c.state)
	}
	tc.w.Reset()

	statement := append([]byte{0xb1, 0x10}, []byte{0x88}...)
	statement = append(statement, []byte("RETURN 1")...)
	run := step(t, c, tc, statement)
	if bolt.IdentifyType(run) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS for RUN, got %s", bolt.IdentifyType(run))
	}
	if c.state != bolt.Streaming {
		t.Fatalf("expected STREAMING, got %s", c.state)
	}
	tc.w.Reset()

	pull := step(t, c, tc, []byte{0xb1, 0x3f, 0xa0})
	if bolt.IdentifyType(pull) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS for PULL, got %s", bolt.IdentifyType(pull))
	}
	if c.state != bolt.Ready {
		t.Fatalf("expected READY, got %s", c.state)
	}
	tc.w.Reset()

	tc.r.Write(chunked([]byte{0xb0, 0x02}))
	if _, err := c.readBuf.SocketRead(tc); err != nil {
		t.Fatal(err)
	}
	msg, complete, err := c.decodeNext()
	if err != nil || !complete {
		t.Fatalf("expected a complete GOODBYE, got complete=%v err=%v", complete, err)
	}
	if err := c.dispatch(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if c.state != bolt.Defunct {
		t.Fatalf("expected DEFUNCT, got %s", c.state)
	}
}

func TestResetWhileFailedEmitsIgnoredThenSuccess(t *testing.T) {
	c, tc := newTestConnection()
	c.state = bolt.Failed
	c.preResetState = bolt.Failed

	c.reset = true
	c.tx = nil
	if err := c.Send(); err != nil {
		t.Fatal(err)
	}

	raw := tc.w.Bytes()
	n1 := int(raw[0])<<8 | int(raw[1])
	first := raw[2 : 2+n1]
	rest := raw[2+n1+2:]
	n2 := int(rest[0])<<8 | int(rest[1])
	second := rest[2 : 2+n2]

	if bolt.IdentifyType(first) != bolt.IgnoredType {
		t.Fatalf("expected IGNORED first, got %s", bolt.IdentifyType(first))
	}
	if bolt.IdentifyType(second) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS second, got %s", bolt.IdentifyType(second))
	}
	if c.state != bolt.Ready {
		t.Fatalf("expected READY after reset sequence, got %s", c.state)
	}
	if c.reset {
		t.Fatal("expected reset flag to be cleared")
	}
}

// TestResetAfterRunFailureDrainsThroughDispatch exercises the bug
// TestResetWhileFailedEmitsIgnoredThenSuccess couldn't: it reaches FAILED
// the same way a real client would, by dispatching a RUN that fails, so
// dispatch's own Interrupt() overwrite of c.state is in play when RESET
// arrives right after. If preResetState weren't captured before that
// overwrite, the IGNORED frame below would be dropped.
func TestResetAfterRunFailureDrainsThroughDispatch(t *testing.T) {
	tc := &duplexConn{r: &bytes.Buffer{}, w: &bytes.Buffer{}}
	c := New(tc, erroringEngine{})
	tc.r.Write(handshakeBytes(4, 4))
	if err := c.handshake(); err != nil {
		t.Fatal(err)
	}
	tc.w.Reset()

	hello := step(t, c, tc, []byte{0xb1, 0x01, 0xa0})
	if bolt.IdentifyType(hello) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS for HELLO, got %s", bolt.IdentifyType(hello))
	}
	tc.w.Reset()

	logon := step(t, c, tc, []byte{0xb1, 0x6a, 0xa0})
	if bolt.IdentifyType(logon) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS for LOGON, got %s", bolt.IdentifyType(logon))
	}
	tc.w.Reset()

	statement := append([]byte{0xb1, 0x10, 0x87}, []byte("garbage")...)
	run := step(t, c, tc, statement)
	if bolt.IdentifyType(run) != bolt.FailureType {
		t.Fatalf("expected FAILURE for RUN, got %s", bolt.IdentifyType(run))
	}
	if c.state != bolt.Failed {
		t.Fatalf("expected FAILED, got %s", c.state)
	}
	tc.w.Reset()

	driveOne(t, c, tc, []byte{0xb0, 0x0f})
	replies := readAllReplies(t, tc.w)
	if len(replies) != 2 {
		t.Fatalf("expected IGNORED+SUCCESS, got %d replies", len(replies))
	}
	if bolt.IdentifyType(replies[0]) != bolt.IgnoredType {
		t.Fatalf("expected IGNORED first, got %s", bolt.IdentifyType(replies[0]))
	}
	if bolt.IdentifyType(replies[1]) != bolt.SuccessType {
		t.Fatalf("expected SUCCESS second, got %s", bolt.IdentifyType(replies[1]))
	}
	if c.state != bolt.Ready {
		t.Fatalf("expected READY after reset sequence, got %s", c.state)
	}
}

// TestPullStreamsRecordsBeforeSuccess checks the ordering invariant
// directly, instead of relying on a driver-level test to notice a missing
// RECORD the way an unasserted `for result.Next() {}` loop would not.
func TestPullStreamsRecordsBeforeSuccess(t *testing.T) {
	tc := &duplexConn{r: &bytes.Buffer{}, w: &bytes.Buffer{}}
	c := New(tc, recordingResultEngine{})
	tc.r.Write(handshakeBytes(4, 4))
	if err := c.handshake(); err != nil {
		t.Fatal(err)
	}
	tc.w.Reset()

	driveOne(t, c, tc, []byte{0xb1, 0x01, 0xa0})
	tc.w.Reset()
	driveOne(t, c, tc, []byte{0xb1, 0x6a, 0xa0})
	tc.w.Reset()

	statement := append([]byte{0xb1, 0x10, 0x88}, []byte("RETURN 1")...)
	driveOne(t, c, tc, statement)
	tc.w.Reset()

	driveOne(t, c, tc, []byte{0xb1, 0x3f, 0xa0})
	replies := readAllReplies(t, tc.w)
	if len(replies) != 3 {
		t.Fatalf("expected 2 RECORD replies + 1 terminal SUCCESS, got %d", len(replies))
	}
	if bolt.IdentifyType(replies[0]) != bolt.RecordType || bolt.IdentifyType(replies[1]) != bolt.RecordType {
		t.Fatalf("expected RECORD, RECORD, got %s, %s", bolt.IdentifyType(replies[0]), bolt.IdentifyType(replies[1]))
	}
	if bolt.IdentifyType(replies[2]) != bolt.SuccessType {
		t.Fatalf("expected a terminal SUCCESS, got %s", bolt.IdentifyType(replies[2]))
	}
	if c.state != bolt.Ready {
		t.Fatalf("expected READY after PULL, got %s", c.state)
	}
}

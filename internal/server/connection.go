// Package server drives one Bolt client end to end: version negotiation,
// the optional WebSocket transport wrapper, chunk framing, and the
// protocol state machine, dispatching decoded requests to an
// engine.GraphEngine and writing back framed replies.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/pzac/graphbolt/bolt"
	"github.com/pzac/graphbolt/internal/chunkbuf"
	"github.com/pzac/graphbolt/internal/engine"
	"github.com/pzac/graphbolt/internal/wsframe"
)

// errIncomplete marks a read that needs more socket bytes before it can be
// parsed; callers loop back to SocketRead rather than treating it as fatal.
var errIncomplete = errors.New("server: incomplete input")

// Connection owns one client's sockets, buffers, and protocol state. It is
// created on accept and torn down on disconnect, protocol violation, or
// GOODBYE — it is never reused across clients.
type Connection struct {
	socket io.ReadWriteCloser
	engine engine.GraphEngine

	ws        bool
	wsEnabled bool

	readBuf  *chunkbuf.Buffer
	writeBuf *chunkbuf.Buffer
	msgBuf   *chunkbuf.Buffer

	state State

	reset         bool
	preResetState State
	shutdown      bool
	processing    bool

	writable chan struct{}

	tx            engine.Tx
	pendingResult *engine.Result

	frameBuf *chunkbuf.Buffer
}

// State re-exports bolt.State so callers of this package don't need to
// import bolt directly just to compare states.
type State = bolt.State

// New constructs a Connection over an accepted socket. Callers must call
// Serve to drive it; New performs no I/O.
func New(socket io.ReadWriteCloser, eng engine.GraphEngine) *Connection {
	return &Connection{
		socket:    socket,
		engine:    eng,
		readBuf:   chunkbuf.New(),
		writeBuf:  chunkbuf.New(),
		msgBuf:    chunkbuf.New(),
		frameBuf:  chunkbuf.New(),
		state:     bolt.Negotiation,
		writable:  make(chan struct{}, 1),
		wsEnabled: true,
	}
}

// Serve runs the connection's read/decode/dispatch/reply loop until the
// client disconnects, sends GOODBYE, or a transport/framing error occurs.
// It always closes the socket before returning.
func (c *Connection) Serve(ctx context.Context) {
	defer c.socket.Close()
	defer c.writeBuf.Release()
	defer c.readBuf.Release()
	defer c.msgBuf.Release()
	defer c.frameBuf.Release()

	if err := c.handshake(); err != nil {
		log.Printf("server: handshake failed: %v", err)
		return
	}

	for !c.shutdown {
		ok, err := c.readBuf.SocketRead(c.socket)
		if err != nil {
			log.Printf("server: read error: %v", err)
			return
		}
		if !ok {
			return
		}

		for {
			msg, complete, err := c.decodeNext()
			if err != nil {
				log.Printf("server: framing error: %v", err)
				return
			}
			if !complete {
				break
			}

			if err := c.dispatch(ctx, msg); err != nil {
				log.Printf("server: fatal connection error: %v", err)
				return
			}
		}

		if err := c.Send(); err != nil {
			log.Printf("server: write error: %v", err)
			return
		}
		if c.state == bolt.Defunct {
			return
		}
	}
}

// decodeNext pulls the next framed message from readBuf, or from its
// WebSocket-unwrapped payload when c.ws is set.
func (c *Connection) decodeNext() (*bolt.Message, bool, error) {
	if !c.ws {
		return bolt.DecodeMessage(c.readBuf, c.msgBuf)
	}

	hdr, cur, err := wsframe.ReadFrameHeader(c.readBuf, c.readBuf.Read())
	if err != nil {
		if err == wsframe.ErrIncomplete {
			return nil, false, nil
		}
		return nil, false, err
	}
	avail, err := c.readBuf.Diff(c.readBuf.Write(), cur)
	if err != nil || avail < hdr.Length {
		return nil, false, nil
	}
	payload, next, err := c.readBuf.ReadBytes(cur, hdr.Length)
	if err != nil {
		return nil, false, nil
	}
	if hdr.Masked {
		wsframe.Unmask(payload, hdr.Mask)
	}
	c.readBuf.SetRead(next)

	// The unwrapped payload is itself a Bolt chunk stream: copy it into a
	// scratch buffer and decode it with DecodeMessage. The frame is treated
	// as one whole Bolt message; bytes after that message's terminator are
	// dropped, and a message split across several frames is not reassembled.
	inner := chunkbuf.New()
	cur = inner.WriteBytes(inner.Write(), payload)
	inner.SetWrite(cur)
	return bolt.DecodeMessage(inner, c.msgBuf)
}

// handshake performs the magic/version negotiation, with an optional
// WebSocket upgrade attempted first.
func (c *Connection) handshake() error {
	for {
		ok, err := c.readBuf.SocketRead(c.socket)
		if err != nil {
			return err
		}
		if !ok {
			return io.ErrUnexpectedEOF
		}

		if c.wsEnabled {
			upgraded, reqCur, respCur, err := wsframe.Handshake(c.readBuf, c.readBuf.Read(), c.writeBuf, c.writeBuf.Write())
			if err != nil && err != wsframe.ErrIncomplete {
				return err
			}
			if err == wsframe.ErrIncomplete {
				continue
			}
			if upgraded {
				c.ws = true
				c.readBuf.SetRead(reqCur)
				if _, err := c.writeBuf.SocketWrite(respCur, c.socket); err != nil {
					return err
				}
				c.writeBuf.Reset()
				continue
			}
		}

		v, cur, err := negotiate(c.readBuf, c.readBuf.Read())
		if err == errIncomplete {
			continue
		}
		if err != nil {
			return err
		}
		c.readBuf.SetRead(cur)

		replyCur := writeNegotiationReply(c.writeBuf, c.writeBuf.Write(), v)
		c.writeBuf.SetWrite(replyCur)
		if _, err := c.writeBuf.SocketWrite(c.writeBuf.Write(), c.socket); err != nil {
			return err
		}
		c.writeBuf.Reset()

		if v.major == 0 {
			return fmt.Errorf("server: no mutually supported bolt version")
		}
		return nil
	}
}

// dispatch decodes one message's handling: it runs the handler, then
// replies through step so that wire emission and state advancement can
// never diverge.
func (c *Connection) dispatch(ctx context.Context, msg *bolt.Message) error {
	if msg.T == bolt.GoodbyeType {
		c.shutdown = true
		c.state = bolt.Defunct
		return nil
	}

	if msg.T == bolt.ResetType {
		// The reset sequence itself is emitted by Send() at flush time. Stash
		// the state as it stood the instant RESET arrived: sendResetSequence
		// needs to know whether that was FAILED, and c.state itself is about
		// to be overwritten below.
		c.reset = true
		c.preResetState = c.state
		c.tx = nil
		c.pendingResult = nil
		c.state = bolt.Interrupt(c.state)
		return nil
	}

	if c.state == bolt.Failed || c.state == bolt.Interrupted {
		// After a failure, or while a RESET is pending, every other request
		// is drained as IGNORED until a RESET is answered.
		return c.replyFor(msg.T, bolt.IgnoredType, bolt.EncodeIgnored())
	}

	if msg.T == bolt.PullType || msg.T == bolt.DiscardType {
		c.processing = true
		err := c.handlePullOrDiscard(msg.T)
		c.processing = false
		return err
	}

	c.processing = true
	response, payload := c.handle(ctx, msg)
	c.processing = false

	return c.replyFor(msg.T, response, payload)
}

// replyFor serializes the response structure, appends it to the
// in-progress outgoing message, and advances the state machine — the
// co-located emit+transition step the design calls reply_for.
func (c *Connection) replyFor(request, response bolt.Type, payload []byte) error {
	cur := bolt.EncodeReply(c.writeBuf, c.writeBuf.Write(), payload)
	c.writeBuf.SetWrite(cur)

	if response == bolt.RecordType {
		return nil
	}

	next, err := bolt.Step(c.state, request, response)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// handle runs the handler for one decoded request and returns the response
// type plus its serialized payload. It never returns an error itself:
// handler failures become a FAILURE response rather than a connection
// teardown, per the error-handling disposition table.
func (c *Connection) handle(ctx context.Context, msg *bolt.Message) (bolt.Type, []byte) {
	switch msg.T {
	case bolt.HelloType:
		return c.handleHello(msg)
	case bolt.LogonType:
		return c.handleLogon(msg)
	case bolt.LogoffType:
		c.tx = nil
		return bolt.SuccessType, bolt.EncodeSuccess(nil)
	case bolt.RunType:
		return c.handleRun(ctx, msg)
	case bolt.BeginType:
		return c.handleBegin(ctx, msg)
	case bolt.CommitType:
		return c.handleCommit(ctx)
	case bolt.RollbackType:
		return c.handleRollback(ctx)
	case bolt.RouteType:
		return bolt.SuccessType, bolt.EncodeSuccess(Fields{{Key: "rt", Value: nil}})
	default:
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Request.Invalid"},
			{Key: "message", Value: "unrecognized request"},
		})
	}
}

// Fields is an alias for bolt.Fields, used by handlers in this package.
type Fields = bolt.Fields

// handlePullOrDiscard answers a PULL or DISCARD against the result RUN left
// pending. PULL emits one RECORD reply per row before the terminal SUCCESS,
// per the stream-ordering invariant; DISCARD drops the rows unseen. Each
// RECORD is its own replyFor call since RECORD never advances the state
// machine (see bolt.StepRecord) — only the terminal SUCCESS does.
func (c *Connection) handlePullOrDiscard(request bolt.Type) error {
	result := c.pendingResult
	c.pendingResult = nil

	if request == bolt.PullType && result != nil {
		for _, row := range result.Rows {
			if err := c.replyFor(request, bolt.RecordType, bolt.EncodeRecord(row)); err != nil {
				return err
			}
		}
	}
	return c.replyFor(request, bolt.SuccessType, bolt.EncodeSuccess(nil))
}

func (c *Connection) handleHello(msg *bolt.Message) (bolt.Type, []byte) {
	if len(msg.Data) > 2 {
		if _, _, err := bolt.ParseTinyMap(msg.Data[2:]); err != nil {
			return bolt.FailureType, bolt.EncodeFailure(Fields{
				{Key: "code", Value: "Request.InvalidFormat"},
				{Key: "message", Value: err.Error()},
			})
		}
	}
	return bolt.SuccessType, bolt.EncodeSuccess(Fields{{Key: "server", Value: "graphbolt/1.0"}})
}

func (c *Connection) handleLogon(msg *bolt.Message) (bolt.Type, []byte) {
	if len(msg.Data) > 2 {
		if _, _, err := bolt.ParseTinyMap(msg.Data[2:]); err != nil {
			return bolt.FailureType, bolt.EncodeFailure(Fields{
				{Key: "code", Value: "Security.Unauthorized"},
				{Key: "message", Value: err.Error()},
			})
		}
	}
	return bolt.SuccessType, bolt.EncodeSuccess(nil)
}

func (c *Connection) handleRun(ctx context.Context, msg *bolt.Message) (bolt.Type, []byte) {
	statement, params := parseRunFields(msg.Data)

	var result *engine.Result
	var err error
	if c.tx != nil {
		result, err = c.tx.Run(ctx, statement, params)
	} else {
		result, err = c.engine.Run(ctx, statement, params, nil)
	}
	if err != nil {
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Statement.ExecutionFailed"},
			{Key: "message", Value: err.Error()},
		})
	}

	c.pendingResult = result

	cols := make([]interface{}, len(result.Columns))
	for i, col := range result.Columns {
		cols[i] = col
	}
	return bolt.SuccessType, bolt.EncodeSuccess(Fields{{Key: "fields", Value: cols}})
}

func (c *Connection) handleBegin(ctx context.Context, msg *bolt.Message) (bolt.Type, []byte) {
	tx, err := c.engine.BeginTx(ctx, nil)
	if err != nil {
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Transaction.CouldNotBegin"},
			{Key: "message", Value: err.Error()},
		})
	}
	c.tx = tx
	return bolt.SuccessType, bolt.EncodeSuccess(nil)
}

func (c *Connection) handleCommit(ctx context.Context) (bolt.Type, []byte) {
	if c.tx == nil {
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Transaction.InvalidState"},
			{Key: "message", Value: "no open transaction"},
		})
	}
	bookmark, err := c.tx.Commit(ctx)
	c.tx = nil
	if err != nil {
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Transaction.CommitFailed"},
			{Key: "message", Value: err.Error()},
		})
	}
	return bolt.SuccessType, bolt.EncodeSuccess(Fields{{Key: "bookmark", Value: bookmark}})
}

func (c *Connection) handleRollback(ctx context.Context) (bolt.Type, []byte) {
	if c.tx == nil {
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Transaction.InvalidState"},
			{Key: "message", Value: "no open transaction"},
		})
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err != nil {
		return bolt.FailureType, bolt.EncodeFailure(Fields{
			{Key: "code", Value: "Transaction.RollbackFailed"},
			{Key: "message", Value: err.Error()},
		})
	}
	return bolt.SuccessType, bolt.EncodeSuccess(nil)
}

// parseRunFields pulls the Cypher text out of a RUN structure's first
// field; params are left empty since full PackStream map decoding for
// arbitrary value types is the query layer's concern, not the framer's.
func parseRunFields(data []byte) (string, map[string]interface{}) {
	if len(data) < 3 {
		return "", nil
	}
	statement, _, err := bolt.ParseString(data[2:])
	if err != nil {
		statement, _, err = bolt.ParseTinyString(data[2:])
		if err != nil {
			return "", nil
		}
	}
	return statement, nil
}

// Send implements the flush policy: the normal path writes everything
// buffered since the last flush and rewinds; the reset path (triggered by
// a pending RESET) emits the IGNORED+SUCCESS or bare SUCCESS sequence
// before rewinding, per the reset-sequencing design.
func (c *Connection) Send() error {
	if c.reset {
		return c.sendResetSequence()
	}
	return c.flush()
}

func (c *Connection) sendResetSequence() error {
	if c.preResetState == bolt.Failed {
		cur := bolt.EncodeReply(c.writeBuf, c.writeBuf.Write(), bolt.EncodeIgnored())
		c.writeBuf.SetWrite(cur)
	}
	cur := bolt.EncodeReply(c.writeBuf, c.writeBuf.Write(), bolt.EncodeSuccess(nil))
	c.writeBuf.SetWrite(cur)

	if err := c.flush(); err != nil {
		return err
	}
	c.reset = false
	c.state = bolt.Ready
	return nil
}

// flush writes everything buffered in writeBuf to the socket and rewinds
// it. Over a WebSocket connection, the bytes are wrapped in a single
// binary frame first — symmetric to decodeNext's WS unwrap on the read
// side — since a raw Bolt chunk stream is never a valid WS payload on its
// own.
func (c *Connection) flush() error {
	if c.writeBuf.Pending() == 0 {
		return nil
	}

	if !c.ws {
		if _, err := c.writeBuf.SocketWrite(c.writeBuf.Write(), c.socket); err != nil {
			return err
		}
		c.writeBuf.Reset()
		return nil
	}

	size, err := c.writeBuf.Diff(c.writeBuf.Write(), c.writeBuf.Read())
	if err != nil {
		return err
	}
	payload, _, err := c.writeBuf.ReadBytes(c.writeBuf.Read(), size)
	if err != nil {
		return err
	}

	c.frameBuf.Reset()
	cur, err := wsframe.WriteBinaryFrame(c.frameBuf, c.frameBuf.Write(), payload)
	if err != nil {
		return err
	}
	c.frameBuf.SetWrite(cur)
	if _, err := c.frameBuf.SocketWrite(c.frameBuf.Write(), c.socket); err != nil {
		return err
	}
	c.frameBuf.Reset()
	c.writeBuf.Reset()
	return nil
}

// FinishWrite signals write-readiness with a non-blocking, capacity-1
// channel send, so repeated calls while a signal is already pending are
// no-ops (edge-triggered, not level-triggered). Nothing in this package
// receives from the channel and FinishWrite does not flush: Serve writes
// replies by calling Send directly after each batch of decoded messages.
func (c *Connection) FinishWrite() {
	select {
	case c.writable <- struct{}{}:
	default:
	}
}

package bolt

import "github.com/pzac/graphbolt/internal/chunkbuf"

// DecodeMessage implements the Bolt chunk framer's decode half (spec
// 4.C): it reads (u16 length, length bytes) pairs from buf starting at
// buf.Read(), copying each chunk's payload into msgBuf, until it consumes
// a zero-length terminator chunk. The assembled payload (all chunk bodies
// concatenated, terminator excluded) becomes the returned Message's Data.
//
// If buf does not yet hold a complete message, DecodeMessage leaves buf's
// read cursor untouched and returns (nil, false, nil) so the caller can
// wait for more socket data and retry. msgBuf is scratch space: it is reset
// on every call, complete or not.
func DecodeMessage(buf *chunkbuf.Buffer, msgBuf *chunkbuf.Buffer) (*Message, bool, error) {
	cur := buf.Read()
	msgBuf.Reset()
	mstart := msgBuf.Write()
	mcur := mstart

	for {
		avail, err := buf.Diff(buf.Write(), cur)
		if err != nil || avail < 2 {
			return nil, false, nil
		}
		length, next, err := buf.ReadBigEndianU16(cur)
		if err != nil {
			return nil, false, nil
		}
		cur = next

		if length == 0 {
			break
		}

		avail, err = buf.Diff(buf.Write(), cur)
		if err != nil || avail < int64(length) {
			return nil, false, nil
		}
		chunkBytes, next, err := buf.ReadBytes(cur, int64(length))
		if err != nil {
			return nil, false, nil
		}
		cur = next
		mcur = msgBuf.WriteBytes(mcur, chunkBytes)
	}

	msgBuf.SetWrite(mcur)
	size, err := msgBuf.Diff(mcur, mstart)
	if err != nil {
		return nil, false, err
	}
	data, _, err := msgBuf.ReadBytes(mstart, size)
	if err != nil {
		return nil, false, err
	}

	buf.SetRead(cur)
	return &Message{T: IdentifyType(data), Data: data}, true, nil
}

// EncodeReply implements the Bolt chunk framer's encode half (spec 4.C)
// for a response that fits in a single chunk: it reserves a 2-byte length
// slot, writes payload after it, patches the length, and appends the
// zero-length terminator. It returns the cursor advanced past the
// terminator.
func EncodeReply(buf *chunkbuf.Buffer, cursor chunkbuf.Cursor, payload []byte) chunkbuf.Cursor {
	lengthSlot := cursor
	cur := buf.Advance(cursor, 2)
	cur = buf.WriteBytes(cur, payload)
	buf.WriteBigEndianU16(lengthSlot, uint16(len(payload)))
	cur = buf.WriteBigEndianU16(cur, 0)
	return cur
}

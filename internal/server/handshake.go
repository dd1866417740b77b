package server

import (
	"encoding/binary"
	"errors"

	"github.com/pzac/graphbolt/internal/chunkbuf"
)

// boltMagic is the four-byte preamble every Bolt connection opens with,
// before any version negotiation bytes.
var boltMagic = [4]byte{0x60, 0x60, 0xb0, 0x17}

// ErrBadMagic is returned when a connection's opening bytes do not match
// the Bolt magic preamble.
var ErrBadMagic = errors.New("server: bad bolt magic")

// version is a single (major, minor) proposal or selection.
type version struct {
	major byte
	minor byte
}

// supportedVersions lists every version this server will negotiate,
// highest first. The order does not affect selection: negotiate compares
// each client proposal against this set and keeps the highest match.
var supportedVersions = []version{
	{major: 4, minor: 4},
	{major: 4, minor: 3},
	{major: 4, minor: 2},
	{major: 4, minor: 1},
	{major: 4, minor: 0},
}

// negotiate reads the magic preamble and four 4-byte version proposals
// starting at cursor in buf, and returns the advanced cursor and the
// highest mutually supported version. If no proposal matches, the zero
// version is returned (the caller replies with four zero bytes and closes).
func negotiate(buf *chunkbuf.Buffer, cursor chunkbuf.Cursor) (version, chunkbuf.Cursor, error) {
	avail, err := buf.Diff(buf.Write(), cursor)
	if err != nil || avail < 20 {
		return version{}, cursor, errIncomplete
	}

	magic, cur, err := buf.ReadBytes(cursor, 4)
	if err != nil {
		return version{}, cursor, err
	}
	for i, b := range magic {
		if b != boltMagic[i] {
			return version{}, cur, ErrBadMagic
		}
	}

	var chosen version
	for i := 0; i < 4; i++ {
		raw, next, err := buf.ReadBytes(cur, 4)
		if err != nil {
			return version{}, cursor, err
		}
		cur = next

		// Wire order is (reserved, reserved, minor, major), big-endian.
		proposed := version{major: raw[3], minor: raw[2]}
		if proposed.major == 0 && proposed.minor == 0 {
			continue
		}
		higher := proposed.major > chosen.major ||
			(proposed.major == chosen.major && proposed.minor > chosen.minor)
		if higher && supports(proposed) {
			chosen = proposed
		}
	}

	return chosen, cur, nil
}

func supports(v version) bool {
	for _, s := range supportedVersions {
		if s.major == v.major && s.minor == v.minor {
			return true
		}
	}
	return false
}

// writeNegotiationReply writes the 4-byte selected version, or four zero
// bytes if v is the zero version (rejection), at cursor.
func writeNegotiationReply(buf *chunkbuf.Buffer, cursor chunkbuf.Cursor, v version) chunkbuf.Cursor {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(v.minor)<<8|uint32(v.major))
	return buf.WriteBytes(cursor, out)
}

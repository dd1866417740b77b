// Package bolt implements the wire-level pieces of the Bolt protocol that
// this server needs: message type identification, a small PackStream
// reader sufficient to pull the principal out of a HELLO, and the
// per-connection protocol state machine (see state.go).
package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies a Bolt request or response structure by name. Wire tag
// bytes are defined by the Bolt specification; TypeFromByte maps them.
type Type string

const (
	HelloType    Type = "HELLO"
	LogonType    Type = "LOGON"
	LogoffType   Type = "LOGOFF"
	RunType      Type = "RUN"
	BeginType    Type = "BEGIN"
	CommitType   Type = "COMMIT"
	RollbackType Type = "ROLLBACK"
	DiscardType  Type = "DISCARD"
	PullType     Type = "PULL"
	RouteType    Type = "ROUTE"
	ResetType    Type = "RESET"
	GoodbyeType  Type = "GOODBYE"

	SuccessType Type = "SUCCESS"
	FailureType Type = "FAILURE"
	IgnoredType Type = "IGNORED"
	RecordType  Type = "RECORD"

	UnknownType Type = "?UNKNOWN?"
)

// Wire tag bytes, per the Bolt specification.
const (
	tagHello    byte = 0x01
	tagGoodbye  byte = 0x02
	tagReset    byte = 0x0F
	tagRun      byte = 0x10
	tagBegin    byte = 0x11
	tagCommit   byte = 0x12
	tagRollback byte = 0x13
	tagDiscard  byte = 0x2F
	tagPull     byte = 0x3F
	tagRoute    byte = 0x66
	tagLogon    byte = 0x6A
	tagLogoff   byte = 0x6B

	tagSuccess byte = 0x70
	tagRecord  byte = 0x71
	tagIgnored byte = 0x7E
	tagFailure byte = 0x7F
)

// TypeFromByte maps a PackStream structure tag byte to its Bolt Type.
func TypeFromByte(b byte) Type {
	switch b {
	case tagHello:
		return HelloType
	case tagGoodbye:
		return GoodbyeType
	case tagReset:
		return ResetType
	case tagRun:
		return RunType
	case tagBegin:
		return BeginType
	case tagCommit:
		return CommitType
	case tagRollback:
		return RollbackType
	case tagDiscard:
		return DiscardType
	case tagPull:
		return PullType
	case tagRoute:
		return RouteType
	case tagLogon:
		return LogonType
	case tagLogoff:
		return LogoffType
	case tagSuccess:
		return SuccessType
	case tagRecord:
		return RecordType
	case tagIgnored:
		return IgnoredType
	case tagFailure:
		return FailureType
	default:
		return UnknownType
	}
}

// IsRequest reports whether t is one of the client-to-server request types.
func (t Type) IsRequest() bool {
	switch t {
	case HelloType, LogonType, LogoffType, RunType, BeginType, CommitType,
		RollbackType, DiscardType, PullType, RouteType, ResetType, GoodbyeType:
		return true
	default:
		return false
	}
}

// IsResponse reports whether t is one of the server-to-client response
// types.
func (t Type) IsResponse() bool {
	switch t {
	case SuccessType, FailureType, IgnoredType, RecordType:
		return true
	default:
		return false
	}
}

// Message is a single decoded Bolt message: its type tag and the full
// structure bytes (tag byte included).
type Message struct {
	T    Type
	Data []byte
}

// IdentifyType extracts the structure tag from an assembled Bolt message.
// PackStream structures encode their tag as the byte following the
// struct-header byte; small structs use a single tiny-struct header byte
// (0xB_), so the tag sits at buf[1].
func IdentifyType(buf []byte) Type {
	if len(buf) < 2 {
		return UnknownType
	}
	return TypeFromByte(buf[1])
}

var errBadTinyMap = errors.New("bolt: expected tiny-map prefix 0xa_")
var errBadTinyString = errors.New("bolt: expected tiny-string prefix 0x8_")
var errBadString = errors.New("bolt: expected string prefix 0xd_")
var errBadTinyArray = errors.New("bolt: expected tiny-array prefix 0x9_")
var errBadTinyInt = errors.New("bolt: expected tiny-int")

// ParseTinyMap parses a PackStream TinyMap into a map of string keys to
// their decoded values. It understands only the handful of value types
// that appear in a HELLO/LOGON auth token (tiny-int, tiny-string, string,
// tiny-array, nested tiny-map) — enough to recover the "principal" field
// used for auth logging, not a general PackStream decoder (that belongs to
// the out-of-scope graph-entity decoder).
func ParseTinyMap(buf []byte) (map[string]interface{}, int, error) {
	result := make(map[string]interface{})
	if len(buf) < 1 {
		return result, 0, errors.New("bolt: empty buffer, cannot parse tiny-map")
	}
	if buf[0]>>4 != 0xa {
		return result, 0, errBadTinyMap
	}

	numMembers := int(buf[0] & 0xf)
	pos := 1

	for i := 0; i < numMembers; i++ {
		name, n, err := ParseTinyString(buf[pos:])
		if err != nil {
			return result, pos, err
		}
		pos += n

		if pos >= len(buf) {
			return result, pos, errors.New("bolt: truncated tiny-map value")
		}

		switch buf[pos] >> 4 {
		case 0x0, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7:
			val, err := ParseTinyInt(buf[pos])
			if err != nil {
				return result, pos, err
			}
			result[name] = val
			pos++
		case 0x8:
			val, n, err := ParseTinyString(buf[pos:])
			if err != nil {
				return result, pos, err
			}
			result[name] = val
			pos += n
		case 0x9:
			val, n, err := ParseTinyArray(buf[pos:])
			if err != nil {
				return result, pos, err
			}
			result[name] = val
			pos += n
		case 0xd:
			val, n, err := ParseString(buf[pos:])
			if err != nil {
				return result, pos, err
			}
			result[name] = val
			pos += n
		case 0xa:
			val, n, err := ParseTinyMap(buf[pos:])
			if err != nil {
				return result, pos, err
			}
			result[name] = val
			pos += n
		default:
			return result, pos, fmt.Errorf("bolt: unsupported packstream tag %#x", buf[pos])
		}
	}

	return result, pos, nil
}

// ParseTinyInt parses a non-negative PackStream TinyInt (0x00-0x7F), whose
// value is the tag byte itself. Negative tiny ints (0xF0-0xFF) are rejected.
func ParseTinyInt(b byte) (int, error) {
	if b > 0x7f {
		return 0, errBadTinyInt
	}
	return int(b), nil
}

// ParseTinyString parses a PackStream TinyString, returning the string and
// the number of bytes consumed (including the tag byte).
func ParseTinyString(buf []byte) (string, int, error) {
	if len(buf) == 0 || buf[0]>>4 != 0x8 {
		return "", 0, errBadTinyString
	}
	size := int(buf[0] & 0xf)
	if size == 0 {
		return "", 1, nil
	}
	if len(buf) < size+1 {
		return "", 0, errors.New("bolt: truncated tiny-string")
	}
	return string(buf[1 : size+1]), size + 1, nil
}

// ParseString parses a PackStream String (the size-prefixed non-tiny
// variant), returning the string and the number of bytes consumed.
func ParseString(buf []byte) (string, int, error) {
	if len(buf) < 1 || buf[0]>>4 != 0xd {
		return "", 0, errBadString
	}
	pos := 0
	readAhead := 1 << int(buf[pos]&0xf)
	pos++

	if len(buf) < pos+readAhead {
		return "", 0, errors.New("bolt: truncated string length")
	}
	sizeBytes := make([]byte, 8)
	copy(sizeBytes[8-readAhead:], buf[pos:pos+readAhead])
	pos += readAhead

	size := int(binary.BigEndian.Uint64(sizeBytes))
	if len(buf) < pos+size {
		return "", 0, errors.New("bolt: truncated string body")
	}
	return string(buf[pos : pos+size]), pos + size, nil
}

// ParseTinyArray parses a PackStream TinyArray of tiny-ints, tiny-strings,
// or strings.
func ParseTinyArray(buf []byte) ([]interface{}, int, error) {
	if len(buf) < 1 || buf[0]>>4 != 0x9 {
		return nil, 0, errBadTinyArray
	}
	size := int(buf[0] & 0xf)
	array := make([]interface{}, size)
	pos := 1

	for i := 0; i < size; i++ {
		if pos >= len(buf) {
			return array, pos, errors.New("bolt: truncated tiny-array")
		}
		switch buf[pos] >> 4 {
		case 0x0, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7:
			val, err := ParseTinyInt(buf[pos])
			if err != nil {
				return array, pos, err
			}
			array[i] = val
			pos++
		case 0x8:
			val, n, err := ParseTinyString(buf[pos:])
			if err != nil {
				return array, pos, err
			}
			array[i] = val
			pos += n
		case 0xd:
			val, n, err := ParseString(buf[pos:])
			if err != nil {
				return array, pos, err
			}
			array[i] = val
			pos += n
		default:
			return array, pos, fmt.Errorf("bolt: unsupported tiny-array element tag %#x", buf[pos]>>4)
		}
	}

	return array, pos, nil
}

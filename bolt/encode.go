package bolt

import "encoding/binary"

// Field is a single key/value pair of a PackStream map, kept as an ordered
// slice (Fields) rather than a Go map so response metadata encodes
// deterministically.
type Field struct {
	Key   string
	Value interface{}
}

// Fields is an ordered PackStream map.
type Fields []Field

// EncodeStruct serializes a PackStream tiny-struct with the given tag byte
// and fields, in PackStream write order. Bolt structures never exceed 15
// fields, so only the tiny-struct header is supported.
func EncodeStruct(tag byte, fields ...interface{}) []byte {
	out := []byte{0xb0 | byte(len(fields)), tag}
	for _, f := range fields {
		out = append(out, encodeValue(f)...)
	}
	return out
}

// EncodeSuccess serializes a SUCCESS { metadata } response.
func EncodeSuccess(metadata Fields) []byte {
	return EncodeStruct(tagSuccess, metadata)
}

// EncodeFailure serializes a FAILURE { metadata } response.
func EncodeFailure(metadata Fields) []byte {
	return EncodeStruct(tagFailure, metadata)
}

// EncodeIgnored serializes an IGNORED response; it carries no fields.
func EncodeIgnored() []byte {
	return EncodeStruct(tagIgnored)
}

// EncodeRecord serializes a RECORD [ values ] response.
func EncodeRecord(values []interface{}) []byte {
	return EncodeStruct(tagRecord, values)
}

func encodeValue(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{0xc0}
	case bool:
		if val {
			return []byte{0xc3}
		}
		return []byte{0xc2}
	case int:
		return encodeInt(int64(val))
	case int64:
		return encodeInt(val)
	case string:
		return encodeString(val)
	case []interface{}:
		return encodeList(val)
	case []string:
		items := make([]interface{}, len(val))
		for i, s := range val {
			items[i] = s
		}
		return encodeList(items)
	case Fields:
		return encodeMap(val)
	default:
		return []byte{0xc0}
	}
}

func encodeInt(n int64) []byte {
	switch {
	case n >= 0 && n <= 0x7f:
		return []byte{byte(n)}
	case n < 0 && n >= -16:
		return []byte{byte(0xf0 | (n + 16))}
	default:
		out := make([]byte, 9)
		out[0] = 0xcb
		binary.BigEndian.PutUint64(out[1:], uint64(n))
		return out
	}
}

func encodeString(s string) []byte {
	b := []byte(s)
	if len(b) <= 15 {
		return append([]byte{0x80 | byte(len(b))}, b...)
	}
	out := make([]byte, 5, 5+len(b))
	out[0] = 0xd2
	binary.BigEndian.PutUint32(out[1:5], uint32(len(b)))
	return append(out, b...)
}

func encodeList(items []interface{}) []byte {
	var out []byte
	if len(items) <= 15 {
		out = []byte{0x90 | byte(len(items))}
	} else {
		out = make([]byte, 5)
		out[0] = 0xd6
		binary.BigEndian.PutUint32(out[1:5], uint32(len(items)))
	}
	for _, item := range items {
		out = append(out, encodeValue(item)...)
	}
	return out
}

func encodeMap(fields Fields) []byte {
	var out []byte
	if len(fields) <= 15 {
		out = []byte{0xa0 | byte(len(fields))}
	} else {
		out = make([]byte, 5)
		out[0] = 0xda
		binary.BigEndian.PutUint32(out[1:5], uint32(len(fields)))
	}
	for _, f := range fields {
		out = append(out, encodeString(f.Key)...)
		out = append(out, encodeValue(f.Value)...)
	}
	return out
}

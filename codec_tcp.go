package coap

import (
	"bytes"
	"encoding/binary"
)

// TCP/WS framing (RFC 8323 §3.2): no Type, no MessageID. The first
// byte packs a 4-bit Len nibble and a 4-bit TKL nibble; Len is
// extended per the same 13/14/15 scheme as option deltas/lengths but
// with its own addends (13, 269, 65805, per RFC 8323), carrying the
// combined options+payload byte count. TKL is extended per RFC 8974
// using the 13/14 scheme with addends 13/269, appearing *after* Code.
const (
	lenExt1Code   = 13
	lenExt1Addend = 13
	lenExt2Code   = 14
	lenExt2Addend = 269
	lenExt4Code   = 15
	lenExt4Addend = 65805
)

// EncodeTCP serializes m using RFC 8323 TCP framing.
func EncodeTCP(m *Message) ([]byte, error) {
	return encodeStream(m, true)
}

// DecodeTCP parses data framed per RFC 8323 TCP framing. As with
// DecodeUDP, malformed input yields a partial Message with
// HasFormatError set rather than an error.
func DecodeTCP(data []byte) (*Message, int) {
	return decodeStream(data, true)
}

// EncodeWS serializes m using RFC 8323 WebSocket framing: identical to
// TCP except the Len nibble is always 0, because the WS frame itself
// supplies the message boundary (spec.md §4.B).
func EncodeWS(m *Message) ([]byte, error) {
	return encodeStream(m, false)
}

// DecodeWS parses one complete WebSocket binary message per RFC 8323
// WS framing: the entire slice is consumed as one message (no Len
// field governs the boundary).
func DecodeWS(data []byte) *Message {
	m, _ := decodeStream(data, false)
	return m
}

func encodeStream(m *Message, framed bool) ([]byte, error) {
	if len(m.Token) > 65535+extLen2Addend {
		return nil, ErrInvalidTokenLen
	}

	body := &bytes.Buffer{}
	if err := writeOptions(body, m.Options); err != nil {
		return nil, err
	}
	writePayload(body, m.Payload)

	buf := &bytes.Buffer{}
	lenNibble, lenExt := encodeLen(body.Len(), framed)
	tklNibble, tklExt := encodeTokenLength(len(m.Token))
	buf.WriteByte(byte(lenNibble<<4) | tklNibble)
	buf.Write(lenExt)
	buf.WriteByte(byte(m.Code))
	buf.Write(tklExt)
	buf.Write(m.Token)
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// decodeStream parses a stream-framed message and returns the number
// of bytes consumed from data (the message's total on-wire length),
// so TCP callers can find the start of the next message in the same
// read buffer. WS callers (framed=false) consume the whole slice and
// may ignore the count.
func decodeStream(data []byte, framed bool) (*Message, int) {
	m := &Message{Version: 1}
	if len(data) < 2 {
		m.HasFormatError = true
		return m, len(data)
	}

	lenNibble := int(data[0] >> 4)
	tklNibble := int(data[0] & 0xf)
	rest := data[1:]

	var bodyLen int
	if framed {
		var ok bool
		bodyLen, rest, ok = decodeLen(lenNibble, rest)
		if !ok {
			m.HasFormatError = true
			return m, len(data)
		}
	}

	if len(rest) < 1 {
		m.HasFormatError = true
		return m, len(data)
	}
	m.Code = Code(rest[0])
	rest = rest[1:]

	tkl, rest2, ok := decodeTokenLength(tklNibble, rest)
	if !ok {
		m.HasFormatError = true
		return m, len(data)
	}
	rest = rest2
	if len(rest) < tkl {
		m.HasFormatError = true
		return m, len(data)
	}
	m.Token = append([]byte(nil), rest[:tkl]...)
	rest = rest[tkl:]

	var body []byte
	var consumed int
	if framed {
		if len(rest) < bodyLen {
			m.HasFormatError = true
			return m, len(data)
		}
		body = rest[:bodyLen]
		consumed = len(data) - len(rest) + bodyLen
	} else {
		body = rest
		consumed = len(data)
	}

	opts, payload, unknownCritical, formatErr := readOptions(body)
	m.Options = opts
	m.Payload = payload
	m.HasUnknownCriticalOption = unknownCritical
	m.HasFormatError = formatErr
	return m, consumed
}

func encodeLen(n int, framed bool) (nibble int, ext []byte) {
	if !framed {
		return 0, nil
	}
	switch {
	case n <= 12:
		return n, nil
	case n < lenExt2Addend:
		return lenExt1Code, []byte{byte(n - lenExt1Addend)}
	case n < lenExt4Addend:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n-lenExt2Addend))
		return lenExt2Code, b
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n-lenExt4Addend))
		return lenExt4Code, b
	}
}

func decodeLen(nibble int, rest []byte) (n int, remaining []byte, ok bool) {
	switch nibble {
	case lenExt1Code:
		if len(rest) < 1 {
			return 0, rest, false
		}
		return int(rest[0]) + lenExt1Addend, rest[1:], true
	case lenExt2Code:
		if len(rest) < 2 {
			return 0, rest, false
		}
		return int(binary.BigEndian.Uint16(rest[:2])) + lenExt2Addend, rest[2:], true
	case lenExt4Code:
		if len(rest) < 4 {
			return 0, rest, false
		}
		return int(binary.BigEndian.Uint32(rest[:4])) + lenExt4Addend, rest[4:], true
	default:
		return nibble, rest, true
	}
}

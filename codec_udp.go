package coap

import (
	"bytes"
	"encoding/binary"
)

// UDP framing constants (RFC 7252 §3) and the RFC 8974 extended token
// length nibble values, shared with the TCP/WS codecs in codec_tcp.go.
const (
	extLen1Code   = 13
	extLen1Addend = 13
	extLen2Code   = 14
	extLen2Addend = 269
	extLenError   = 15

	payloadMarker = 0xff
)

// EncodeUDP serializes m as an RFC 7252 §3 UDP datagram: the fixed
// 4-byte header, the token, the canonically sorted delta/length
// options, and (if present) the 0xFF-prefixed payload.
func EncodeUDP(m *Message) ([]byte, error) {
	if len(m.Token) > 65535+extLen2Addend {
		return nil, ErrInvalidTokenLen
	}

	buf := &bytes.Buffer{}
	tkl, tklExt := encodeTokenLength(len(m.Token))
	buf.WriteByte((1 << 6) | (uint8(m.Type) << 4) | tkl)
	buf.WriteByte(byte(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(tklExt)
	buf.Write(m.Token)

	if err := writeOptions(buf, m.Options); err != nil {
		return nil, err
	}
	writePayload(buf, m.Payload)

	return buf.Bytes(), nil
}

// DecodeUDP parses data as an RFC 7252 §3 UDP datagram. Per spec.md
// §4.B, malformed input never returns an error: it yields a partial
// Message with HasFormatError set, leaving the RST-or-drop decision to
// the caller (exchange.Route, §4.F step 1).
func DecodeUDP(data []byte) *Message {
	m := &Message{}
	if len(data) < 4 || data[0]>>6 != 1 {
		m.HasFormatError = true
		return m
	}

	m.Version = 1
	m.Type = Type((data[0] >> 4) & 0x3)
	tklNibble := int(data[0] & 0xf)
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	rest := data[4:]
	tkl, rest, ok := decodeTokenLength(tklNibble, rest)
	if !ok || len(rest) < tkl {
		m.HasFormatError = true
		return m
	}
	m.Token = append([]byte(nil), rest[:tkl]...)
	rest = rest[tkl:]

	opts, payload, unknownCritical, formatErr := readOptions(rest)
	m.Options = opts
	m.Payload = payload
	m.HasUnknownCriticalOption = unknownCritical
	m.HasFormatError = formatErr
	return m
}

// encodeTokenLength returns the wire TKL nibble and any RFC 8974
// extension bytes for a token of the given byte length.
func encodeTokenLength(n int) (nibble uint8, ext []byte) {
	switch {
	case n <= 12:
		return uint8(n), nil
	case n < extLen2Addend:
		return extLen1Code, []byte{byte(n - extLen1Addend)}
	default:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n-extLen2Addend))
		return extLen2Code, b
	}
}

// decodeTokenLength reverses encodeTokenLength, consuming any
// extension bytes from rest.
func decodeTokenLength(nibble int, rest []byte) (tkl int, remaining []byte, ok bool) {
	switch nibble {
	case extLenError:
		return 0, rest, false
	case extLen1Code:
		if len(rest) < 1 {
			return 0, rest, false
		}
		return int(rest[0]) + extLen1Addend, rest[1:], true
	case extLen2Code:
		if len(rest) < 2 {
			return 0, rest, false
		}
		return int(binary.BigEndian.Uint16(rest[:2])) + extLen2Addend, rest[2:], true
	default:
		return nibble, rest, true
	}
}

// writeOptions appends the canonically sorted delta/length/value
// option sequence to buf.
func writeOptions(buf *bytes.Buffer, opts Options) error {
	sorted := opts.sorted()
	prev := 0
	for _, o := range sorted {
		val := o.toBytes()
		delta := int(o.ID) - prev
		if delta < 0 {
			return ErrOptionGapTooLarge
		}
		if err := writeOptionHeader(buf, delta, len(val)); err != nil {
			return err
		}
		buf.Write(val)
		prev = int(o.ID)
	}
	return nil
}

func writePayload(buf *bytes.Buffer, payload []byte) {
	if len(payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(payload)
	}
}

func extendNibble(v int) (nibble, ext int) {
	switch {
	case v >= extLen2Addend:
		return extLen2Code, v - extLen2Addend
	case v >= extLen1Addend:
		return extLen1Code, v - extLen1Addend
	default:
		return v, 0
	}
}

func writeOptionHeader(buf *bytes.Buffer, delta, length int) error {
	if delta < 0 || length < 0 {
		return ErrOptionGapTooLarge
	}
	d, dx := extendNibble(delta)
	l, lx := extendNibble(length)
	buf.WriteByte(byte(d<<4) | byte(l))
	writeExt := func(nibble, ext int) {
		switch nibble {
		case extLen1Code:
			buf.WriteByte(byte(ext))
		case extLen2Code:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(ext))
			buf.Write(b[:])
		}
	}
	writeExt(d, dx)
	writeExt(l, lx)
	return nil
}

// readOptions parses the delta/length/value option sequence starting
// at b, up to and past an optional 0xFF payload marker, returning the
// decoded options, the remaining payload bytes, and whether any
// unrecognized critical option or length/framing error was seen.
func readOptions(b []byte) (opts Options, payload []byte, unknownCritical bool, formatErr bool) {
	prev := 0
	for len(b) > 0 {
		if b[0] == payloadMarker {
			b = b[1:]
			if len(b) == 0 {
				// §3: "a message with a payload marker followed by a
				// zero-length payload MUST be rejected" (RFC 7252 §3).
				return opts, nil, unknownCritical, true
			}
			return opts, b, unknownCritical, formatErr
		}

		deltaNibble := int(b[0] >> 4)
		lengthNibble := int(b[0] & 0x0f)
		if deltaNibble == extLenError || lengthNibble == extLenError {
			return opts, nil, unknownCritical, true
		}
		b = b[1:]

		delta, rest, ok := readExtNibble(deltaNibble, b)
		if !ok {
			return opts, nil, unknownCritical, true
		}
		b = rest
		length, rest, ok := readExtNibble(lengthNibble, b)
		if !ok {
			return opts, nil, unknownCritical, true
		}
		b = rest

		if len(b) < length {
			return opts, nil, unknownCritical, true
		}
		id := OptionID(prev + delta)
		raw := b[:length]
		b = b[length:]
		prev = int(id)

		val, recognized, lengthOK := parseOptionValue(id, raw)
		switch {
		case !recognized && id.IsCritical():
			// RFC 7252 §5.4.1: unrecognized critical option.
			unknownCritical = true
		case !recognized:
			// Silently ignored (elective, unrecognized).
		case !lengthOK:
			// RFC 7252 §5.4.3: illegal option length is itself a format error.
			formatErr = true
		default:
			opts = append(opts, Option{ID: id, Value: val})
		}
	}
	return opts, nil, unknownCritical, formatErr
}

func readExtNibble(nibble int, b []byte) (value int, rest []byte, ok bool) {
	switch nibble {
	case extLen1Code:
		if len(b) < 1 {
			return 0, b, false
		}
		return int(b[0]) + extLen1Addend, b[1:], true
	case extLen2Code:
		if len(b) < 2 {
			return 0, b, false
		}
		return int(binary.BigEndian.Uint16(b[:2])) + extLen2Addend, b[2:], true
	default:
		return nibble, b, true
	}
}

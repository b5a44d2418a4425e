// Package coap implements the wire-level data model of a CoAP client
// engine: the Message/Option types, their canonical ordering, the
// UDP/TCP/WebSocket codecs (RFC 7252, RFC 8323, RFC 8974) and the
// URI<->Option mapping (RFC 7252 §6.4/§6.5).
//
// The higher-level reliability, matching and observe behaviour lives in
// the sibling packages (reliability, dedup, exchange, observe, client);
// this package only concerns itself with what a message *is* and how it
// is serialized.
package coap

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Type is the CoAP message type.
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

var typeNames = [4]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(0x%x)", uint8(t))
}

// Code is the 8-bit class.detail request/response code (RFC 7252 §3).
type Code uint8

// Request codes.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5 // RFC 8132
	PATCH  Code = 6 // RFC 8132
	IPATCH Code = 7 // RFC 8132
)

// Response codes.
const (
	Created                 Code = 65  // 2.01
	Deleted                 Code = 66  // 2.02
	Valid                   Code = 67  // 2.03
	Changed                 Code = 68  // 2.04
	Content                 Code = 69  // 2.05
	Continue                Code = 95  // 2.31 (RFC 7959)
	BadRequest              Code = 128 // 4.00
	Unauthorized            Code = 129
	BadOption               Code = 130
	Forbidden               Code = 131
	NotFound                Code = 132
	MethodNotAllowed        Code = 133
	NotAcceptable           Code = 134
	RequestEntityIncomplete Code = 136 // 4.08 (RFC 7959)
	PreconditionFailed      Code = 140
	RequestEntityTooLarge   Code = 141
	UnsupportedMediaType    Code = 143
	InternalServerError     Code = 160
	NotImplemented          Code = 161
	BadGateway              Code = 162
	ServiceUnavailable      Code = 163
	GatewayTimeout          Code = 164
	ProxyingNotSupported    Code = 165
)

// Empty is the 0.00 code of an ACK/RST/ping message.
const Empty Code = 0

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("%d.%02d", c.Class(), int(c)&0x1f)
}

var codeNames = map[Code]string{
	GET: "GET", POST: "POST", PUT: "PUT", DELETE: "DELETE",
	FETCH: "FETCH", PATCH: "PATCH", IPATCH: "IPATCH",
	Created: "2.01", Deleted: "2.02", Valid: "2.03",
	Changed: "2.04", Content: "2.05", Continue: "2.31",
	BadRequest: "4.00", Unauthorized: "4.01",
	BadOption: "4.02", Forbidden: "4.03",
	NotFound: "4.04", MethodNotAllowed: "4.05",
	NotAcceptable: "4.06", RequestEntityIncomplete: "4.08",
	PreconditionFailed: "4.12", RequestEntityTooLarge: "4.13",
	UnsupportedMediaType: "4.15", InternalServerError: "5.00",
	NotImplemented: "5.01", BadGateway: "5.02",
	ServiceUnavailable: "5.03", GatewayTimeout: "5.04",
	ProxyingNotSupported: "5.05",
}

// Class returns the class digit of the code (0 for empty and for
// requests, 2-5 for responses per RFC 7252 §3).
func (c Code) Class() int { return int(c) >> 5 }

// IsRequest reports whether the code is in the request range 0.01-0.31.
func (c Code) IsRequest() bool { return c >= 1 && c <= 31 }

// IsResponse reports whether the code is in a response class (2-5).
func (c Code) IsResponse() bool { return c.Class() >= 2 && c.Class() <= 5 }

// Role discriminates a Message the way the design note calls for: a
// single Message record threaded through codec and matcher, tagged by
// role rather than separate Request/Response/Empty types.
type Role int

const (
	RoleEmpty Role = iota
	RoleRequest
	RoleResponse
)

func (r Role) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleResponse:
		return "response"
	default:
		return "empty"
	}
}

// MediaType is the Content-Format/Accept option value space (RFC 7252 §12.3).
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

// OptionID identifies an option by its registered number (RFC 7252 §5.10,
// extended with RFC 7959 Block1/Block2/Size2 and RFC 7641 Observe).
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6 // RFC 7641
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23 // RFC 7959
	Block1        OptionID = 27 // RFC 7959
	Size2         OptionID = 28 // RFC 7959
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// valueFormat is the representational format an option's value is
// encoded in (RFC 7252 §3.2).
type valueFormat uint8

const (
	valueUnknown valueFormat = iota
	valueEmpty
	valueOpaque
	valueUint
	valueString
)

// optionDef is the per-number metadata the codec and critical-option
// policy consult: representational format, legal length range, and the
// repeatable bit of RFC 7252 §5.4.
type optionDef struct {
	format      valueFormat
	minLen      int
	maxLen      int
	repeatable  bool
}

// critical, unsafe and no-cache-key are derivable directly from the
// option number per RFC 7252 §5.4.1/§5.4.2, so they are not stored in
// optionDef; IsCritical/IsUnsafe/IsNoCacheKey below compute them.

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {format: valueOpaque, minLen: 0, maxLen: 8, repeatable: true},
	URIHost:       {format: valueString, minLen: 1, maxLen: 255},
	ETag:          {format: valueOpaque, minLen: 1, maxLen: 8, repeatable: true},
	IfNoneMatch:   {format: valueEmpty, minLen: 0, maxLen: 0},
	Observe:       {format: valueUint, minLen: 0, maxLen: 3},
	URIPort:       {format: valueUint, minLen: 0, maxLen: 2},
	LocationPath:  {format: valueString, minLen: 0, maxLen: 255, repeatable: true},
	URIPath:       {format: valueString, minLen: 0, maxLen: 255, repeatable: true},
	ContentFormat: {format: valueUint, minLen: 0, maxLen: 2},
	MaxAge:        {format: valueUint, minLen: 0, maxLen: 4},
	URIQuery:      {format: valueString, minLen: 0, maxLen: 255, repeatable: true},
	Accept:        {format: valueUint, minLen: 0, maxLen: 2},
	LocationQuery: {format: valueString, minLen: 0, maxLen: 255, repeatable: true},
	Block2:        {format: valueUint, minLen: 0, maxLen: 3},
	Block1:        {format: valueUint, minLen: 0, maxLen: 3},
	Size2:         {format: valueUint, minLen: 0, maxLen: 4},
	ProxyURI:      {format: valueString, minLen: 1, maxLen: 1034},
	ProxyScheme:   {format: valueString, minLen: 1, maxLen: 255},
	Size1:         {format: valueUint, minLen: 0, maxLen: 4},
}

// IsCritical reports whether an unrecognized option of this number must
// cause rejection of the message (RFC 7252 §5.4.1): odd option numbers.
func (o OptionID) IsCritical() bool { return o&1 == 1 }

// IsUnsafe reports whether the option is unsafe to forward across a
// proxy without understanding it (RFC 7252 §5.4.2).
func (o OptionID) IsUnsafe() bool { return o&2 == 2 }

// IsNoCacheKey reports whether the option is excluded from the cache
// key when it is safe-to-forward (RFC 7252 §5.4.2); meaningless when
// IsUnsafe is true.
func (o OptionID) IsNoCacheKey() bool { return o&0x1e == 0x1c }

// IsKnownOption reports whether id is a registered option number this
// module understands, for callers that need to reject an unknown
// critical option before sending (spec.md §7 BadOptionError).
func IsKnownOption(id OptionID) bool {
	_, ok := optionDefs[id]
	return ok
}

// Option is a single typed CoAP option occurrence. Value holds a
// string, []byte, or uint32 depending on the option's registered
// format; repeated options (e.g. Uri-Path) appear as separate entries
// in a Message's Options slice, in the order they should be emitted.
type Option struct {
	ID    OptionID
	Value interface{}
}

func encodeOptionInt(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b[1:]
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

func decodeOptionInt(b []byte) uint32 {
	var tmp [4]byte
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp[:])
}

func (o Option) toBytes() []byte {
	switch v := o.Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case MediaType:
		return encodeOptionInt(uint32(v))
	case uint32:
		return encodeOptionInt(v)
	case uint:
		return encodeOptionInt(uint32(v))
	case int:
		return encodeOptionInt(uint32(v))
	default:
		panic(fmt.Errorf("coap: invalid value type for option %d: %T", o.ID, o.Value))
	}
}

// parseOptionValue decodes a raw option value per its registered
// format. Unrecognized option numbers return recognized=false, and
// recognized options with an out-of-range length return lengthOK=false;
// the caller decides format-error vs unknown-critical handling from there.
func parseOptionValue(id OptionID, raw []byte) (val interface{}, recognized bool, lengthOK bool) {
	def, known := optionDefs[id]
	if !known {
		return nil, false, true
	}
	if len(raw) < def.minLen || len(raw) > def.maxLen {
		return nil, true, false
	}
	switch def.format {
	case valueUint:
		n := decodeOptionInt(raw)
		if id == ContentFormat || id == Accept {
			return MediaType(n), true, true
		}
		return n, true, true
	case valueString:
		return string(raw), true, true
	case valueOpaque, valueEmpty:
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return cp, true, true
	}
	return nil, true, true
}

// Options is an ordered multiset of options, canonically sorted by
// option number with insertion order preserved among equal numbers
// (spec.md §3 invariant).
type Options []Option

func (o Options) Len() int      { return len(o) }
func (o Options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o Options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}

// sorted returns a canonically ordered copy, per spec.md §3: "Option
// list is always sorted by option number before serialization; for
// equal numbers, insertion order is preserved" (sort.Stable).
func (o Options) sorted() Options {
	cp := make(Options, len(o))
	copy(cp, o)
	sort.Stable(cp)
	return cp
}

// Get returns all values for the given option number, in insertion order.
func (o Options) Get(id OptionID) []interface{} {
	var rv []interface{}
	for _, opt := range o {
		if opt.ID == id {
			rv = append(rv, opt.Value)
		}
	}
	return rv
}

// GetFirst returns the first value for the given option number, if any.
func (o Options) GetFirst(id OptionID) (interface{}, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// Without returns a copy of o with every occurrence of id removed.
func (o Options) Without(id OptionID) Options {
	rv := make(Options, 0, len(o))
	for _, opt := range o {
		if opt.ID != id {
			rv = append(rv, opt)
		}
	}
	return rv
}

// Message is a CoAP message: request, response or empty, as determined
// by Code. It is the single record threaded through the codec,
// reliability, exchange and observe layers.
type Message struct {
	Version   uint8 // always 1
	Type      Type
	Code      Code
	MessageID uint16 // unused (zero) for TCP/WS framing
	Token     []byte
	Options   Options
	Payload   []byte

	// Derived flags, set by the decoder.
	HasUnknownCriticalOption bool
	HasFormatError           bool

	// Bookkeeping, set by the layers above the codec (spec.md §3).
	Source       string
	Destination  string
	Timestamp    int64
	Retransmits  int
	Acknowledged bool
	Rejected     bool
	TimedOut     bool
	Cancelled    bool
	Duplicate    bool
}

// Role reports whether this message is a request, a response, or empty.
func (m *Message) Role() Role {
	switch {
	case m.Code == Empty:
		return RoleEmpty
	case m.Code.IsRequest():
		return RoleRequest
	default:
		return RoleResponse
	}
}

// IsConfirmable reports whether this message requires acknowledgement.
func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// Path returns the Uri-Path segments, in order.
func (m *Message) Path() []string {
	var rv []string
	for _, v := range m.Options.Get(URIPath) {
		rv = append(rv, v.(string))
	}
	return rv
}

// AddOption appends an option occurrence, preserving insertion order
// among options that share a number.
func (m *Message) AddOption(id OptionID, val interface{}) {
	m.Options = append(m.Options, Option{ID: id, Value: val})
}

// SetOption replaces every existing occurrence of id with a single new one.
func (m *Message) SetOption(id OptionID, val interface{}) {
	m.Options = m.Options.Without(id)
	m.AddOption(id, val)
}

// RemoveOption removes every occurrence of id.
func (m *Message) RemoveOption(id OptionID) {
	m.Options = m.Options.Without(id)
}

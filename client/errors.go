package client

import "github.com/pkg/errors"

// Error kinds surfaced to callers (spec.md §7). Each is wrapped with
// github.com/pkg/errors at its call site so errors.Is/errors.Cause
// both work against the sentinel.
var (
	// ErrTimeout: retransmission limit exceeded.
	ErrTimeout = errors.New("coap: retransmission limit exceeded")
	// ErrCancelled: explicit cancel.
	ErrCancelled = errors.New("coap: request cancelled")
	// ErrFormat: decoder rejected a message on outbound construction.
	ErrFormat = errors.New("coap: message format error")
	// ErrBadOption: unknown critical option on an outbound request.
	ErrBadOption = errors.New("coap: unknown critical option")
	// ErrTransport: socket bind/send/recv failure, or DNS lookup failure.
	ErrTransport = errors.New("coap: transport error")
	// ErrMulticastWithoutHandler: a multicast request was issued through
	// a method that only supports a single response.
	ErrMulticastWithoutHandler = errors.New("coap: multicast request requires a fan-in handler")
	// ErrClosed: the client has been closed.
	ErrClosed = errors.New("coap: client closed")
	// ErrPeerReset: the peer replied RST to an exchange expecting a
	// response (the success path for Ping, a failure for everything else).
	ErrPeerReset = errors.New("coap: peer reset the exchange")
)

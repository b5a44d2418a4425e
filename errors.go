package coap

import "github.com/pkg/errors"

// Encoding errors surfaced to callers constructing outbound messages
// (spec.md §7: "Outbound encoding errors fail the send call").
var (
	ErrInvalidTokenLen   = errors.New("coap: invalid token length")
	ErrOptionTooLong     = errors.New("coap: option value too long")
	ErrOptionGapTooLarge = errors.New("coap: option number out of order")
)

// Package herrors names the two fatal error classes ("Protocol
// violation" and "Transport failure") as sentinels so callers can
// distinguish them with errors.Is from every other recoverable
// condition. Unknown query ids and successor failures are handled
// inline and never surfaced as errors; an unknown message type is
// surfaced as message.ErrUnknownType, which the caller logs and
// discards.
package herrors

import "errors"

// ErrProtocolViolation marks a message missing a field required for its
// type. The message is never dispatched, and the receive loop in
// cmd/halo aborts the process.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrTransportFatal marks a broker send/receive failure severe enough
// that the process should abort rather than continue serving.
var ErrTransportFatal = errors.New("transport failure")

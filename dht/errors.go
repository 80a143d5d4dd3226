package dht

import (
	"errors"
	"fmt"

	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/limits"
)

var (
	// ErrTransactionTimeout is returned when a query gets no reply after its retries.
	ErrTransactionTimeout = errors.New("transaction timed out")

	// ErrShutdown is returned for operations on a stopped server.
	ErrShutdown = errors.New("dht shut down")

	// ErrTokenInvalid rejects a write whose token was not issued to the requester.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrStaleSequence rejects a mutable put whose seq is not newer than the stored one.
	ErrStaleSequence = errors.New("sequence number less than current")

	// ErrCASMismatch rejects a mutable put whose cas does not match the stored seq.
	ErrCASMismatch = errors.New("cas mismatch")

	// ErrSignatureInvalid rejects a mutable put with a bad signature.
	ErrSignatureInvalid = errors.New("invalid signature")

	// ErrHashCollision rejects an immutable put whose target holds a different payload.
	ErrHashCollision = errors.New("immutable target already holds a different value")

	// ErrRoutingTableFull reports that a node could not be placed in the table.
	ErrRoutingTableFull = errors.New("routing table full")

	// ErrNotFound is returned when a store holds nothing for the key.
	ErrNotFound = errors.New("not found")

	// ErrPayloadTooLarge aliases the limits error so callers can match either.
	ErrPayloadTooLarge = limits.ErrValueTooLarge

	// ErrSaltTooLarge aliases the limits error so callers can match either.
	ErrSaltTooLarge = limits.ErrSaltTooLarge

	// ErrNoNodes is returned when a lookup has nobody to ask.
	ErrNoNodes = errors.New("no nodes to query")
)

// protocolError maps a rejected write onto the KRPC error sent back to the
// requester.
func protocolError(err error) *krpc.Error {
	var kerr *krpc.Error
	switch {
	case errors.As(err, &kerr):
		return kerr
	case errors.Is(err, ErrTokenInvalid):
		return &krpc.Error{Code: krpc.ErrCodeProtocol, Message: "bad token"}
	case errors.Is(err, ErrPayloadTooLarge):
		return &krpc.Error{Code: krpc.ErrCodeMessageTooBig, Message: "message (v field) too big"}
	case errors.Is(err, krpc.ErrInvalidValue):
		return &krpc.Error{Code: krpc.ErrCodeProtocol, Message: "invalid value"}
	case errors.Is(err, ErrSaltTooLarge):
		return &krpc.Error{Code: krpc.ErrCodeSaltTooBig, Message: "salt (salt field) too big"}
	case errors.Is(err, ErrSignatureInvalid):
		return &krpc.Error{Code: krpc.ErrCodeInvalidSignature, Message: "invalid signature"}
	case errors.Is(err, ErrCASMismatch):
		return &krpc.Error{Code: krpc.ErrCodeCASMismatch, Message: "CAS mismatch, re-read value and try again"}
	case errors.Is(err, ErrStaleSequence):
		return &krpc.Error{Code: krpc.ErrCodeSeqTooLow, Message: "sequence number less than current"}
	case errors.Is(err, ErrHashCollision):
		return &krpc.Error{Code: krpc.ErrCodeProtocol, Message: "hash collision"}
	case errors.Is(err, ErrNotFound):
		return &krpc.Error{Code: krpc.ErrCodeGeneric, Message: "not found"}
	}
	return &krpc.Error{Code: krpc.ErrCodeServer, Message: "server error"}
}

// QueryError wraps a failure of one query to one node.
type QueryError struct {
	Method krpc.Method
	Addr   string
	Cause  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s to %s: %v", e.Method, e.Addr, e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }

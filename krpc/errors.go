package krpc

import (
	"errors"
	"fmt"
)

// KRPC error codes from BEP5 and BEP44.
const (
	ErrCodeGeneric          = 201
	ErrCodeServer           = 202
	ErrCodeProtocol         = 203
	ErrCodeMethodUnknown    = 204
	ErrCodeMessageTooBig    = 205
	ErrCodeInvalidSignature = 206
	ErrCodeSaltTooBig       = 207
	ErrCodeCASMismatch      = 301
	ErrCodeSeqTooLow        = 302
)

// Error is the payload of a KRPC error reply. It doubles as the error
// returned to local callers when a remote node rejects a query.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed krpc message")

// DecodeError describes why a datagram could not be decoded. When the
// transaction id and kind were readable they are kept so the receiver can
// answer a broken query with a protocol error.
type DecodeError struct {
	Field         string
	Reason        string
	TransactionID []byte
	Kind          Kind
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode: %s", e.Reason)
	}
	return fmt.Sprintf("decode %q: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

func decodeErr(field, reason string) *DecodeError {
	return &DecodeError{Field: field, Reason: reason}
}

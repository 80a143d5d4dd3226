// Package limits provides centralized size limits for the mainline DHT.
// This ensures consistent validation across the codec and the stores.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest KRPC datagram accepted on the wire.
	// Mainline clients keep messages under a typical 1500 byte MTU; the
	// extra headroom admits full nodes6 responses and BEP44 replies.
	MaxDatagramSize = 2048

	// MaxValueSize is the BEP44 cap on the bencoded "v" field.
	MaxValueSize = 1000

	// MaxSaltSize is the BEP44 cap on the salt of a mutable item.
	MaxSaltSize = 64

	// MaxTransactionIDSize bounds the "t" field of inbound messages.
	MaxTransactionIDSize = 16

	// MaxErrorMessage bounds the description of a KRPC error reply.
	MaxErrorMessage = 256
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrValueTooLarge indicates a BEP44 value exceeds MaxValueSize
	ErrValueTooLarge = errors.New("value too large")

	// ErrSaltTooLarge indicates a BEP44 salt exceeds MaxSaltSize
	ErrSaltTooLarge = errors.New("salt too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates an inbound or outbound KRPC datagram.
func ValidateDatagram(datagram []byte) error {
	return ValidateMessageSize(datagram, MaxDatagramSize)
}

// ValidateValue checks the size of a BEP44 value. value is the item's
// bencoded form, so the cap applies to it directly.
func ValidateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: encoded size %d exceeds limit %d", ErrValueTooLarge, len(value), MaxValueSize)
	}
	return nil
}

// ValidateSalt checks the size of a BEP44 salt. An empty salt is valid.
func ValidateSalt(salt []byte) error {
	if len(salt) > MaxSaltSize {
		return fmt.Errorf("%w: salt size %d exceeds limit %d", ErrSaltTooLarge, len(salt), MaxSaltSize)
	}
	return nil
}

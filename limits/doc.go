// Package limits provides centralized size constants and validation functions
// for the mainline DHT.
//
// # Limits
//
//   - MaxDatagramSize (2048 bytes): the largest KRPC message the codec will
//     encode or decode.
//   - MaxValueSize (1000 bytes): the BEP44 limit on the bencoded value of a
//     stored item.
//   - MaxSaltSize (64 bytes): the BEP44 limit on the salt of a mutable item.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(packet); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
//	if err := limits.ValidateValue(v); errors.Is(err, limits.ErrValueTooLarge) {
//	    // reply with KRPC error 205
//	}
package limits

package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites sensitive data with zeros. It returns an error if
// the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)

	// Keep the write from being optimized away.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe without the error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// Wipe erases the private half of the key pair. The pair can no longer sign
// afterwards.
func (kp *KeyPair) Wipe() error {
	if kp == nil || kp.private == nil {
		return errors.New("cannot wipe empty key pair")
	}
	err := SecureWipe(kp.private)
	kp.private = nil
	return err
}

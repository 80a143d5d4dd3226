package crypto

import (
	"crypto/ed25519"
	"errors"
	"strconv"
)

// PublicKeySize is the size of a BEP44 ed25519 public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// PublicKey is an ed25519 public key owning a mutable item.
type PublicKey [PublicKeySize]byte

// Signature is an ed25519 signature over a mutable item.
type Signature [SignatureSize]byte

// ErrInvalidKey is returned when key material has the wrong length.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair signs mutable items.
type KeyPair struct {
	Public  PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyPairFromSeed derives a key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kp := &KeyPair{private: priv}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// SignatureBuffer builds the byte string a mutable item signature covers:
// the bencoded salt entry (omitted when empty), the seq entry and the
// value, without the enclosing dictionary delimiters. value is the item's
// bencoded form and is appended as is.
func SignatureBuffer(salt []byte, seq int64, value []byte) []byte {
	buf := make([]byte, 0, len(salt)+len(value)+48)
	if len(salt) > 0 {
		buf = append(buf, "4:salt"...)
		buf = appendString(buf, salt)
	}
	buf = append(buf, "3:seqi"...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, "e1:v"...)
	return append(buf, value...)
}

// SignMutable signs a mutable item.
func (kp *KeyPair) SignMutable(salt []byte, seq int64, value []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(kp.private, SignatureBuffer(salt, seq, value)))
	return sig
}

// VerifyMutable checks a mutable item signature.
func VerifyMutable(pub PublicKey, salt []byte, seq int64, value []byte, sig Signature) bool {
	return ed25519.Verify(pub[:], SignatureBuffer(salt, seq, value), sig[:])
}

// MutableTarget returns SHA1(public key ++ salt).
func MutableTarget(pub PublicKey, salt []byte) NodeID {
	buf := make([]byte, 0, PublicKeySize+len(salt))
	buf = append(buf, pub[:]...)
	buf = append(buf, salt...)
	return SHA1(buf)
}

// ImmutableTarget returns the SHA1 of the bencoded value.
func ImmutableTarget(value []byte) NodeID {
	return SHA1(value)
}

func appendString(buf, s []byte) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}

package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// TokenSize is the length of an issued write token.
const TokenSize = 8

const tokenSecretSize = 32

// DefaultTokenRotation is the interval between secret rotations.
const DefaultTokenRotation = 5 * time.Minute

type tokenSecret struct {
	key        [tokenSecretSize]byte
	generation uint64
}

// TokenAuthority issues and validates the opaque tokens that gate
// announce_peer and put. A token binds the requester's endpoint to the
// secret of the rotation window it was issued in. The current and previous
// secrets are both accepted, so a token stays valid until two rotations
// have passed.
type TokenAuthority struct {
	mu           sync.RWMutex
	current      tokenSecret
	previous     *tokenSecret
	rotatedAt    time.Time
	interval     time.Duration
	timeProvider TimeProvider
}

// NewTokenAuthority creates an authority with a fresh random secret.
func NewTokenAuthority(interval time.Duration, tp TimeProvider) (*TokenAuthority, error) {
	if interval <= 0 {
		interval = DefaultTokenRotation
	}
	ta := &TokenAuthority{
		interval:     interval,
		timeProvider: OrDefault(tp),
	}
	if _, err := rand.Read(ta.current.key[:]); err != nil {
		return nil, err
	}
	ta.rotatedAt = ta.timeProvider.Now()
	return ta, nil
}

// Issue returns the token for addr under the current secret.
func (ta *TokenAuthority) Issue(addr netip.AddrPort) []byte {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	return computeToken(&ta.current, addr)
}

// Validate reports whether token was issued to addr under the current or
// previous secret.
func (ta *TokenAuthority) Validate(token []byte, addr netip.AddrPort) bool {
	if len(token) != TokenSize {
		return false
	}
	ta.mu.RLock()
	defer ta.mu.RUnlock()

	if subtle.ConstantTimeCompare(token, computeToken(&ta.current, addr)) == 1 {
		return true
	}
	if ta.previous != nil && subtle.ConstantTimeCompare(token, computeToken(ta.previous, addr)) == 1 {
		return true
	}
	return false
}

// Rotate retires the previous secret, demotes the current one and draws a
// new current secret.
func (ta *TokenAuthority) Rotate() error {
	var next tokenSecret
	if _, err := rand.Read(next.key[:]); err != nil {
		return err
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()

	if ta.previous != nil {
		ZeroBytes(ta.previous.key[:])
	}
	prev := ta.current
	next.generation = prev.generation + 1
	ta.previous = &prev
	ta.current = next
	ta.rotatedAt = ta.timeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function":   "Rotate",
		"generation": next.generation,
	}).Debug("Rotated token secret")
	return nil
}

// MaybeRotate rotates when the current secret is older than the configured
// interval. It reports whether a rotation happened.
func (ta *TokenAuthority) MaybeRotate() (bool, error) {
	ta.mu.RLock()
	due := ta.timeProvider.Since(ta.rotatedAt) >= ta.interval
	ta.mu.RUnlock()
	if !due {
		return false, nil
	}
	return true, ta.Rotate()
}

// Generation returns the number of rotations performed so far.
func (ta *TokenAuthority) Generation() uint64 {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	return ta.current.generation
}

func computeToken(secret *tokenSecret, addr netip.AddrPort) []byte {
	h, err := blake2b.New(TokenSize, secret.key[:])
	if err != nil {
		// Only possible with an oversized key or digest size.
		panic(err)
	}
	ip := addr.Addr().Unmap().AsSlice()
	h.Write(ip)

	var tail [10]byte
	binary.BigEndian.PutUint16(tail[:2], addr.Port())
	binary.BigEndian.PutUint64(tail[2:], secret.generation)
	h.Write(tail[:])
	return h.Sum(nil)
}

package dht

import (
	"bytes"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/limits"
	"github.com/sirupsen/logrus"
)

// StoredValue is a BEP44 item held by this node.
type StoredValue struct {
	Target    crypto.NodeID
	Value     []byte
	Mutable   bool
	PublicKey crypto.PublicKey
	Salt      []byte
	Seq       int64
	Signature crypto.Signature
	StoredAt  time.Time
}

func (v *StoredValue) clone() *StoredValue {
	c := *v
	c.Value = append([]byte(nil), v.Value...)
	if v.Salt != nil {
		c.Salt = append([]byte(nil), v.Salt...)
	}
	return &c
}

// MutablePut is a signed write to a mutable item.
type MutablePut struct {
	PublicKey crypto.PublicKey
	Salt      []byte
	Seq       int64
	Value     []byte
	Signature crypto.Signature
	// CAS, when set, must equal the currently stored sequence number.
	CAS *int64
}

// Target returns SHA1(public key ++ salt).
func (p *MutablePut) Target() crypto.NodeID {
	return crypto.MutableTarget(p.PublicKey, p.Salt)
}

// ValueStorage holds immutable and mutable BEP44 items. Items are kept in
// store order so the stalest one is at the front for eviction and expiry.
type ValueStorage struct {
	mu           sync.Mutex
	values       *orderedmap.OrderedMap[crypto.NodeID, *StoredValue]
	tokens       *crypto.TokenAuthority
	ttl          time.Duration
	maxValues    int
	timeProvider crypto.TimeProvider
}

// NewValueStorage creates an empty store whose mutable writes are checked against tokens.
func NewValueStorage(tokens *crypto.TokenAuthority, cfg *Config) *ValueStorage {
	cfg = cfg.withDefaults()
	return &ValueStorage{
		values:       orderedmap.NewOrderedMap[crypto.NodeID, *StoredValue](),
		tokens:       tokens,
		ttl:          cfg.ValueTTL,
		maxValues:    cfg.MaxValues,
		timeProvider: cfg.TimeProvider,
	}
}

// Get returns a copy of the live item stored under target.
func (vs *ValueStorage) Get(target crypto.NodeID) (*StoredValue, error) {
	now := vs.timeProvider.Now()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	v, ok := vs.values.Get(target)
	if !ok || now.Sub(v.StoredAt) >= vs.ttl {
		return nil, ErrNotFound
	}
	return v.clone(), nil
}

// CheckToken reports whether token was issued to requester.
func (vs *ValueStorage) CheckToken(token []byte, requester netip.AddrPort) error {
	if vs.tokens == nil || !vs.tokens.Validate(token, requester) {
		return ErrTokenInvalid
	}
	return nil
}

// PutImmutable stores value under the SHA1 of its bencoded form and returns
// that target. Storing an identical value again refreshes its TTL.
func (vs *ValueStorage) PutImmutable(value []byte) (crypto.NodeID, error) {
	if err := validateValue(value); err != nil {
		return crypto.NodeID{}, err
	}
	target := crypto.ImmutableTarget(value)
	now := vs.timeProvider.Now()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.dropExpired(target, now)
	if existing, ok := vs.values.Get(target); ok {
		if existing.Mutable || !bytes.Equal(existing.Value, value) {
			return target, fmt.Errorf("%w: %s", ErrHashCollision, target)
		}
		existing.StoredAt = now
		vs.values.Delete(target)
		vs.values.Set(target, existing)
		return target, nil
	}

	vs.insert(&StoredValue{
		Target:   target,
		Value:    append([]byte(nil), value...),
		StoredAt: now,
	})
	return target, nil
}

// PutMutable applies a signed write from requester. Checks run in order:
// token, sizes, compare-and-swap, sequence number, signature.
func (vs *ValueStorage) PutMutable(put *MutablePut, token []byte, requester netip.AddrPort) error {
	if err := vs.CheckToken(token, requester); err != nil {
		return err
	}
	return vs.StoreMutable(put)
}

// StoreMutable applies a signed write without a token check. It is used
// for items this node publishes itself.
func (vs *ValueStorage) StoreMutable(put *MutablePut) error {
	if err := validateValue(put.Value); err != nil {
		return err
	}
	if err := limits.ValidateSalt(put.Salt); err != nil {
		return err
	}
	target := put.Target()
	now := vs.timeProvider.Now()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.dropExpired(target, now)
	existing, ok := vs.values.Get(target)
	if ok && !existing.Mutable {
		return fmt.Errorf("%w: %s", ErrHashCollision, target)
	}
	if put.CAS != nil && (!ok || existing.Seq != *put.CAS) {
		return ErrCASMismatch
	}
	if ok && put.Seq <= existing.Seq {
		return fmt.Errorf("%w: got %d, stored %d", ErrStaleSequence, put.Seq, existing.Seq)
	}
	if !crypto.VerifyMutable(put.PublicKey, put.Salt, put.Seq, put.Value, put.Signature) {
		return ErrSignatureInvalid
	}

	item := &StoredValue{
		Target:    target,
		Value:     append([]byte(nil), put.Value...),
		Mutable:   true,
		PublicKey: put.PublicKey,
		Seq:       put.Seq,
		Signature: put.Signature,
		StoredAt:  now,
	}
	if len(put.Salt) > 0 {
		item.Salt = append([]byte(nil), put.Salt...)
	}
	if ok {
		vs.values.Delete(target)
	}
	vs.insert(item)

	logrus.WithFields(logrus.Fields{
		"function": "StoreMutable",
		"target":   target.String(),
		"seq":      put.Seq,
	}).Debug("Stored mutable item")
	return nil
}

// dropExpired removes the item under target once its TTL has run out, so
// writes are never checked against a dead entry. Callers hold vs.mu.
func (vs *ValueStorage) dropExpired(target crypto.NodeID, now time.Time) {
	if v, ok := vs.values.Get(target); ok && now.Sub(v.StoredAt) >= vs.ttl {
		vs.values.Delete(target)
	}
}

// validateValue checks an item's bencoded form for size and canonical encoding.
func validateValue(value []byte) error {
	if err := limits.ValidateValue(value); err != nil {
		return err
	}
	return krpc.CanonicalValue(value)
}

// insert appends item, evicting the stalest entries beyond capacity.
// Callers hold vs.mu.
func (vs *ValueStorage) insert(item *StoredValue) {
	for vs.values.Len() >= vs.maxValues {
		vs.values.Delete(vs.values.Front().Key)
	}
	vs.values.Set(item.Target, item)
}

// Expire drops items not refreshed within the TTL.
func (vs *ValueStorage) Expire() int {
	now := vs.timeProvider.Now()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	removed := 0
	for front := vs.values.Front(); front != nil && now.Sub(front.Value.StoredAt) >= vs.ttl; front = vs.values.Front() {
		vs.values.Delete(front.Key)
		removed++
	}
	return removed
}

// Len returns the number of stored items.
func (vs *ValueStorage) Len() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.values.Len()
}

// Package crypto holds the identifiers and key material of the mainline DHT.
//
// # Identifiers
//
// [NodeID] is a 160-bit value used both for node ids and for the keys nodes
// store things under (info-hashes and BEP44 targets). Closeness is the XOR
// metric:
//
//	d := crypto.Distance(a, b)
//	if crypto.Closer(target, a, b) {
//	    // a is nearer to target than b
//	}
//
// [CommonPrefixLen] gives the number of leading bits two ids share, which
// is how the routing table picks a bucket.
//
// # BEP44 signatures
//
// Mutable items are signed with ed25519 over the buffer built by
// [SignatureBuffer]. [MutableTarget] and [ImmutableTarget] compute where an
// item is stored.
//
//	kp, _ := crypto.GenerateKeyPair()
//	sig := kp.SignMutable(salt, seq, value)
//	ok := crypto.VerifyMutable(kp.Public, salt, seq, value, sig)
//
// # Write tokens
//
// [TokenAuthority] issues the opaque tokens returned by get_peers and get,
// and validates them on announce_peer and put. Tokens are keyed blake2b
// digests of the requester's endpoint; a secret stays acceptable for one
// rotation after it is replaced, and is wiped once retired.
//
// # Time
//
// Components that expire state take a [TimeProvider] so tests can drive the
// clock.
package crypto

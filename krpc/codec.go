package krpc

import (
	"fmt"
	"net/netip"

	"github.com/opd-ai/mainline/crypto"
	"github.com/opd-ai/mainline/limits"
	"github.com/zeebo/bencode"
)

// Encode serializes m as a bencoded KRPC dictionary. Dictionary keys are
// emitted in sorted order, so the output is deterministic.
func Encode(m *Message) ([]byte, error) {
	if len(m.TransactionID) == 0 {
		return nil, fmt.Errorf("encode: missing transaction id")
	}

	dict := map[string]interface{}{
		"t": string(m.TransactionID),
		"y": string([]byte{byte(m.Kind)}),
	}
	if m.ReadOnly {
		dict["ro"] = int64(1)
	}
	if len(m.Version) > 0 {
		dict["v"] = string(m.Version)
	}
	if m.ClientAddr.IsValid() {
		dict["ip"] = string(AppendCompactPeer(nil, m.ClientAddr))
	}

	switch m.Kind {
	case KindQuery:
		if m.Method == "" || m.Args == nil {
			return nil, fmt.Errorf("encode: query without method or arguments")
		}
		args, err := encodeArgs(m.Method, m.Args)
		if err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		dict["q"] = string(m.Method)
		dict["a"] = args
	case KindResponse:
		if m.Return == nil {
			return nil, fmt.Errorf("encode: response without return values")
		}
		ret, err := encodeReturn(m.Return)
		if err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		dict["r"] = ret
	case KindError:
		if m.Err == nil {
			return nil, fmt.Errorf("encode: error reply without error")
		}
		dict["e"] = []interface{}{int64(m.Err.Code), m.Err.Message}
	default:
		return nil, fmt.Errorf("encode: unknown message kind %q", byte(m.Kind))
	}

	out, err := bencode.EncodeBytes(dict)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if err := limits.ValidateDatagram(out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func encodeArgs(method Method, a *Args) (map[string]interface{}, error) {
	d := map[string]interface{}{"id": string(a.ID[:])}
	switch method {
	case MethodFindNode, MethodGet, MethodSampleInfoHashes:
		d["target"] = string(a.Target[:])
	case MethodGetPeers:
		d["info_hash"] = string(a.InfoHash[:])
	case MethodAnnouncePeer:
		d["info_hash"] = string(a.InfoHash[:])
		d["port"] = int64(a.Port)
	}
	if a.Token != nil {
		d["token"] = string(a.Token)
	}
	if a.ImpliedPort {
		d["implied_port"] = int64(1)
	}
	if a.Value != nil {
		v, err := parseValue(a.Value)
		if err != nil {
			return nil, err
		}
		d["v"] = v
	}
	if a.Key != nil {
		d["k"] = string(a.Key[:])
	}
	if a.Signature != nil {
		d["sig"] = string(a.Signature[:])
	}
	if a.Seq != nil {
		d["seq"] = *a.Seq
	}
	if a.CAS != nil {
		d["cas"] = *a.CAS
	}
	if a.Salt != nil {
		d["salt"] = string(a.Salt)
	}
	return d, nil
}

func encodeReturn(r *Return) (map[string]interface{}, error) {
	d := map[string]interface{}{"id": string(r.ID[:])}
	if r.Nodes != nil {
		d["nodes"] = string(EncodeCompactNodes(r.Nodes))
	}
	if r.Nodes6 != nil {
		d["nodes6"] = string(EncodeCompactNodes(r.Nodes6))
	}
	if r.Values != nil {
		values := make([]interface{}, 0, len(r.Values))
		for _, p := range r.Values {
			values = append(values, string(AppendCompactPeer(nil, p)))
		}
		d["values"] = values
	}
	if r.Token != nil {
		d["token"] = string(r.Token)
	}
	if r.Value != nil {
		v, err := parseValue(r.Value)
		if err != nil {
			return nil, err
		}
		d["v"] = v
	}
	if r.Key != nil {
		d["k"] = string(r.Key[:])
	}
	if r.Signature != nil {
		d["sig"] = string(r.Signature[:])
	}
	if r.Seq != nil {
		d["seq"] = *r.Seq
	}
	if r.Samples != nil {
		buf := make([]byte, 0, len(r.Samples)*crypto.NodeIDSize)
		for _, s := range r.Samples {
			buf = append(buf, s[:]...)
		}
		d["samples"] = string(buf)
	}
	if r.Num != nil {
		d["num"] = *r.Num
	}
	if r.Interval != nil {
		d["interval"] = *r.Interval
	}
	return d, nil
}

// Decode parses a single KRPC datagram. Any structural problem yields a
// *DecodeError; unknown keys are ignored.
func Decode(data []byte) (*Message, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	var raw interface{}
	if err := bencode.DecodeBytes(data, &raw); err != nil {
		return nil, decodeErr("", fmt.Sprintf("invalid bencode: %v", err))
	}
	root, ok := raw.(map[string]interface{})
	if !ok {
		return nil, decodeErr("", "root is not a dictionary")
	}
	d := dict(root)

	m := &Message{}
	tid, ok, err := d.bytes("t")
	if err != nil {
		return nil, err
	}
	if !ok || len(tid) == 0 {
		return nil, decodeErr("t", "missing transaction id")
	}
	if len(tid) > limits.MaxTransactionIDSize {
		return nil, decodeErr("t", "transaction id too long")
	}
	m.TransactionID = tid

	y, ok, err := d.bytes("y")
	if err != nil {
		return nil, withTID(err, m)
	}
	if !ok || len(y) != 1 {
		return nil, withTID(decodeErr("y", "missing or invalid message type"), m)
	}
	m.Kind = Kind(y[0])

	if err := decodeEnvelope(d, m); err != nil {
		return nil, withTID(err, m)
	}

	switch m.Kind {
	case KindQuery:
		err = decodeQuery(d, m)
	case KindResponse:
		err = decodeResponse(d, m)
	case KindError:
		err = decodeError(d, m)
	default:
		err = decodeErr("y", fmt.Sprintf("unknown message type %q", y))
	}
	if err != nil {
		return nil, withTID(err, m)
	}
	return m, nil
}

func withTID(err error, m *Message) error {
	if de, ok := err.(*DecodeError); ok {
		de.TransactionID = m.TransactionID
		de.Kind = m.Kind
	}
	return err
}

func decodeEnvelope(d dict, m *Message) error {
	ro, ok, err := d.int("ro")
	if err != nil {
		return err
	}
	m.ReadOnly = ok && ro == 1

	if v, ok, err := d.bytes("v"); err != nil {
		return err
	} else if ok {
		m.Version = v
	}

	if ip, ok, err := d.bytes("ip"); err != nil {
		return err
	} else if ok {
		addr, perr := ParseCompactPeer(ip)
		if perr != nil {
			return decodeErr("ip", perr.Error())
		}
		m.ClientAddr = addr
	}
	return nil
}

func decodeQuery(d dict, m *Message) error {
	q, ok, err := d.bytes("q")
	if err != nil {
		return err
	}
	if !ok || len(q) == 0 {
		return decodeErr("q", "missing method name")
	}
	m.Method = Method(q)

	a, ok, err := d.dict("a")
	if err != nil {
		return err
	}
	if !ok {
		return decodeErr("a", "missing arguments")
	}
	args := &Args{}
	m.Args = args

	if args.ID, err = a.requireID("id"); err != nil {
		return err
	}

	switch m.Method {
	case MethodFindNode, MethodGet, MethodSampleInfoHashes:
		args.Target, err = a.requireID("target")
	case MethodGetPeers:
		args.InfoHash, err = a.requireID("info_hash")
	case MethodAnnouncePeer:
		err = decodeAnnounceArgs(a, args)
	case MethodPut:
		err = decodePutArgs(a, args)
	}
	return err
}

func decodeAnnounceArgs(a dict, args *Args) error {
	var err error
	if args.InfoHash, err = a.requireID("info_hash"); err != nil {
		return err
	}
	if args.Token, err = a.requireBytes("token"); err != nil {
		return err
	}
	implied, ok, err := a.int("implied_port")
	if err != nil {
		return err
	}
	args.ImpliedPort = ok && implied == 1

	port, ok, err := a.int("port")
	if err != nil {
		return err
	}
	if !ok && !args.ImpliedPort {
		return decodeErr("port", "missing port")
	}
	if ok && (port < 0 || port > 65535) {
		return decodeErr("port", "port out of range")
	}
	args.Port = int(port)
	return nil
}

func decodePutArgs(a dict, args *Args) error {
	var err error
	if args.Token, err = a.requireBytes("token"); err != nil {
		return err
	}
	v, ok, err := a.value("v")
	if err != nil {
		return err
	}
	if !ok {
		return decodeErr("v", "missing value")
	}
	args.Value = v

	if args.Salt, _, err = a.bytes("salt"); err != nil {
		return err
	}

	key, hasKey, err := a.bytes("k")
	if err != nil {
		return err
	}
	if !hasKey {
		return nil
	}
	if len(key) != crypto.PublicKeySize {
		return decodeErr("k", fmt.Sprintf("want %d bytes, got %d", crypto.PublicKeySize, len(key)))
	}
	args.Key = new(crypto.PublicKey)
	copy(args.Key[:], key)

	sig, err := a.requireBytes("sig")
	if err != nil {
		return err
	}
	if len(sig) != crypto.SignatureSize {
		return decodeErr("sig", fmt.Sprintf("want %d bytes, got %d", crypto.SignatureSize, len(sig)))
	}
	args.Signature = new(crypto.Signature)
	copy(args.Signature[:], sig)

	seq, ok, err := a.int("seq")
	if err != nil {
		return err
	}
	if !ok {
		return decodeErr("seq", "mutable put without sequence number")
	}
	args.Seq = &seq

	if cas, ok, err := a.int("cas"); err != nil {
		return err
	} else if ok {
		args.CAS = &cas
	}
	return nil
}

func decodeResponse(d dict, m *Message) error {
	r, ok, err := d.dict("r")
	if err != nil {
		return err
	}
	if !ok {
		return decodeErr("r", "missing return values")
	}
	ret := &Return{}
	m.Return = ret

	if ret.ID, err = r.requireID("id"); err != nil {
		return err
	}
	if ret.Nodes, err = r.nodes("nodes", CompactNodeV4Size); err != nil {
		return err
	}
	if ret.Nodes6, err = r.nodes("nodes6", CompactNodeV6Size); err != nil {
		return err
	}
	if ret.Values, err = r.peers("values"); err != nil {
		return err
	}
	if ret.Token, _, err = r.bytes("token"); err != nil {
		return err
	}
	if ret.Value, _, err = r.value("v"); err != nil {
		return err
	}

	if key, ok, err := r.bytes("k"); err != nil {
		return err
	} else if ok {
		if len(key) != crypto.PublicKeySize {
			return decodeErr("k", fmt.Sprintf("want %d bytes, got %d", crypto.PublicKeySize, len(key)))
		}
		ret.Key = new(crypto.PublicKey)
		copy(ret.Key[:], key)
	}
	if sig, ok, err := r.bytes("sig"); err != nil {
		return err
	} else if ok {
		if len(sig) != crypto.SignatureSize {
			return decodeErr("sig", fmt.Sprintf("want %d bytes, got %d", crypto.SignatureSize, len(sig)))
		}
		ret.Signature = new(crypto.Signature)
		copy(ret.Signature[:], sig)
	}
	if seq, ok, err := r.int("seq"); err != nil {
		return err
	} else if ok {
		ret.Seq = &seq
	}

	if samples, ok, err := r.bytes("samples"); err != nil {
		return err
	} else if ok {
		if len(samples)%crypto.NodeIDSize != 0 {
			return decodeErr("samples", "length is not a multiple of 20")
		}
		ret.Samples = make([]crypto.NodeID, 0, len(samples)/crypto.NodeIDSize)
		for off := 0; off < len(samples); off += crypto.NodeIDSize {
			ret.Samples = append(ret.Samples, crypto.NodeID(samples[off:off+crypto.NodeIDSize]))
		}
	}
	if num, ok, err := r.int("num"); err != nil {
		return err
	} else if ok {
		ret.Num = &num
	}
	if interval, ok, err := r.int("interval"); err != nil {
		return err
	} else if ok {
		ret.Interval = &interval
	}
	return nil
}

func decodeError(d dict, m *Message) error {
	raw, ok := d["e"]
	if !ok {
		return decodeErr("e", "missing error")
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) < 2 {
		return decodeErr("e", "error must be a list of code and message")
	}
	code, ok := asInt(list[0])
	if !ok {
		return decodeErr("e", "error code is not an integer")
	}
	msg, ok := asBytes(list[1])
	if !ok {
		return decodeErr("e", "error message is not a string")
	}
	if len(msg) > limits.MaxErrorMessage {
		msg = msg[:limits.MaxErrorMessage]
	}
	m.Err = &Error{Code: int(code), Message: string(msg)}
	return nil
}

// dict wraps a decoded bencode dictionary with typed accessors. Each
// accessor reports whether the key was present and fails on a type mismatch.
type dict map[string]interface{}

func (d dict) bytes(key string) ([]byte, bool, error) {
	v, ok := d[key]
	if !ok {
		return nil, false, nil
	}
	b, ok := asBytes(v)
	if !ok {
		return nil, true, decodeErr(key, "expected byte string")
	}
	return b, true, nil
}

// value re-encodes the item under key. The decoder only yields values the
// encoder can emit, and bencode has one canonical encoding per value.
func (d dict) value(key string) ([]byte, bool, error) {
	v, ok := d[key]
	if !ok {
		return nil, false, nil
	}
	raw, err := bencode.EncodeBytes(v)
	if err != nil {
		return nil, true, decodeErr(key, err.Error())
	}
	return raw, true, nil
}

func (d dict) requireBytes(key string) ([]byte, error) {
	b, ok, err := d.bytes(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, decodeErr(key, "missing")
	}
	return b, nil
}

func (d dict) int(key string) (int64, bool, error) {
	v, ok := d[key]
	if !ok {
		return 0, false, nil
	}
	n, ok := asInt(v)
	if !ok {
		return 0, true, decodeErr(key, "expected integer")
	}
	return n, true, nil
}

func (d dict) dict(key string) (dict, bool, error) {
	v, ok := d[key]
	if !ok {
		return nil, false, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, true, decodeErr(key, "expected dictionary")
	}
	return dict(m), true, nil
}

func (d dict) requireID(key string) (crypto.NodeID, error) {
	b, err := d.requireBytes(key)
	if err != nil {
		return crypto.NodeID{}, err
	}
	id, err := crypto.NodeIDFromBytes(b)
	if err != nil {
		return id, decodeErr(key, err.Error())
	}
	return id, nil
}

func (d dict) nodes(key string, entrySize int) ([]NodeInfo, error) {
	b, ok, err := d.bytes(key)
	if err != nil || !ok {
		return nil, err
	}
	nodes, err := DecodeCompactNodes(b, entrySize)
	if err != nil {
		return nil, decodeErr(key, err.Error())
	}
	return nodes, nil
}

func (d dict) peers(key string) ([]netip.AddrPort, error) {
	v, ok := d[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, decodeErr(key, "expected list")
	}
	peers := make([]netip.AddrPort, 0, len(list))
	for _, item := range list {
		b, ok := asBytes(item)
		if !ok {
			return nil, decodeErr(key, "peer entry is not a byte string")
		}
		addr, err := ParseCompactPeer(b)
		if err != nil {
			return nil, decodeErr(key, err.Error())
		}
		peers = append(peers, addr)
	}
	return peers, nil
}

func asBytes(v interface{}) ([]byte, bool) {
	switch s := v.(type) {
	case string:
		return []byte(s), true
	case []byte:
		return s, true
	}
	return nil, false
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

package krpc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// ErrInvalidValue rejects a BEP44 value that is not exactly one canonically
// bencoded item.
var ErrInvalidValue = errors.New("invalid bencoded value")

// BEP44 values travel as their bencoded form. Strings, integers, lists and
// dictionaries are all valid items; the raw encoding is what targets and
// signatures are computed over.

// EncodeValue bencodes v for use as an item value.
func EncodeValue(v interface{}) ([]byte, error) {
	out, err := bencode.EncodeBytes(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return out, nil
}

// StringValue returns the bencoded form of the byte string s.
func StringValue(s []byte) []byte {
	out := fmt.Appendf(nil, "%d:", len(s))
	return append(out, s...)
}

// CanonicalValue checks that raw holds a single bencoded item in canonical
// form, with sorted dictionary keys and nothing trailing.
func CanonicalValue(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidValue)
	}
	v, err := parseValue(raw)
	if err != nil {
		return err
	}
	out, err := bencode.EncodeBytes(v)
	if err != nil || !bytes.Equal(out, raw) {
		return fmt.Errorf("%w: not canonical", ErrInvalidValue)
	}
	return nil
}

func parseValue(raw []byte) (interface{}, error) {
	var v interface{}
	if err := bencode.DecodeBytes(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return v, nil
}

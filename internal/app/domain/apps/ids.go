package apps

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// IDLength is the byte length of object identifiers and addresses.
const IDLength = 32

// ObjectID identifies an object allocated by the environment.
type ObjectID [IDLength]byte

// Address identifies a deployed package.
type Address [IDLength]byte

// ParseObjectID parses a 0x-prefixed (or bare) hex string. Short input is
// left-padded with zeros, so "0x2" is a valid identifier.
func ParseObjectID(s string) (ObjectID, error) {
	b, err := parseHex32(s)
	if err != nil {
		return ObjectID{}, fmt.Errorf("parse object id: %w", err)
	}
	return ObjectID(b), nil
}

// MustObjectID is ParseObjectID that panics; intended for tests and constants.
func MustObjectID(s string) ObjectID {
	id, err := ParseObjectID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAddress parses a package address with the same rules as ParseObjectID.
func ParseAddress(s string) (Address, error) {
	b, err := parseHex32(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	return Address(b), nil
}

// MustAddress is ParseAddress that panics; intended for tests and constants.
func MustAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func parseHex32(s string) ([IDLength]byte, error) {
	var out [IDLength]byte
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return out, fmt.Errorf("empty hex string")
	}
	if len(s) > IDLength*2 {
		return out, fmt.Errorf("hex string longer than %d bytes", IDLength)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[IDLength-len(raw):], raw)
	return out, nil
}

// String returns the 0x-prefixed, zero-padded hex form.
func (id ObjectID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// IsZero reports whether id is the all-zero placeholder.
func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// MarshalText implements encoding.TextMarshaler.
func (id ObjectID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ObjectID) UnmarshalText(text []byte) error {
	parsed, err := ParseObjectID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// String returns the 0x-prefixed, zero-padded hex form.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

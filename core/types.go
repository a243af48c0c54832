package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Address is an account identifier: the hex of a compressed secp256k1
// public key. There is no separate hashed-address derivation step; the
// public key itself is the address.
type Address [33]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// Bytes returns the raw 33 bytes of a.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether a is the zero address (no keypair maps to this).
func (a Address) IsZero() bool { return a == Address{} }

// AddressFromBytes builds an Address from a 33-byte compressed pubkey.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, fmt.Errorf("address: expected %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromHex decodes a hex-encoded compressed pubkey (with or without
// a 0x prefix) into an Address.
func AddressFromHex(s string) (Address, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: %w", err)
	}
	return AddressFromBytes(b)
}

// MarshalJSON renders the address as its hex string, the only form it
// takes on the wire.
func (a Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Address) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	v, err := AddressFromHex(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AddressZero is the sentinel zero-value address used where no real
// counterparty exists (e.g. documenting an unset recipient).
var AddressZero = Address{}

// Hash is a 32-byte digest.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns the raw 32 bytes of h.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalJSON renders the hash as its hex string, the only form it takes
// on the wire.
func (h Hash) MarshalJSON() ([]byte, error) { return json.Marshal(h.String()) }

func (h *Hash) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	v, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// HashFromHex decodes a hex string (with or without 0x prefix) into a Hash.
func HashFromHex(s string) (Hash, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, hexLenErr
	}
	copy(h[:], b)
	return h, nil
}

var hexLenErr = hexLenError{}

type hexLenError struct{}

func (hexLenError) Error() string { return "hash: wrong decoded length" }

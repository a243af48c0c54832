package core

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyPair is a secp256k1 identity: the private key and the address it
// derives (the hex of its own compressed public key — there is no
// separate hashed-address step).
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Address Address
}

// GenerateKeyPair creates a fresh secp256k1 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return keyPairFrom(priv)
}

// KeyPairFromHex rebuilds a keypair from a hex-encoded private scalar,
// the format LoadOrCreateIdentity stores under NodeIDKey.
func KeyPairFromHex(hexKey string) (*KeyPair, error) {
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return keyPairFrom(priv)
}

func keyPairFrom(priv *ecdsa.PrivateKey) (*KeyPair, error) {
	addr, err := AddressFromPriv(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Address: addr}, nil
}

// AddressFromPriv derives the address (compressed public key) belonging
// to priv, the same derivation a signer runs on itself before stamping
// Caller onto a transaction.
func AddressFromPriv(priv *ecdsa.PrivateKey) (Address, error) {
	return AddressFromBytes(crypto.CompressPubkey(&priv.PublicKey))
}

// SHA256 is the canonical 32-byte digest used for transaction hashing and
// block mining.
func SHA256(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Sign returns a 64-byte compact ECDSA signature (R||S) over digest.
func Sign(digest Hash, priv *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig[:64], nil
}

// Verify checks a 64-byte compact signature over digest against the
// public key encoded by addr.
func Verify(addr Address, digest Hash, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("verify: signature must be 64 bytes, got %d", len(sig))
	}
	if !crypto.VerifySignature(addr[:], digest[:], sig) {
		return fmt.Errorf("verify: signature does not match digest")
	}
	return nil
}

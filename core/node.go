package core

import (
	"fmt"

	"pbftchain/internal/errs"
)

// LoadOrCreateIdentity returns this replica's operator keypair, rebuilding
// it from the hex private scalar stored under the node partition's
// reserved NodeIDKey if present, or minting a fresh keypair and persisting
// that hex scalar if this is the first time the node has started.
// Settlement credits gas to the address of this keypair.
func LoadOrCreateIdentity(store KVStore) (*KeyPair, error) {
	raw, err := store.Get(NodeIDKey)
	if err == nil {
		kp, err := KeyPairFromHex(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: node identity: %v", errs.Fatal, err)
		}
		return kp, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return nil, fmt.Errorf("%w: load node identity: %v", errs.Fatal, err)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: mint node identity: %v", errs.Fatal, err)
	}
	if err := store.Set(NodeIDKey, []byte(hexPrivKey(kp))); err != nil {
		return nil, fmt.Errorf("%w: persist node identity: %v", errs.Fatal, err)
	}
	return kp, nil
}

func hexPrivKey(kp *KeyPair) string {
	var buf [32]byte
	kp.Private.D.FillBytes(buf[:])
	return fmt.Sprintf("%x", buf[:])
}

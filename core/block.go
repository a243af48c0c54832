package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"pbftchain/internal/chainparams"
)

// Block is one sealed entry in the chain: its id, its proof-of-work
// digest, the previous block's digest, and the set of transaction
// hashes it carries (the batch whose AuthTree root PBFT agreed on).
type Block struct {
	ID           uint64
	PublicHash   string
	PreviousHash string
	Timestamp    int64
	Nonce        uint64
	Transactions []string
	BatchRoot    Hash

	// PrivateHash is populated only on the private sub-chain variant; the
	// main chain leaves it nil.
	PrivateHash *string `json:",omitempty"`
	// NodeVerifier records the leader's identity that sealed this block,
	// an attestation a replica can display but does not need to verify
	// beyond the seal digest itself.
	NodeVerifier *string `json:",omitempty"`
}

// sealDigest hashes exactly the fields the difficulty seal is defined
// over: id, previous hash, timestamp and nonce. BatchRoot is carried on
// Block as a plain field (PBFT has already agreed on it before sealing
// begins) but is deliberately not folded into this digest.
func sealDigest(id uint64, previousHash string, timestamp int64, nonce uint64) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	h.Write(buf[:])
	h.Write([]byte(previousHash))
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashToBinary renders each byte of hash as an unpadded binary digit
// string and concatenates them. Leading zero bits of each byte are
// dropped, so the result is not the digest's bit-for-bit expansion: a zero
// byte renders as "0" and any other byte starts with "1". A prefix of "00"
// therefore requires the first two bytes of the digest to be zero.
func hashToBinary(hash []byte) string {
	var b strings.Builder
	for _, c := range hash {
		fmt.Fprintf(&b, "%b", c)
	}
	return b.String()
}

// sealBlock mines a nonce such that sha256(id, previousHash, timestamp,
// nonce), viewed as a binary string, starts with prefix. This is the
// node's proof-of-work step before a sealed block is gossiped for the
// PBFT commit phase.
func sealBlock(id uint64, previousHash string, timestamp int64, prefix string) (nonce uint64, publicHash string) {
	for n := uint64(0); ; n++ {
		digest := sealDigest(id, previousHash, timestamp, n)
		if strings.HasPrefix(hashToBinary(digest[:]), prefix) {
			return n, fmt.Sprintf("%x", digest)
		}
	}
}

// IsValid checks block against its claimed predecessor: linkage, proof
// of work, monotonic id, and hash recomputation, in that order.
func (b *Block) IsValid(previous *Block, params chainparams.Params) error {
	if b.PreviousHash != previous.PublicHash {
		return fmt.Errorf("block %d: previous hash mismatch", b.ID)
	}
	decoded, err := hex.DecodeString(b.PublicHash)
	if err != nil {
		return fmt.Errorf("block %d: bad hash encoding: %w", b.ID, err)
	}
	if !strings.HasPrefix(hashToBinary(decoded), params.DifficultyPrefix) {
		return fmt.Errorf("block %d: difficulty prefix not met", b.ID)
	}
	if b.ID != previous.ID+1 {
		return fmt.Errorf("block %d: not successor of %d", b.ID, previous.ID)
	}
	digest := sealDigest(b.ID, b.PreviousHash, b.Timestamp, b.Nonce)
	if fmt.Sprintf("%x", digest) != b.PublicHash {
		return fmt.Errorf("block %d: hash does not match contents", b.ID)
	}
	return nil
}

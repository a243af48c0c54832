package core

// GenesisPublicHash is the well-known hash every replica stamps onto
// block 0, so two replicas starting from an empty store agree on the
// head of the chain without having to gossip for it.
const GenesisPublicHash = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisPreviousHash is the sentinel "previous hash" genesis carries;
// no real block ever produces this digest, so it can never be mistaken
// for a predecessor other than genesis itself.
const GenesisPreviousHash = "00Genesis"

// GenesisBlock returns the fixed first block every replica starts from.
func GenesisBlock() *Block {
	return &Block{
		ID:           0,
		PublicHash:   GenesisPublicHash,
		PreviousHash: GenesisPreviousHash,
		Timestamp:    0,
		Nonce:        0,
		Transactions: nil,
	}
}

// Package chainparams centralises the constants that differ between the
// public and private chain variants (topic names, difficulty prefix,
// batch size). The node runs the main chain by default and the private
// variant under --private; keeping these as data rather than hard-coded
// literals means the variant is selected without touching consensus
// logic.
package chainparams

// Params bundles the values that differ between chain variants.
type Params struct {
	// DifficultyPrefix is the required prefix of a sealed block's digest
	// rendered as a binary-digit string (hashToBinary).
	DifficultyPrefix string
	// PrePrepareTopic carries PBFT block pre-prepare proposals.
	PrePrepareTopic string
	// PrepareTopic carries the transaction-admit protocol's prepared
	// phase (despite the name, this is the txn_pbft_prepared topic, not
	// the block-level prepare phase the core doesn't use independently).
	PrepareTopic string
	// CommitTopic carries the transaction-admit protocol's commit phase
	// (txn_pbft_commit).
	CommitTopic string
	// BlockCommitTopic carries leader-sealed blocks for the block-level
	// commit phase (block_pbft_commit).
	BlockCommitTopic string
	// CreateBlocksTopic re-broadcasts appended blocks so lagging peers
	// catch up.
	CreateBlocksTopic string
	// ChainsTopic carries whole-chain exchanges for longest-chain
	// catch-up.
	ChainsTopic string
	// AccountCreationTopic replicates newly created accounts.
	AccountCreationTopic string
	// MaxBatchSize bounds how many mempool transactions a proposer may
	// pull into one block.
	MaxBatchSize int
}

// Main returns the parameter set for the public main chain.
func Main() Params {
	return Params{
		DifficultyPrefix:     "00",
		PrePrepareTopic:      "block_pbft_pre_prepared",
		PrepareTopic:         "txn_pbft_prepared",
		CommitTopic:          "txn_pbft_commit",
		BlockCommitTopic:     "block_pbft_commit",
		CreateBlocksTopic:    "create_blocks",
		ChainsTopic:          "chains",
		AccountCreationTopic: "account_creation",
		MaxBatchSize:         5,
	}
}

// Private returns the parameter set for the private sub-chain variant:
// a different difficulty prefix and a disjoint topic namespace, with the
// engine itself unchanged. Selected by the node command's --private
// flag.
func Private() Params {
	return Params{
		DifficultyPrefix:     "10",
		PrePrepareTopic:      "private_block_pbft_pre_prepared",
		PrepareTopic:         "private_txn_pbft_prepared",
		CommitTopic:          "private_txn_pbft_commit",
		BlockCommitTopic:     "private_block_pbft_commit",
		CreateBlocksTopic:    "private_create_blocks",
		ChainsTopic:          "private_chains",
		AccountCreationTopic: "private_account_creation",
		MaxBatchSize:         5,
	}
}

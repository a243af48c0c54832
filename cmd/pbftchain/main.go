package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "pbftchain/cmd/config"
	"pbftchain/core"
	"pbftchain/internal/chainparams"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "pbftchain"}
	root.AddCommand(nodeCmd())
	root.AddCommand(walletCmd())
	root.AddCommand(txCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.AppConfig.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

// nodeCmd starts a full replica: storage, identity, mempool, gossip, and
// the PBFT engine driving it, fronted by the RPC gateway.
func nodeCmd() *cobra.Command {
	var env, dbPath, listenAddr, apiAddr string
	var private bool

	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a PBFT replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.LoadConfig(env)
			log := newLogger()

			if dbPath == "" {
				dbPath = cfg.AppConfig.Storage.DBPath
			}
			if listenAddr == "" {
				listenAddr = cfg.AppConfig.Network.ListenAddr
			}

			store, err := core.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			nodeStore := store.Partition(core.PartitionNode)
			self, err := core.LoadOrCreateIdentity(nodeStore)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			log.WithField("address", self.Address).Info("replica identity")

			ledger, err := core.NewAccountBook(store.Partition(core.PartitionAccount))
			if err != nil {
				return fmt.Errorf("open account book: %w", err)
			}

			params := chainparams.Main()
			if private {
				params = chainparams.Private()
			}
			if prefix := cfg.AppConfig.Difficulty.Prefix; prefix != "" {
				params.DifficultyPrefix = prefix
			}

			chain, err := core.OpenChainReplica(store.Partition(core.PartitionBlocks), params, log)
			if err != nil {
				return fmt.Errorf("open chain replica: %w", err)
			}

			txStore := core.NewTransactionStore(store.Partition(core.PartitionTransactions))
			mempoolSize := 1024
			if cfg.AppConfig.Mempool.MaxSize > 0 {
				mempoolSize = cfg.AppConfig.Mempool.MaxSize
			}
			mempool := core.NewMempool(ledger, log, mempoolSize)

			wasmHost := core.NewWASMHost(log)
			if cfg.AppConfig.WASM.MemoryLimitPages > 0 {
				wasmHost.SetMemoryLimit(uint64(cfg.AppConfig.WASM.MemoryLimitPages))
			}
			contracts := core.NewContractRegistry(store.Partition(core.PartitionContract), wasmHost)

			net, err := core.NewGossipLayer(listenAddr, cfg.AppConfig.Network.DiscoveryTag, log)
			if err != nil {
				return fmt.Errorf("start gossip layer: %w", err)
			}
			defer net.Close()
			if len(cfg.AppConfig.Network.BootstrapPeers) > 0 {
				if err := net.DialSeed(cfg.AppConfig.Network.BootstrapPeers); err != nil {
					log.WithError(err).Warn("dial bootstrap peers failed")
				}
			}

			engine, err := core.NewPBFTEngine(net.ID(), self, net, mempool, txStore, ledger, chain, params, log)
			if err != nil {
				return fmt.Errorf("start pbft engine: %w", err)
			}
			if cfg.AppConfig.PBFT.BlockPeriodSeconds > 0 {
				engine.SetBlockPeriod(time.Duration(cfg.AppConfig.PBFT.BlockPeriodSeconds) * time.Second)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				log.Info("shutdown requested")
				cancel()
			}()

			go func() {
				if err := engine.Start(ctx); err != nil {
					log.WithError(err).Error("consensus engine stopped")
				}
			}()

			if cfg.AppConfig.Network.RPCEnabled {
				api := core.NewAPINode(ledger, txStore, contracts, mempool, chain, engine, net, params, log)
				go func() {
					if err := api.Start(apiAddr); err != nil {
						log.WithError(err).Error("api server stopped")
					}
				}()
				defer api.Stop()
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay (e.g. bootstrap)")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the node's bbolt database (overrides config)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "libp2p listen multiaddr (overrides config)")
	cmd.Flags().StringVar(&apiAddr, "api", ":8080", "HTTP address for the RPC gateway")
	cmd.Flags().BoolVar(&private, "private", false, "run as a private sub-chain replica")
	return cmd
}

// walletCmd offers the wallet-creation convenience the RPC surface also
// exposes via /create-wallet, for operators who prefer a local CLI over
// a round trip to a running node.
func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "generate a new keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := core.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Printf("address:     %s\n", kp.Address)
			fmt.Printf("private_key: %x\n", kp.Private.D.Bytes())
			return nil
		},
	})
	return cmd
}

// txCmd builds and signs a transaction entirely offline, printing its
// hash, caller and signature. The transaction is not stored or submitted
// anywhere, so no running node knows its hash.
func txCmd() *cobra.Command {
	var to, value, privateKey string
	var txType uint8

	cmd := &cobra.Command{
		Use:   "tx",
		Short: "build and sign a transfer offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := core.KeyPairFromHex(privateKey)
			if err != nil {
				return fmt.Errorf("bad private key: %w", err)
			}
			toAddr, err := core.AddressFromHex(to)
			if err != nil {
				return fmt.Errorf("bad recipient: %w", err)
			}
			amount, ok := new(big.Int).SetString(value, 10)
			if !ok {
				return fmt.Errorf("bad value %q", value)
			}
			tx := &core.Transaction{
				TxnType:   core.TxType(txType),
				To:        toAddr,
				Value:     amount,
				Timestamp: 0,
			}
			if err := tx.Sign(kp.Private); err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			fmt.Printf("hash:      %s\n", tx.TxnHash)
			fmt.Printf("caller:    %s\n", tx.Caller)
			fmt.Printf("signature: %x\n", tx.Signature)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&value, "value", "0", "transfer amount")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "caller's private key (hex)")
	cmd.Flags().Uint8Var(&txType, "type", 0, "transaction type (0=transfer,1=create,2=call)")
	_ = cmd.MarkFlagRequired("private-key")
	return cmd
}

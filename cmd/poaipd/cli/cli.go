// Package cli builds the poaipd root command, grounded on the teacher's
// cmd/empower1d/cli/cli.go cobra wiring: a root command with no default
// action, plus a handful of subcommands operating on the node's local
// state.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/poaip/poaipd/internal/config"
	"github.com/poaip/poaipd/internal/logging"
	"github.com/poaip/poaipd/internal/node"
)

// NewCLI builds the poaipd root command.
func NewCLI() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "poaipd",
		Short: "poaipd runs a Proof-of-AI-Participation consensus node.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the node's JSON configuration file")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newPrintChainCmd(&configPath))
	return rootCmd
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node and serve it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logging.New("node")

			n, err := node.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			log.Infow("node started", "network_id", cfg.NetworkId, "listen_addr", cfg.ListenAddr)

			<-ctx.Done()
			log.Infow("shutdown signal received, stopping")
			return n.Stop()
		},
	}
}

func newInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a template configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := json.MarshalIndent(templateConfig(), "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, raw, 0o644); err != nil {
				return fmt.Errorf("write template config: %w", err)
			}
			fmt.Printf("wrote template configuration to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "config.json", "path to write the generated configuration")
	return cmd
}

// templateConfig mirrors internal/config.Config's JSON tags with
// reasonable devnet defaults; liquidity/burn/maintenance/developer
// addresses are left blank since they are network-specific.
func templateConfig() map[string]any {
	return map[string]any{
		"network_id":                  "poaip-devnet",
		"role":                        "AINode",
		"data_dir":                    "./data/poaip-devnet",
		"key_file":                    "",
		"block_period_ms":             5000,
		"round_timeout_ms":            2000,
		"round_restart_delay_ms":      500,
		"halving_period_blocks":       210000,
		"initial_reward":              "50",
		"initial_split_burn":          "0.50",
		"initial_split_maintenance":   "0.25",
		"initial_split_liquidity":     "0.25",
		"split_decrement_per_halving": "0.05",
		"pioneer_count":               4,
		"initial_liquidity_amount":    "1000000",
		"liquidity_address":           "",
		"burn_address":                "",
		"maintenance_address":         "",
		"developer_address":           "",
		"listen_addr":                 ":30333",
		"bootstrap_peers":             []string{},
		"max_peers":                   32,
		"peer_low_water_mark":         8,
		"heartbeat_interval_ms":       5000,
		"reconnect_backoff_min_ms":    1000,
		"reconnect_backoff_max_ms":    60000,
		"pool_capacity_txs":           10000,
		"max_txs_per_block":           200,
		"reputation_decay_per_day":    "0.05",
		"api_addr":                    ":8080",
		"directory_url":               "",
		"coordinator_address":         "",
		"solver_url":                  "",
	}
}

func newPrintChainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "printchain",
		Short: "Print every committed block in the node's local chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := node.OpenLedgerReadOnly(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.BlockAt(0); err != nil {
				fmt.Println("chain is empty, genesis has not yet formed")
				return nil
			}

			for h := store.Tip().Height; ; h-- {
				blk, err := store.BlockAt(h)
				if err != nil {
					return err
				}
				id, err := blk.Id()
				if err != nil {
					return err
				}
				fmt.Printf("Height: %d\n", blk.Height)
				fmt.Printf("Hash: %s\n", id)
				fmt.Printf("Parent: %s\n", blk.ParentHash)
				fmt.Printf("Proposer: %s\n", blk.ProposerId)
				fmt.Printf("Transactions: %d\n\n", len(blk.Transactions))
				if h == 0 {
					break
				}
			}
			return nil
		},
	}
}

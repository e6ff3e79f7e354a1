// Package config loads and validates the single JSON configuration file
// every PoAIP node reads at startup (spec §6 "Configuration").
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/poaip/poaipd/internal/types"
)

// Config is the full set of options a node needs before it can start.
type Config struct {
	NetworkId string     `json:"network_id"`
	Role      types.Role `json:"-"`
	RoleStr   string     `json:"role"`

	DataDir string `json:"data_dir"`
	KeyFile string `json:"key_file"`

	BlockPeriodMs    int64 `json:"block_period_ms"`
	RoundTimeoutMs   int64 `json:"round_timeout_ms"`
	RoundRestartMs   int64 `json:"round_restart_delay_ms"`
	HalvingPeriod    uint64 `json:"halving_period_blocks"`

	InitialReward            string  `json:"initial_reward"`
	InitialSplitBurn         string  `json:"initial_split_burn"`
	InitialSplitMaintenance  string  `json:"initial_split_maintenance"`
	InitialSplitLiquidity    string  `json:"initial_split_liquidity"`
	SplitDecrementPerHalving string  `json:"split_decrement_per_halving"`

	PioneerCount           int    `json:"pioneer_count"`
	InitialLiquidityAmount string `json:"initial_liquidity_amount"`

	LiquidityAddress   string `json:"liquidity_address"`
	BurnAddress        string `json:"burn_address"`
	MaintenanceAddress string `json:"maintenance_address"`
	DeveloperAddress   string `json:"developer_address"`

	ListenAddr            string   `json:"listen_addr"`
	Bootstrap             []string `json:"bootstrap_peers"`
	MaxPeers              int      `json:"max_peers"`
	PeerLowWaterMark      int      `json:"peer_low_water_mark"`
	HeartbeatIntervalMs   int64    `json:"heartbeat_interval_ms"`
	ReconnectBackoffMinMs int64    `json:"reconnect_backoff_min_ms"`
	ReconnectBackoffMaxMs int64    `json:"reconnect_backoff_max_ms"`

	PoolCapacityTxs int `json:"pool_capacity_txs"`
	MaxTxsPerBlock  int `json:"max_txs_per_block"`

	ReputationDecayPerDay string `json:"reputation_decay_per_day"`

	APIAddr string `json:"api_addr"`

	DirectoryURL       string `json:"directory_url"`
	CoordinatorAddress string `json:"coordinator_address"`
	SolverURL          string `json:"solver_url"`
}

// Load reads and validates a Config from a JSON file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.resolveAndValidate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolveAndValidate() error {
	switch c.RoleStr {
	case "AINode", "":
		c.Role = types.RoleAINode
		c.RoleStr = "AINode"
	case "Observer":
		c.Role = types.RoleObserver
	default:
		return fmt.Errorf("config: unknown role %q", c.RoleStr)
	}
	if c.NetworkId == "" {
		return fmt.Errorf("config: network_id is required")
	}
	if c.BlockPeriodMs <= 0 {
		return fmt.Errorf("config: block_period_ms must be positive")
	}
	if c.RoundTimeoutMs <= 0 || c.RoundTimeoutMs >= c.BlockPeriodMs {
		return fmt.Errorf("config: round_timeout_ms must be positive and less than block_period_ms")
	}
	if c.RoundRestartMs <= 0 {
		c.RoundRestartMs = 500
	}
	if c.HalvingPeriod == 0 {
		return fmt.Errorf("config: halving_period_blocks must be positive")
	}
	if c.PioneerCount <= 0 {
		return fmt.Errorf("config: pioneer_count must be positive")
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 32
	}
	if c.PeerLowWaterMark <= 0 {
		c.PeerLowWaterMark = c.MaxPeers / 4
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = 5000
	}
	if c.ReconnectBackoffMinMs <= 0 {
		c.ReconnectBackoffMinMs = 1000
	}
	if c.ReconnectBackoffMaxMs <= 0 {
		c.ReconnectBackoffMaxMs = 60000
	}
	if c.PoolCapacityTxs <= 0 {
		c.PoolCapacityTxs = 10000
	}
	if c.MaxTxsPerBlock <= 0 {
		c.MaxTxsPerBlock = 100
	}
	if c.DataDir == "" {
		c.DataDir = "./data/" + c.NetworkId
	}
	if c.KeyFile == "" {
		c.KeyFile = c.DataDir + "/node.pem"
	}
	if c.ReputationDecayPerDay == "" {
		c.ReputationDecayPerDay = "0.05"
	}
	if c.LiquidityAddress == "" || c.BurnAddress == "" || c.MaintenanceAddress == "" || c.DeveloperAddress == "" {
		return fmt.Errorf("config: liquidity_address, burn_address, maintenance_address and developer_address are all required")
	}
	return nil
}

// SystemAddresses returns the fixed-order (liquidity, burn, maintenance,
// developer) address set credited by the genesis block (spec §4.5).
func (c *Config) SystemAddresses() [4]types.Address {
	return [4]types.Address{
		types.Address(c.LiquidityAddress),
		types.Address(c.BurnAddress),
		types.Address(c.MaintenanceAddress),
		types.Address(c.DeveloperAddress),
	}
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the JSON configuration of a collateral/liquidity
// ledger pair and converts human-readable amounts into token base units.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/shopspring/decimal"
)

// Messenger modes.
const (
	ModeDev   = "dev"
	ModeLocal = "local"
	ModeNATS  = "nats"
)

const maxBps = 10_000

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrInvalidAmount = errors.New("invalid amount")
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("90s", "1h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Token identifies an asset and the decimals its amounts are written in.
type Token struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Amount converts a decimal string to base units of t.
func (t Token) Amount(s string) (*big.Int, error) {
	return ParseAmount(s, t.Decimals)
}

// CollateralConfig configures the collateral-side ledger and its custody.
type CollateralConfig struct {
	ChainID uint64         `json:"chainID"`
	Ledger  common.Address `json:"ledger"`
	Admin   common.Address `json:"admin"`
	Manager common.Address `json:"manager,omitempty"`
	Token   Token          `json:"token"`
	Receipt common.Address `json:"receipt"`
	Vault   common.Address `json:"vault"`

	MaxLtvBps      uint64   `json:"maxLtvBps,omitempty"`
	OracleTimeout  Duration `json:"oracleTimeout,omitempty"`
	ShareTolerance string   `json:"shareTolerance,omitempty"`
	// VaultLimit caps total custody; empty means unlimited.
	VaultLimit string `json:"vaultLimit,omitempty"`
}

// LiquidityConfig configures the liquidity-side ledger.
type LiquidityConfig struct {
	ChainID uint64         `json:"chainID"`
	Ledger  common.Address `json:"ledger"`
	Admin   common.Address `json:"admin"`
	Stable  Token          `json:"stable"`

	MaxLtvBps     uint64   `json:"maxLtvBps,omitempty"`
	CommissionBps uint64   `json:"commissionBps,omitempty"`
	OracleTimeout Duration `json:"oracleTimeout,omitempty"`
	// Reserve is the stable balance the ledger starts with.
	Reserve   string           `json:"reserve,omitempty"`
	Operators []common.Address `json:"operators,omitempty"`
	// DirectLink settles by calling the collateral ledger directly. Both
	// ledgers must then share a chain.
	DirectLink bool `json:"directLink,omitempty"`
	// TermsHash, when set, must be accepted by a borrower before funding.
	TermsHash common.Hash `json:"termsHash,omitempty"`
}

// OracleConfig seeds the price feed both ledgers read.
type OracleConfig struct {
	Decimals uint8  `json:"decimals"`
	Price    string `json:"price"`
}

// BridgeConfig configures the settlement adapter and its collaborators.
type BridgeConfig struct {
	Adapter common.Address `json:"adapter"`
	Relayer common.Address `json:"relayer"`
	Venue   common.Address `json:"venue"`

	MaxPerOperation string           `json:"maxPerOperation,omitempty"`
	MaxSlippageBps  uint64           `json:"maxSlippageBps,omitempty"`
	VenueRate       string           `json:"venueRate,omitempty"`
	VenueInventory  string           `json:"venueInventory,omitempty"`
	Operators       []common.Address `json:"operators,omitempty"`
	Attestors       []common.Address `json:"attestors,omitempty"`
}

// MessengerConfig selects and prices the transport between the ledgers.
type MessengerConfig struct {
	Mode              string         `json:"mode"`
	NATSURL           string         `json:"natsURL,omitempty"`
	CollateralAdapter common.Address `json:"collateralAdapter"`
	LiquidityAdapter  common.Address `json:"liquidityAdapter"`
	FeeSink           common.Address `json:"feeSink,omitempty"`

	// Fees are in native units with 18 decimals.
	BaseFee     string   `json:"baseFee,omitempty"`
	PerByteFee  string   `json:"perByteFee,omitempty"`
	MinFee      string   `json:"minFee,omitempty"`
	MaxFee      string   `json:"maxFee,omitempty"`
	Prefund     string   `json:"prefund,omitempty"`
	SendTimeout Duration `json:"sendTimeout,omitempty"`
}

// Config is the full configuration of a ledger pair.
type Config struct {
	Collateral  CollateralConfig `json:"collateral"`
	Liquidity   LiquidityConfig  `json:"liquidity"`
	Oracle      OracleConfig     `json:"oracle"`
	Bridge      BridgeConfig     `json:"bridge"`
	Messenger   MessengerConfig  `json:"messenger"`
	MetricsAddr string           `json:"metricsAddr,omitempty"`
}

// Load reads and verifies the JSON config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes and verifies a JSON config.
func Parse(raw []byte) (*Config, error) {
	cfg := new(Config)
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a dev configuration: WBTC-style collateral on one chain,
// a USD stable on another, delivered through the in-process dev messenger.
func Default() *Config {
	return &Config{
		Collateral: CollateralConfig{
			ChainID:        96369,
			Ledger:         common.HexToAddress("0x0C01"),
			Admin:          common.HexToAddress("0xAD"),
			Manager:        common.HexToAddress("0xAD"),
			Token:          Token{Address: common.HexToAddress("0xB7C"), Decimals: 18},
			Receipt:        common.HexToAddress("0x0C02"),
			Vault:          common.HexToAddress("0x0C03"),
			MaxLtvBps:      7_000,
			OracleTimeout:  Duration(time.Hour),
			ShareTolerance: "0",
		},
		Liquidity: LiquidityConfig{
			ChainID:       8453,
			Ledger:        common.HexToAddress("0x1C01"),
			Admin:         common.HexToAddress("0xAD"),
			Stable:        Token{Address: common.HexToAddress("0x5AB1E"), Decimals: 18},
			MaxLtvBps:     7_000,
			CommissionBps: 100,
			OracleTimeout: Duration(time.Hour),
			Reserve:       "1000000",
			Operators:     []common.Address{common.HexToAddress("0x0be7")},
		},
		Oracle: OracleConfig{Decimals: 8, Price: "20000"},
		Bridge: BridgeConfig{
			Adapter:         common.HexToAddress("0x0C04"),
			Relayer:         common.HexToAddress("0x0C05"),
			Venue:           common.HexToAddress("0x0C06"),
			MaxPerOperation: "100",
			MaxSlippageBps:  300,
			VenueRate:       "20000",
			VenueInventory:  "10000000",
			Operators:       []common.Address{common.HexToAddress("0x0be7")},
		},
		Messenger: MessengerConfig{
			Mode:              ModeDev,
			CollateralAdapter: common.HexToAddress("0x0C07"),
			LiquidityAdapter:  common.HexToAddress("0x1C07"),
			FeeSink:           common.HexToAddress("0xFEE"),
			BaseFee:           "0.0001",
			PerByteFee:        "0.000001",
			Prefund:           "1",
			SendTimeout:       Duration(5 * time.Second),
		},
		MetricsAddr: ":9464",
	}
}

// Verify checks the config is internally consistent.
func (c *Config) Verify() error {
	zero := common.Address{}
	switch {
	case c.Collateral.Ledger == zero || c.Collateral.Admin == zero || c.Collateral.Token.Address == zero:
		return fmt.Errorf("%w: collateral ledger, admin and token are required", ErrInvalidConfig)
	case c.Collateral.Receipt == zero || c.Collateral.Vault == zero:
		return fmt.Errorf("%w: collateral receipt and vault are required", ErrInvalidConfig)
	case c.Liquidity.Ledger == zero || c.Liquidity.Admin == zero || c.Liquidity.Stable.Address == zero:
		return fmt.Errorf("%w: liquidity ledger, admin and stable are required", ErrInvalidConfig)
	case c.Collateral.MaxLtvBps > maxBps || c.Liquidity.MaxLtvBps > maxBps:
		return fmt.Errorf("%w: max ltv above %d bps", ErrInvalidConfig, maxBps)
	case c.Bridge.MaxSlippageBps >= maxBps:
		return fmt.Errorf("%w: max slippage must be below %d bps", ErrInvalidConfig, maxBps)
	case c.Bridge.Adapter == zero || c.Bridge.Relayer == zero || c.Bridge.Venue == zero:
		return fmt.Errorf("%w: bridge adapter, relayer and venue are required", ErrInvalidConfig)
	case c.Messenger.CollateralAdapter == zero || c.Messenger.LiquidityAdapter == zero:
		return fmt.Errorf("%w: both messenger adapters are required", ErrInvalidConfig)
	}

	switch c.Messenger.Mode {
	case ModeDev:
	case ModeLocal, ModeNATS:
		if c.Messenger.Mode == ModeNATS && c.Messenger.NATSURL == "" {
			return fmt.Errorf("%w: nats mode needs natsURL", ErrInvalidConfig)
		}
		if c.Collateral.ChainID == c.Liquidity.ChainID {
			return fmt.Errorf("%w: relay modes need distinct chain ids", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown messenger mode %q", ErrInvalidConfig, c.Messenger.Mode)
	}
	if c.Liquidity.DirectLink {
		if c.Liquidity.ChainID != c.Collateral.ChainID {
			return fmt.Errorf("%w: direct link needs both ledgers on one chain", ErrInvalidConfig)
		}
		if c.Messenger.Mode != ModeDev {
			return fmt.Errorf("%w: direct link runs with the dev messenger only", ErrInvalidConfig)
		}
	}
	if c.Collateral.ChainID == 0 || c.Liquidity.ChainID == 0 {
		return fmt.Errorf("%w: chain ids are required", ErrInvalidConfig)
	}

	price, err := ParseAmount(c.Oracle.Price, c.Oracle.Decimals)
	if err != nil {
		return fmt.Errorf("oracle price: %w", err)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("%w: oracle price must be positive", ErrInvalidConfig)
	}

	amounts := []struct {
		name     string
		value    string
		decimals uint8
	}{
		{"collateral.shareTolerance", c.Collateral.ShareTolerance, c.Collateral.Token.Decimals},
		{"collateral.vaultLimit", c.Collateral.VaultLimit, c.Collateral.Token.Decimals},
		{"liquidity.reserve", c.Liquidity.Reserve, c.Liquidity.Stable.Decimals},
		{"bridge.maxPerOperation", c.Bridge.MaxPerOperation, c.Collateral.Token.Decimals},
		{"bridge.venueRate", c.Bridge.VenueRate, 18},
		{"bridge.venueInventory", c.Bridge.VenueInventory, c.Liquidity.Stable.Decimals},
		{"messenger.baseFee", c.Messenger.BaseFee, 18},
		{"messenger.perByteFee", c.Messenger.PerByteFee, 18},
		{"messenger.minFee", c.Messenger.MinFee, 18},
		{"messenger.maxFee", c.Messenger.MaxFee, 18},
		{"messenger.prefund", c.Messenger.Prefund, 18},
	}
	for _, a := range amounts {
		if _, err := OptionalAmount(a.value, a.decimals); err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}
	}
	return nil
}

// ParseAmount converts a decimal string such as "10.5" into base units
// with the given decimals. Negative values and precision finer than one
// base unit are rejected.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	return scaled.BigInt(), nil
}

// OptionalAmount is ParseAmount with an empty string meaning zero.
func OptionalAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return ParseAmount(s, decimals)
}

// FormatAmount renders base units as a decimal string.
func FormatAmount(v *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

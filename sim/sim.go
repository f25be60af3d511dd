// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sim assembles a collateral ledger and a liquidity ledger from a
// config.Config, connects them with the configured messenger and drives
// the loan sagas across both.
package sim

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
	log "github.com/luxfi/log"

	"github.com/luxfi/xloan/bridge"
	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/collateral"
	"github.com/luxfi/xloan/config"
	"github.com/luxfi/xloan/liquidity"
	"github.com/luxfi/xloan/loanid"
	"github.com/luxfi/xloan/messenger"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/oracle"
	"github.com/luxfi/xloan/receipt"
	"github.com/luxfi/xloan/vault"
)

const pollInterval = 20 * time.Millisecond

var ErrNotSettled = errors.New("saga did not settle")

type options struct {
	logger    log.Logger
	metrics   *metrics.Metrics
	clock     *chain.ManualClock
	attestors int
}

// Option customizes New.
type Option func(*options)

func WithLogger(l log.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock drives both ledgers from clock instead of one starting at the
// current wall time.
func WithClock(c *chain.ManualClock) Option { return func(o *options) { o.clock = c } }

// WithAttestors sets how many attestor keys the cluster generates to sign
// deposit proofs.
func WithAttestors(n int) Option { return func(o *options) { o.attestors = n } }

// Cluster is a running ledger pair.
type Cluster struct {
	Config *config.Config

	Clock           *chain.ManualClock
	CollateralState *chain.State
	LiquidityState  *chain.State
	Feed            *oracle.StaticFeed
	Oracle          *oracle.Oracle

	Receipt  *receipt.Token
	Vault    *vault.Pool
	Verifier *bridge.AttestationVerifier
	Relayer  *bridge.EscrowRelayer
	Venue    *bridge.FixedRateVenue
	Adapter  *bridge.Adapter

	Collateral *collateral.Ledger
	Liquidity  *liquidity.Ledger

	// Set in dev mode.
	CollateralDev *messenger.DevAdapter
	LiquidityDev  *messenger.DevAdapter
	// Set in local and nats modes.
	CollateralRelay *messenger.RelayAdapter
	LiquidityRelay  *messenger.RelayAdapter
	Local           *messenger.LocalEndpoint
	NATS            *messenger.NATSEndpoint

	attestors []*ecdsa.PrivateKey
	log       log.Logger
	metrics   *metrics.Metrics
	cancel    context.CancelFunc
}

// New builds and wires every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	o := options{attestors: 3}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewTestLogger(log.InfoLevel)
	}
	if o.clock == nil {
		o.clock = chain.NewManualClock(uint64(time.Now().Unix()))
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Cluster{
		Config:  cfg,
		Clock:   o.clock,
		log:     o.logger,
		metrics: o.metrics,
		cancel:  cancel,
	}
	if err := c.build(ctx, o.attestors); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cluster) build(ctx context.Context, attestors int) error {
	cfg := c.Config
	c.CollateralState = chain.NewState(cfg.Collateral.ChainID, c.Clock)
	c.LiquidityState = c.CollateralState
	if !cfg.Liquidity.DirectLink {
		c.LiquidityState = chain.NewState(cfg.Liquidity.ChainID, c.Clock)
	}

	price, err := config.ParseAmount(cfg.Oracle.Price, cfg.Oracle.Decimals)
	if err != nil {
		return err
	}
	c.Feed = oracle.NewStaticFeed(cfg.Oracle.Decimals, price, c.Clock.Now())
	c.Oracle = oracle.NewDirect(c.Feed)

	if err := c.buildBridge(attestors); err != nil {
		return err
	}
	msgrs, err := c.buildMessengers(ctx)
	if err != nil {
		return err
	}
	if err := c.buildCollateral(msgrs[0]); err != nil {
		return err
	}
	if err := c.buildLiquidity(msgrs[1]); err != nil {
		return err
	}
	return c.connect(ctx)
}

func (c *Cluster) buildBridge(attestors int) error {
	cfg := c.Config
	st := c.CollateralState
	token := cfg.Collateral.Token

	limit, err := config.OptionalAmount(cfg.Collateral.VaultLimit, token.Decimals)
	if err != nil {
		return err
	}
	c.Receipt = receipt.New(st, cfg.Collateral.Receipt, cfg.Collateral.Ledger, "Collateral Receipt")
	c.Vault = vault.NewPool(st, cfg.Collateral.Vault, token.Address, limit)

	c.Verifier = bridge.NewAttestationVerifier(st, cfg.Bridge.Attestors...)
	for i := 0; i < attestors; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		c.attestors = append(c.attestors, key)
		c.Verifier.SetAttestor(crypto.PubkeyToAddress(key.PublicKey), true)
	}

	c.Relayer = bridge.NewEscrowRelayer(st, cfg.Bridge.Relayer, token.Address, cfg.Bridge.Operators...)

	rate, err := config.OptionalAmount(cfg.Bridge.VenueRate, 18)
	if err != nil {
		return err
	}
	c.Venue = bridge.NewFixedRateVenue(st, cfg.Bridge.Venue, cfg.Liquidity.Stable.Address, rate)
	inventory, err := config.OptionalAmount(cfg.Bridge.VenueInventory, cfg.Liquidity.Stable.Decimals)
	if err != nil {
		return err
	}
	if inventory.Sign() > 0 {
		if err := st.Mint(cfg.Liquidity.Stable.Address, cfg.Bridge.Venue, inventory); err != nil {
			return err
		}
	}

	maxPerOp, err := config.OptionalAmount(cfg.Bridge.MaxPerOperation, token.Decimals)
	if err != nil {
		return err
	}
	c.Adapter, err = bridge.NewAdapter(st, cfg.Bridge.Adapter, token.Address, c.Verifier, c.Relayer, c.Venue, bridge.Config{
		MaxPerOperation: maxPerOp,
		MaxSlippageBps:  cfg.Bridge.MaxSlippageBps,
	}, c.log)
	if err != nil {
		return err
	}
	c.Adapter.SetPriceSource(c.Oracle)
	c.Adapter.Authorize(cfg.Collateral.Ledger, true)
	return nil
}

// buildMessengers returns the collateral-side and liquidity-side senders.
func (c *Cluster) buildMessengers(ctx context.Context) ([2]messenger.Messenger, error) {
	cfg := c.Config
	mc := cfg.Messenger

	if mc.Mode == config.ModeDev {
		c.CollateralDev = messenger.NewDevAdapter(c.CollateralState, mc.CollateralAdapter)
		c.LiquidityDev = messenger.NewDevAdapter(c.LiquidityState, mc.LiquidityAdapter)
		messenger.Link(c.CollateralDev, c.LiquidityDev)
		return [2]messenger.Messenger{c.CollateralDev, c.LiquidityDev}, nil
	}

	var endpoint messenger.Endpoint
	switch mc.Mode {
	case config.ModeLocal:
		c.Local = messenger.NewLocalEndpoint()
		endpoint = c.Local
	case config.ModeNATS:
		nats, err := messenger.DialNATS(ctx, mc.NATSURL, c.log)
		if err != nil {
			return [2]messenger.Messenger{}, err
		}
		c.NATS = nats
		endpoint = nats
	}

	fee, err := feeConfig(mc)
	if err != nil {
		return [2]messenger.Messenger{}, err
	}
	prefund, err := config.OptionalAmount(mc.Prefund, 18)
	if err != nil {
		return [2]messenger.Messenger{}, err
	}

	c.CollateralRelay = messenger.NewRelayAdapter(c.CollateralState, mc.CollateralAdapter, endpoint, messenger.RelayConfig{
		DstChainID:  cfg.Liquidity.ChainID,
		Fee:         fee,
		FeeSink:     mc.FeeSink,
		SendTimeout: mc.SendTimeout.Std(),
	}, c.log, c.metrics)
	c.LiquidityRelay = messenger.NewRelayAdapter(c.LiquidityState, mc.LiquidityAdapter, endpoint, messenger.RelayConfig{
		DstChainID:  cfg.Collateral.ChainID,
		Fee:         fee,
		FeeSink:     mc.FeeSink,
		SendTimeout: mc.SendTimeout.Std(),
	}, c.log, c.metrics)
	c.CollateralRelay.SetTrustedRemote(cfg.Liquidity.ChainID, mc.LiquidityAdapter)
	c.LiquidityRelay.SetTrustedRemote(cfg.Collateral.ChainID, mc.CollateralAdapter)

	if prefund.Sign() > 0 {
		if err := c.CollateralState.Mint(chain.NativeToken, mc.CollateralAdapter, prefund); err != nil {
			return [2]messenger.Messenger{}, err
		}
		if err := c.LiquidityState.Mint(chain.NativeToken, mc.LiquidityAdapter, prefund); err != nil {
			return [2]messenger.Messenger{}, err
		}
	}
	return [2]messenger.Messenger{c.CollateralRelay, c.LiquidityRelay}, nil
}

func feeConfig(mc config.MessengerConfig) (messenger.FeeConfig, error) {
	var (
		fee messenger.FeeConfig
		err error
	)
	if fee.BaseFee, err = config.OptionalAmount(mc.BaseFee, 18); err != nil {
		return fee, err
	}
	if fee.PerByteFee, err = config.OptionalAmount(mc.PerByteFee, 18); err != nil {
		return fee, err
	}
	if fee.MinFee, err = config.OptionalAmount(mc.MinFee, 18); err != nil {
		return fee, err
	}
	if fee.MaxFee, err = config.OptionalAmount(mc.MaxFee, 18); err != nil {
		return fee, err
	}
	return fee, nil
}

func (c *Cluster) buildCollateral(msgr messenger.Messenger) error {
	cfg := c.Config.Collateral
	tolerance, err := config.OptionalAmount(cfg.ShareTolerance, cfg.Token.Decimals)
	if err != nil {
		return err
	}
	c.Collateral, err = collateral.New(c.CollateralState, collateral.Config{
		Address:        cfg.Ledger,
		Collateral:     cfg.Token.Address,
		Admin:          cfg.Admin,
		MaxLtvBps:      cfg.MaxLtvBps,
		OracleTimeout:  cfg.OracleTimeout.Std(),
		ShareTolerance: tolerance,
	}, collateral.Dependencies{
		Receipt:   c.Receipt,
		Vault:     c.Vault,
		Bridge:    c.Adapter,
		Messenger: msgr,
		Oracle:    c.Oracle,
	}, c.log, c.metrics)
	if err != nil {
		return err
	}
	if err := c.Collateral.SetMessenger(cfg.Admin, c.Config.Messenger.CollateralAdapter); err != nil {
		return err
	}
	if cfg.Manager != (common.Address{}) {
		if err := c.Collateral.SetManager(cfg.Admin, cfg.Manager); err != nil {
			return err
		}
	}
	if c.Config.Liquidity.DirectLink {
		return c.Collateral.SetLinkedLiquidity(cfg.Admin, c.Config.Liquidity.Ledger)
	}
	return nil
}

func (c *Cluster) buildLiquidity(msgr messenger.Messenger) error {
	cfg := c.Config.Liquidity
	var err error
	c.Liquidity, err = liquidity.New(c.LiquidityState, liquidity.Config{
		Address:          cfg.Ledger,
		Stable:           cfg.Stable.Address,
		Admin:            cfg.Admin,
		CollateralLedger: c.Config.Collateral.Ledger,
		MaxLtvBps:        cfg.MaxLtvBps,
		CommissionBps:    cfg.CommissionBps,
		OracleTimeout:    cfg.OracleTimeout.Std(),
		TermsHash:        cfg.TermsHash,
	}, msgr, c.Oracle, c.log, c.metrics)
	if err != nil {
		return err
	}
	if err := c.Liquidity.SetMessenger(cfg.Admin, c.Config.Messenger.LiquidityAdapter); err != nil {
		return err
	}
	for _, op := range cfg.Operators {
		if err := c.Liquidity.SetOperator(cfg.Admin, op, true); err != nil {
			return err
		}
	}
	reserve, err := config.OptionalAmount(cfg.Reserve, cfg.Stable.Decimals)
	if err != nil {
		return err
	}
	if reserve.Sign() > 0 {
		if err := c.LiquidityState.Mint(cfg.Stable.Address, cfg.Ledger, reserve); err != nil {
			return err
		}
	}
	if cfg.DirectLink {
		return c.Liquidity.SetDirectLink(cfg.Admin, c.Collateral)
	}
	return nil
}

// connect registers each ledger as its adapter's receiver and starts the
// relay listeners.
func (c *Cluster) connect(ctx context.Context) error {
	switch {
	case c.CollateralDev != nil:
		c.CollateralDev.SetReceiver(c.Collateral)
		c.LiquidityDev.SetReceiver(c.Liquidity)
		return nil
	default:
		c.CollateralRelay.SetReceiver(c.Collateral)
		c.LiquidityRelay.SetReceiver(c.Liquidity)
		if err := c.CollateralRelay.Start(ctx); err != nil {
			return err
		}
		return c.LiquidityRelay.Start(ctx)
	}
}

// Close stops the relay listeners and drops the NATS connection.
func (c *Cluster) Close() {
	c.cancel()
	if c.NATS != nil {
		c.NATS.Close()
	}
}

// ===== Environment =====

// MintCollateral credits holder with collateral on the collateral chain.
func (c *Cluster) MintCollateral(holder common.Address, amount *big.Int) error {
	st := c.CollateralState
	return st.Exec(func() error { return st.Mint(c.Config.Collateral.Token.Address, holder, amount) })
}

// MintStable credits holder with the stable asset on the liquidity chain.
func (c *Cluster) MintStable(holder common.Address, amount *big.Int) error {
	st := c.LiquidityState
	return st.Exec(func() error { return st.Mint(c.Config.Liquidity.Stable.Address, holder, amount) })
}

// SetPrice publishes a new oracle round at the current time.
func (c *Cluster) SetPrice(price *big.Int) {
	c.Feed.Update(price, c.Clock.Now())
}

// Advance moves both ledgers' clocks forward.
func (c *Cluster) Advance(d time.Duration) { c.Clock.Advance(d) }

// Proof returns a deposit proof for user signed by the cluster's attestors.
func (c *Cluster) Proof(user common.Address, amount *big.Int) ([]byte, error) {
	var nonce [32]byte
	id := uuid.New()
	copy(nonce[:], id[:])

	sigs := make([][]byte, 0, len(c.attestors))
	for _, key := range c.attestors {
		sig, err := bridge.SignAttestation(key, c.CollateralState.ChainID(), user, amount, nonce)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return bridge.EncodeProof(nonce, sigs)
}

// ===== Delivery =====

// Pump delivers every queued message in both directions and returns how
// many were handed over. Over NATS delivery is asynchronous and Pump is a
// no-op.
func (c *Cluster) Pump(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := c.pumpOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (c *Cluster) pumpOnce(ctx context.Context) (int, error) {
	switch {
	case c.CollateralDev != nil:
		a, err := c.CollateralDev.Drain()
		if err != nil {
			return a, err
		}
		b, err := c.LiquidityDev.Drain()
		return a + b, err
	case c.Local != nil:
		a, err := c.Local.Flush(ctx, c.Config.Liquidity.ChainID)
		if err != nil {
			return a, err
		}
		b, err := c.Local.Flush(ctx, c.Config.Collateral.ChainID)
		return a + b, err
	default:
		return 0, nil
	}
}

// await pumps and waits for cond. Synchronous transports get one check.
func (c *Cluster) await(ctx context.Context, what string, cond func() bool) error {
	if _, err := c.Pump(ctx); err != nil {
		return err
	}
	if cond() {
		return nil
	}
	if c.NATS == nil {
		return fmt.Errorf("%w: %s", ErrNotSettled, what)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotSettled, what, ctx.Err())
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

// ===== Sagas =====

// Borrow deposits amount of the borrower's collateral, waits for the loan
// to reach the liquidity ledger and disburses the principal to the
// borrower.
func (c *Cluster) Borrow(ctx context.Context, borrower common.Address, amount *big.Int, ltvBps uint64, duration time.Duration) (loanid.ID, error) {
	proof, err := c.Proof(borrower, amount)
	if err != nil {
		return loanid.Empty, err
	}
	id, principal, err := c.Collateral.DepositCollateral(borrower, amount, ltvBps, uint64(duration/time.Second), proof)
	if err != nil {
		return loanid.Empty, err
	}
	err = c.await(ctx, "loan registration", func() bool {
		_, err := c.Liquidity.Loan(id)
		return err == nil
	})
	if err != nil {
		return id, err
	}
	if err := c.Liquidity.FundLoan(c.Config.Liquidity.Admin, id, borrower); err != nil {
		return id, err
	}
	c.log.Info("loan opened", "loanID", id, "borrower", borrower, "principal", principal)
	return id, nil
}

// Repay locks the borrower's receipts, repays the amount due and waits for
// the collateral to be released towards recipient.
func (c *Cluster) Repay(ctx context.Context, id loanid.ID, recipient common.Address, bridgeParams []byte) error {
	pos, err := c.Collateral.Position(id)
	if err != nil {
		return err
	}
	err = c.CollateralState.Exec(func() error {
		return c.Receipt.Approve(pos.Owner, c.Collateral.Address(), pos.ReceiptsMinted)
	})
	if err != nil {
		return err
	}
	if err := c.Collateral.LockOwnershipToken(pos.Owner, id); err != nil {
		return err
	}

	loan, err := c.Liquidity.Loan(id)
	if err != nil {
		return err
	}
	err = c.Liquidity.RecordRepayment(pos.Owner, id, loan.RepaymentDue, pos.Owner, false, liquidity.SettlementParams{
		Recipient: recipient,
		Extra:     bridgeParams,
	})
	if err != nil {
		return err
	}
	return c.await(ctx, "release", func() bool { return c.positionIn(id, collateral.StateReleased) })
}

// Default flags the loan and waits for the collateral to be unwound to
// beneficiary with at least minOut of the stable asset.
func (c *Cluster) Default(ctx context.Context, id loanid.ID, beneficiary common.Address, minOut *big.Int) error {
	params, err := bridge.EncodeSwapParams(bridge.SwapParams{MinAmountOut: minOut})
	if err != nil {
		return err
	}
	err = c.Liquidity.FlagDefault(c.Config.Liquidity.Admin, id, liquidity.SettlementParams{
		Recipient: beneficiary,
		Extra:     params,
	})
	if err != nil {
		return err
	}
	return c.await(ctx, "liquidation", func() bool { return c.positionIn(id, collateral.StateDefaulted) })
}

func (c *Cluster) positionIn(id loanid.ID, s collateral.State) bool {
	pos, err := c.Collateral.Position(id)
	return err == nil && pos.State == s
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sim

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/xloan/bridge"
	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/collateral"
	"github.com/luxfi/xloan/config"
	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/liquidity"
	"github.com/luxfi/xloan/loanid"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/oracle"
)

const startTime = 1_700_000_000

var (
	alice        = common.HexToAddress("0xa11ce")
	bob          = common.HexToAddress("0xb0b")
	lender       = common.HexToAddress("0x1e4d")
	btcRecipient = common.HexToAddress("0xb7c0")
	btcScript    = []byte("0014751e76e8199196d454941c45d1b3a323f1433bd6")
)

func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), oracle.One) }

func newCluster(t *testing.T, mutate func(*config.Config)) *Cluster {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(context.Background(), cfg, WithClock(chain.NewManualClock(startTime)))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.MintCollateral(alice, e18(10)))
	require.NoError(t, c.MintCollateral(bob, e18(10)))
	return c
}

func (c *Cluster) stableOf(holder common.Address) *big.Int {
	return c.LiquidityState.BalanceOf(c.Config.Liquidity.Stable.Address, holder)
}

func (c *Cluster) collateralOf(holder common.Address) *big.Int {
	return c.CollateralState.BalanceOf(c.Config.Collateral.Token.Address, holder)
}

func position(t *testing.T, c *Cluster, id loanid.ID) collateral.Position {
	t.Helper()
	pos, err := c.Collateral.Position(id)
	require.NoError(t, err)
	return pos
}

func loan(t *testing.T, c *Cluster, id loanid.ID) liquidity.Loan {
	t.Helper()
	l, err := c.Liquidity.Loan(id)
	require.NoError(t, err)
	return l
}

func TestScenarioA(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 30*24*time.Hour)
	require.NoError(t, err)

	pos := position(t, c, id)
	require.Equal(t, collateral.StateActive, pos.State)
	require.Equal(t, e18(10_000), pos.PrincipalQuoted)
	require.Equal(t, e18(1), c.Receipt.BalanceOf(alice))

	l := loan(t, c, id)
	require.Equal(t, liquidity.StatusActive, l.Status)
	require.True(t, l.FundsDisbursed)
	require.Equal(t, e18(10_000), c.stableOf(alice))
	require.Equal(t, e18(9), c.collateralOf(alice))
	require.Equal(t, e18(1), c.Vault.TotalAssets())
}

func TestScenarioB(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 30*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MintStable(alice, e18(100)))

	require.NoError(t, c.Repay(ctx, id, btcRecipient, btcScript))

	require.Equal(t, collateral.StateReleased, position(t, c, id).State)
	require.Equal(t, liquidity.StatusRepaid, loan(t, c, id).Status)
	require.Zero(t, c.Receipt.TotalSupply().Sign())
	require.Zero(t, c.Vault.TotalAssets().Sign())
	require.Zero(t, c.stableOf(alice).Sign())
	require.Equal(t, e18(1_000_100), c.stableOf(c.Config.Liquidity.Ledger))

	tickets := c.Relayer.Pending()
	require.Len(t, tickets, 1)
	require.Equal(t, btcRecipient, tickets[0].Recipient)
	require.Equal(t, e18(1), tickets[0].Amount)
	require.Equal(t, btcScript, tickets[0].Params)
	require.Equal(t, e18(1), c.collateralOf(c.Config.Bridge.Relayer))
}

func TestScenarioC(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()
	// 0.99 and 0.97 of the oracle value of one unit.
	c.Venue.SetRate(e18(19_800))
	minOut := e18(19_400)

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 30*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Default(ctx, id, lender, minOut))

	require.Equal(t, collateral.StateDefaulted, position(t, c, id).State)
	require.Equal(t, liquidity.StatusDefaulted, loan(t, c, id).Status)
	require.Equal(t, e18(19_800), c.CollateralState.BalanceOf(c.Config.Liquidity.Stable.Address, lender))
	require.Zero(t, c.Receipt.TotalSupply().Sign())

	// Below the declared minimum the swap fails and the position stays put.
	c.Venue.SetRate(e18(19_000))
	id, err = c.Borrow(ctx, bob, e18(1), 5_000, 30*24*time.Hour)
	require.NoError(t, err)
	err = c.Default(ctx, id, lender, minOut)
	require.ErrorIs(t, err, bridge.ErrSlippageExceeded)
	require.Equal(t, collateral.StateActive, position(t, c, id).State)
	require.Equal(t, e18(1), c.Vault.TotalAssets())
}

func TestScenarioD(t *testing.T) {
	c := newCluster(t, nil)
	next := c.Collateral.NextLoanID()

	proof, err := c.Proof(alice, e18(1))
	require.NoError(t, err)
	_, _, err = c.Collateral.DepositCollateral(alice, e18(1), 8_000, 86400, proof)
	require.ErrorIs(t, err, collateral.ErrInvalidAmount)

	require.Equal(t, next, c.Collateral.NextLoanID())
	_, err = c.Collateral.Position(next)
	require.ErrorIs(t, err, collateral.ErrUnknownLoan)
	require.Empty(t, c.CollateralDev.Pending())
	require.Equal(t, e18(10), c.collateralOf(alice))
	require.Empty(t, events.Filter(c.CollateralState, events.CollateralDeposited))
}

func TestFailedSettlementCanBeReplayed(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()
	c.Venue.SetRate(e18(19_000))

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 30*24*time.Hour)
	require.NoError(t, err)

	params, err := bridge.EncodeSwapParams(bridge.SwapParams{MinAmountOut: e18(19_400)})
	require.NoError(t, err)
	require.NoError(t, c.Liquidity.FlagDefault(c.Config.Liquidity.Admin, id, liquidity.SettlementParams{Recipient: lender, Extra: params}))

	pending := c.LiquidityDev.Pending()
	require.Len(t, pending, 1)
	origin := c.LiquidityDev.Origin(pending[0].Nonce)

	require.ErrorIs(t, c.LiquidityDev.DeliverAt(0, origin), bridge.ErrSlippageExceeded)
	require.Equal(t, collateral.StateActive, position(t, c, id).State)

	c.Venue.SetRate(e18(19_800))
	require.NoError(t, c.LiquidityDev.DeliverAt(0, origin))
	require.Equal(t, collateral.StateDefaulted, position(t, c, id).State)

	// A third copy finds the position already terminal.
	require.ErrorIs(t, c.LiquidityDev.DeliverAt(0, origin), collateral.ErrInvalidState)
	require.Equal(t, e18(19_800), c.CollateralState.BalanceOf(c.Config.Liquidity.Stable.Address, lender))
}

func TestRedeliveryPerAction(t *testing.T) {
	t.Run("loan created", func(t *testing.T) {
		c := newCluster(t, nil)
		proof, err := c.Proof(alice, e18(1))
		require.NoError(t, err)
		id, _, err := c.Collateral.DepositCollateral(alice, e18(1), 5_000, 86400, proof)
		require.NoError(t, err)

		origin := c.CollateralDev.Origin(c.CollateralDev.Pending()[0].Nonce)
		require.NoError(t, c.CollateralDev.DeliverAt(0, origin))
		require.NoError(t, c.CollateralDev.DeliverAt(0, origin))
		_, err = c.Pump(context.Background())
		require.NoError(t, err)

		require.Equal(t, liquidity.StatusActive, loan(t, c, id).Status)
		require.Len(t, events.Filter(c.LiquidityState, events.LoanRegistered), 1)
	})

	t.Run("repayment confirmed", func(t *testing.T) {
		c := newCluster(t, nil)
		ctx := context.Background()
		id, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
		require.NoError(t, err)
		require.NoError(t, c.MintStable(alice, e18(100)))

		pos := position(t, c, id)
		require.NoError(t, c.Receipt.Approve(alice, c.Collateral.Address(), pos.ReceiptsMinted))
		require.NoError(t, c.Collateral.LockOwnershipToken(alice, id))
		require.NoError(t, c.Liquidity.RecordRepayment(alice, id, e18(10_100), alice, false, liquidity.SettlementParams{Recipient: btcRecipient}))

		origin := c.LiquidityDev.Origin(c.LiquidityDev.Pending()[0].Nonce)
		require.NoError(t, c.LiquidityDev.DeliverAt(0, origin))
		require.ErrorIs(t, c.LiquidityDev.DeliverAt(0, origin), collateral.ErrInvalidState)
		require.Len(t, c.Relayer.Pending(), 1)
		require.Equal(t, e18(1), c.collateralOf(c.Config.Bridge.Relayer))
	})

	t.Run("loan default", func(t *testing.T) {
		c := newCluster(t, nil)
		ctx := context.Background()
		id, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
		require.NoError(t, err)

		params, err := bridge.EncodeSwapParams(bridge.SwapParams{MinAmountOut: e18(19_400)})
		require.NoError(t, err)
		require.NoError(t, c.Liquidity.FlagDefault(c.Config.Liquidity.Admin, id, liquidity.SettlementParams{Recipient: lender, Extra: params}))

		origin := c.LiquidityDev.Origin(c.LiquidityDev.Pending()[0].Nonce)
		require.NoError(t, c.LiquidityDev.DeliverAt(0, origin))
		require.ErrorIs(t, c.LiquidityDev.DeliverAt(0, origin), collateral.ErrInvalidState)
		require.Equal(t, e18(20_000), c.CollateralState.BalanceOf(c.Config.Liquidity.Stable.Address, lender))
	})

	t.Run("update manager", func(t *testing.T) {
		c := newCluster(t, nil)
		manager := common.HexToAddress("0x3a3a")
		require.NoError(t, c.Liquidity.UpdateCollateralManager(c.Config.Liquidity.Admin, manager))

		origin := c.LiquidityDev.Origin(c.LiquidityDev.Pending()[0].Nonce)
		require.NoError(t, c.LiquidityDev.DeliverAt(0, origin))
		require.NoError(t, c.LiquidityDev.DeliverAt(0, origin))
		require.Equal(t, manager, c.Collateral.Manager())
	})
}

func TestConservation(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	repaid, err := c.Borrow(ctx, alice, e18(2), 5_000, 86400*time.Second)
	require.NoError(t, err)
	defaulted, err := c.Borrow(ctx, bob, e18(3), 4_000, 86400*time.Second)
	require.NoError(t, err)
	open, err := c.Borrow(ctx, alice, e18(4), 7_000, 86400*time.Second)
	require.NoError(t, err)

	require.NoError(t, c.MintStable(alice, e18(1_000)))
	require.NoError(t, c.Repay(ctx, repaid, btcRecipient, btcScript))
	require.NoError(t, c.Default(ctx, defaulted, lender, e18(58_200)))

	// Only the open position backs receipts and custody.
	require.Equal(t, e18(4), c.Receipt.TotalSupply())
	require.Equal(t, e18(4), c.Vault.TotalAssets())
	require.Equal(t, collateral.StateActive, position(t, c, open).State)

	// Collateral is neither created nor destroyed.
	total := new(big.Int)
	for _, holder := range []common.Address{alice, bob, c.Config.Collateral.Vault, c.Config.Bridge.Relayer, c.Config.Bridge.Venue} {
		total.Add(total, c.collateralOf(holder))
	}
	require.Equal(t, e18(20), total)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()
	manager := c.Config.Collateral.Manager

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.MintStable(alice, e18(100)))
	require.NoError(t, c.Repay(ctx, id, btcRecipient, nil))

	require.ErrorIs(t, c.Collateral.Liquidate(manager, id, lender, nil), collateral.ErrInvalidState)
	require.ErrorIs(t, c.Collateral.InitiateWithdrawal(manager, id, btcRecipient, nil), collateral.ErrInvalidState)
	require.ErrorIs(t, c.Liquidity.FlagDefault(c.Config.Liquidity.Admin, id, liquidity.SettlementParams{Recipient: lender}), liquidity.ErrInvalidStatus)
	require.Equal(t, collateral.StateReleased, position(t, c, id).State)
}

func TestStalePriceBlocksBorrow(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	c.Advance(2 * time.Hour)
	_, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
	require.ErrorIs(t, err, oracle.ErrOracleStale)
	require.Equal(t, e18(10), c.collateralOf(alice))

	c.SetPrice(new(big.Int).Mul(big.NewInt(20_000), big.NewInt(100_000_000)))
	_, err = c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
	require.NoError(t, err)
}

func TestPriceDropBetweenLegs(t *testing.T) {
	c := newCluster(t, nil)

	proof, err := c.Proof(alice, e18(1))
	require.NoError(t, err)
	id, _, err := c.Collateral.DepositCollateral(alice, e18(1), 7_000, 86400, proof)
	require.NoError(t, err)

	// The liquidity side re-prices before registering.
	c.SetPrice(new(big.Int).Mul(big.NewInt(15_000), big.NewInt(100_000_000)))
	_, err = c.Pump(context.Background())
	require.ErrorIs(t, err, liquidity.ErrExcessivePrincipal)
	_, err = c.Liquidity.Loan(id)
	require.ErrorIs(t, err, liquidity.ErrUnknownLoan)
}

func TestLocalRelay(t *testing.T) {
	c := newCluster(t, func(cfg *config.Config) { cfg.Messenger.Mode = config.ModeLocal })
	ctx := context.Background()
	require.Nil(t, c.CollateralDev)

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.MintStable(alice, e18(100)))
	require.NoError(t, c.Repay(ctx, id, btcRecipient, btcScript))
	require.Equal(t, collateral.StateReleased, position(t, c, id).State)

	sink := c.Config.Messenger.FeeSink
	require.Positive(t, c.CollateralState.BalanceOf(chain.NativeToken, sink).Sign())
	require.Positive(t, c.LiquidityState.BalanceOf(chain.NativeToken, sink).Sign())
	require.Len(t, events.Filter(c.CollateralState, events.MessageSent), 1)
	require.Len(t, events.Filter(c.LiquidityState, events.MessageSent), 1)
}

func TestDirectLink(t *testing.T) {
	c := newCluster(t, func(cfg *config.Config) {
		cfg.Liquidity.ChainID = cfg.Collateral.ChainID
		cfg.Liquidity.DirectLink = true
	})
	ctx := context.Background()
	require.True(t, c.Liquidity.DirectLinkLive())

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.MintStable(alice, e18(100)))

	// Without the lock the release fails and takes the repayment with it.
	params := liquidity.SettlementParams{Recipient: btcRecipient}
	err = c.Liquidity.RecordRepayment(alice, id, e18(10_100), alice, false, params)
	require.ErrorIs(t, err, collateral.ErrInvalidState)
	require.Equal(t, liquidity.StatusActive, loan(t, c, id).Status)
	require.Equal(t, e18(10_100), c.stableOf(alice))

	pos := position(t, c, id)
	require.NoError(t, c.Receipt.Approve(alice, c.Collateral.Address(), pos.ReceiptsMinted))
	require.NoError(t, c.Collateral.LockOwnershipToken(alice, id))
	require.NoError(t, c.Liquidity.RecordRepayment(alice, id, e18(10_100), alice, false, params))

	// Settled in the same operation; nothing went through the messenger.
	require.Empty(t, c.LiquidityDev.Pending())
	require.Equal(t, collateral.StateReleased, position(t, c, id).State)
	require.Equal(t, liquidity.StatusRepaid, loan(t, c, id).Status)
}

func TestDirectLinkRevokedFallsBack(t *testing.T) {
	c := newCluster(t, func(cfg *config.Config) {
		cfg.Liquidity.ChainID = cfg.Collateral.ChainID
		cfg.Liquidity.DirectLink = true
	})
	ctx := context.Background()
	admin := c.Config.Collateral.Admin

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, 86400*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Collateral.SetLinkedLiquidity(admin, common.Address{}))
	require.False(t, c.Liquidity.DirectLinkLive())

	require.NoError(t, c.Default(ctx, id, lender, e18(19_400)))
	require.Equal(t, collateral.StateDefaulted, position(t, c, id).State)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c, err := New(context.Background(), config.Default(), WithClock(chain.NewManualClock(startTime)), WithMetrics(m))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.MintCollateral(alice, e18(1)))

	_, err = c.Borrow(context.Background(), alice, e18(1), 5_000, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues(metrics.Collateral, "deposit", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues(metrics.Liquidity, "LOAN_CREATED", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CollateralCustodied))
	require.Equal(t, 10_000.0, testutil.ToFloat64(m.OutstandingPrincipal))
}

func TestFailedLiquidationCountsNoTransition(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := New(context.Background(), config.Default(), WithClock(chain.NewManualClock(startTime)), WithMetrics(m))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.MintCollateral(bob, e18(1)))
	ctx := context.Background()

	c.Venue.SetRate(e18(19_000))
	id, err := c.Borrow(ctx, bob, e18(1), 5_000, time.Hour)
	require.NoError(t, err)
	require.ErrorIs(t, c.Default(ctx, id, lender, e18(19_400)), bridge.ErrSlippageExceeded)

	defaulted := collateral.StateDefaulted.String()
	require.Zero(t, testutil.ToFloat64(m.Transitions.WithLabelValues(metrics.Collateral, defaulted)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues(metrics.Collateral, collateral.StateActive.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues(metrics.Liquidity, liquidity.StatusDefaulted.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CollateralCustodied))
}

func TestCommittedOperationsClearJournal(t *testing.T) {
	c := newCluster(t, nil)
	ctx := context.Background()

	id, err := c.Borrow(ctx, alice, e18(1), 5_000, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MintStable(alice, e18(100)))
	require.NoError(t, c.Repay(ctx, id, btcRecipient, btcScript))

	require.Zero(t, c.CollateralState.Snapshot())
	require.Zero(t, c.LiquidityState.Snapshot())
}

func TestNATSCluster(t *testing.T) {
	url := os.Getenv("XLOAN_NATS_URL")
	if url == "" {
		t.Skip("XLOAN_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newCluster(t, func(cfg *config.Config) {
		cfg.Messenger.Mode = config.ModeNATS
		cfg.Messenger.NATSURL = url
	})
	id, err := c.Borrow(ctx, alice, e18(1), 5_000, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.MintStable(alice, e18(100)))
	require.NoError(t, c.Repay(ctx, id, btcRecipient, btcScript))
	require.Equal(t, collateral.StateReleased, position(t, c, id).State)
}

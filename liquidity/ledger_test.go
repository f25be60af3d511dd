// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidity

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/guard"
	"github.com/luxfi/xloan/loanid"
	"github.com/luxfi/xloan/messenger"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/oracle"
	"github.com/luxfi/xloan/payload"
	"github.com/luxfi/xloan/receipt"
)

const (
	chainID   = 8453
	srcChain  = 96369
	startTime = 1_700_000_000
	oneDay    = uint64(24 * 60 * 60)
)

var (
	stable        = common.HexToAddress("0x5AB1E")
	ledgerAddr    = common.HexToAddress("0x1C01")
	messengerAddr = common.HexToAddress("0x1C07")
	collateralAt  = common.HexToAddress("0x0C01")
	admin         = common.HexToAddress("0xAD")
	alice         = common.HexToAddress("0xa11ce")
	bob           = common.HexToAddress("0xb0b")
	lender        = common.HexToAddress("0x1e4d")
	operator      = common.HexToAddress("0x0be7")
	btcRecipient  = common.HexToAddress("0xb7c0")
)

func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), oracle.One) }

type fixture struct {
	st     *chain.State
	clock  *chain.ManualClock
	feed   *oracle.StaticFeed
	outbox *messenger.DevAdapter
	ledger *Ledger
	seq    uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.clock = chain.NewManualClock(startTime)
	f.st = chain.NewState(chainID, f.clock)
	f.feed = oracle.NewStaticFeed(8, big.NewInt(20_000_00000000), startTime)
	f.outbox = messenger.NewDevAdapter(f.st, messengerAddr)

	var err error
	f.ledger, err = New(f.st, Config{
		Address:          ledgerAddr,
		Stable:           stable,
		Admin:            admin,
		CollateralLedger: collateralAt,
		CommissionBps:    DefaultCommissionBps,
	}, f.outbox, oracle.NewDirect(f.feed), nil, nil)
	require.NoError(t, err)
	f.outbox.SetReceiver(f.ledger)
	require.NoError(t, f.ledger.SetMessenger(admin, messengerAddr))
	require.NoError(t, f.ledger.SetOperator(admin, operator, true))

	require.NoError(t, f.st.Mint(stable, ledgerAddr, e18(1_000_000)))
	require.NoError(t, f.st.Mint(stable, alice, e18(100_000)))
	return f
}

// created is the announcement for one unit of collateral at 70% LTV.
func (f *fixture) created() payload.LoanCreated {
	f.seq++
	return payload.LoanCreated{
		LoanID:           loanid.Derive(collateralAt, srcChain, f.seq),
		Borrower:         alice,
		CollateralAmount: e18(1),
		Principal:        e18(14_000),
		LtvBps:           7_000,
		Duration:         30 * oneDay,
		CreatedAt:        startTime,
		BridgeProof:      []byte("proof"),
	}
}

func (f *fixture) deliver(msg payload.Message) error {
	data, err := payload.Encode(msg)
	if err != nil {
		return err
	}
	return f.outbox.Inject(data, payload.Origin{SrcChainID: srcChain, Sender: collateralAt})
}

func (f *fixture) register(t *testing.T) loanid.ID {
	t.Helper()
	msg := f.created()
	require.NoError(t, f.deliver(msg))
	return msg.LoanID
}

func (f *fixture) loan(t *testing.T, id loanid.ID) Loan {
	t.Helper()
	loan, err := f.ledger.Loan(id)
	require.NoError(t, err)
	return loan
}

func (f *fixture) sent(t *testing.T) []payload.Message {
	t.Helper()
	var out []payload.Message
	for _, q := range f.outbox.Pending() {
		msg, err := payload.Decode(q.Payload)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

type failingMessenger struct{}

func (failingMessenger) SendMessage([]byte) error { return errors.New("endpoint unavailable") }

type fakeCollateral struct {
	linked common.Address
	fail   error
	got    []payload.Message
}

func (c *fakeCollateral) LinkedLiquidity() common.Address { return c.linked }

func (c *fakeCollateral) HandleLinkedInstruction(caller common.Address, msg payload.Message) error {
	if caller != c.linked {
		return errors.New("unexpected caller")
	}
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, msg)
	return nil
}

func TestRegisterFromMessenger(t *testing.T) {
	f := newFixture(t)
	msg := f.created()
	require.NoError(t, f.deliver(msg))

	loan := f.loan(t, msg.LoanID)
	require.Equal(t, StatusActive, loan.Status)
	require.Equal(t, alice, loan.Borrower)
	require.Equal(t, e18(14_000), loan.Principal)
	require.Equal(t, e18(14_140), loan.RepaymentDue)
	require.Equal(t, uint64(startTime)+30*oneDay, loan.Deadline)
	require.False(t, loan.FundsDisbursed)

	// Redelivery is accepted and changes nothing.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.deliver(msg))
	require.Equal(t, loan, f.loan(t, msg.LoanID))
	require.Len(t, events.Filter(f.st, events.LoanRegistered), 1)
}

func TestRegisterRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*payload.LoanCreated)
		err    error
	}{
		{"ltv above cap", func(m *payload.LoanCreated) { m.LtvBps = 7_001 }, ErrInvalidAmount},
		{"zero principal", func(m *payload.LoanCreated) { m.Principal = new(big.Int) }, ErrInvalidAmount},
		{"zero collateral", func(m *payload.LoanCreated) { m.CollateralAmount = new(big.Int) }, ErrInvalidAmount},
		{"zero borrower", func(m *payload.LoanCreated) { m.Borrower = common.Address{} }, guard.ErrZeroAddress},
		{"principal above oracle max", func(m *payload.LoanCreated) { m.Principal = new(big.Int).Add(e18(14_000), big.NewInt(1)) }, ErrExcessivePrincipal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			msg := f.created()
			tt.mutate(&msg)
			require.ErrorIs(t, f.deliver(msg), tt.err)
			_, err := f.ledger.Loan(msg.LoanID)
			require.ErrorIs(t, err, ErrUnknownLoan)
			require.Empty(t, events.Filter(f.st, events.LoanRegistered))
		})
	}
}

func TestRegisterZeroLtvSkipsPriceCheck(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(2 * time.Hour)

	msg := f.created()
	msg.LtvBps = 0
	msg.Principal = e18(1_000_000)
	require.NoError(t, f.deliver(msg))
	require.Equal(t, StatusActive, f.loan(t, msg.LoanID).Status)
}

func TestRegisterStalePrice(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.ledger.metrics = metrics.New(reg)

	f.clock.Advance(DefaultOracleTimeout + time.Second)
	msg := f.created()
	require.ErrorIs(t, f.deliver(msg), ErrOracleStale)
	_, err := f.ledger.Loan(msg.LoanID)
	require.ErrorIs(t, err, ErrUnknownLoan)
	require.Equal(t, 1.0, testutil.ToFloat64(f.ledger.metrics.OracleRejections.WithLabelValues(metrics.Liquidity)))

	f.feed.Update(big.NewInt(20_000_00000000), f.clock.Now())
	require.NoError(t, f.deliver(msg))
}

func TestMessengerAuthorization(t *testing.T) {
	f := newFixture(t)
	msg := f.created()

	err := f.ledger.HandleMessengerPayload(bob, msg, payload.Origin{})
	require.ErrorIs(t, err, ErrNotMessenger)

	// Settlement instructions only flow the other way.
	id := f.register(t)
	err = f.deliver(payload.RepaymentConfirmed{Settlement: payload.Settlement{LoanID: id, Amount: e18(1)}})
	require.ErrorIs(t, err, ErrUnknownAction)
	require.Equal(t, StatusActive, f.loan(t, id).Status)
}

func TestRegisterLoanDirect(t *testing.T) {
	f := newFixture(t)

	msg := f.created()
	require.ErrorIs(t, f.ledger.RegisterLoan(alice, msg), ErrNotMessenger)
	require.NoError(t, f.ledger.RegisterLoan(collateralAt, msg))

	other := f.created()
	require.NoError(t, f.ledger.RegisterLoan(admin, other))
	require.Equal(t, StatusActive, f.loan(t, other.LoanID).Status)
}

func TestFundLoan(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)

	require.ErrorIs(t, f.ledger.FundLoan(alice, id, alice), guard.ErrUnauthorized)
	require.ErrorIs(t, f.ledger.FundLoan(admin, id, common.Address{}), ErrNoPayoutDestination)

	require.NoError(t, f.ledger.FundLoan(admin, id, lender))
	require.Equal(t, e18(14_000), f.st.BalanceOf(stable, lender))
	require.Equal(t, e18(986_000), f.st.BalanceOf(stable, ledgerAddr))

	loan := f.loan(t, id)
	require.True(t, loan.FundsDisbursed)
	require.Equal(t, lender, loan.Beneficiary)
	require.ErrorIs(t, f.ledger.FundLoan(admin, id, lender), ErrAlreadyFunded)
}

func TestFundToPayoutDestination(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)

	require.ErrorIs(t, f.ledger.LinkPayoutDestination(bob, alice, bob), guard.ErrUnauthorized)
	require.NoError(t, f.ledger.LinkPayoutDestination(alice, alice, lender))
	dest, ok := f.ledger.PayoutDestination(alice)
	require.True(t, ok)
	require.Equal(t, lender, dest)

	require.NoError(t, f.ledger.FundLoan(admin, id, common.Address{}))
	require.Equal(t, e18(14_000), f.st.BalanceOf(stable, lender))
}

func TestRepaymentSendsRelease(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	require.NoError(t, f.ledger.FundLoan(admin, id, alice))

	params := SettlementParams{Recipient: btcRecipient, Extra: []byte("bc1q-script")}
	require.NoError(t, f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, params))

	require.Equal(t, StatusRepaid, f.loan(t, id).Status)
	require.Equal(t, e18(99_860), f.st.BalanceOf(stable, alice))
	require.Equal(t, e18(1_000_140), f.st.BalanceOf(stable, ledgerAddr))

	sent := f.sent(t)
	require.Len(t, sent, 1)
	rc, ok := sent[0].(payload.RepaymentConfirmed)
	require.True(t, ok)
	require.Equal(t, id, rc.LoanID)
	require.Equal(t, btcRecipient, rc.Recipient)
	require.Equal(t, e18(14_140), rc.Amount)
	require.Equal(t, []byte("bc1q-script"), rc.Extra)

	// Settled loans accept nothing further.
	err := f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, params)
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.ErrorIs(t, f.ledger.FlagDefault(admin, id, params), ErrInvalidStatus)
	require.Len(t, f.outbox.Pending(), 1)
}

func TestRepaymentRules(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	params := SettlementParams{Recipient: btcRecipient}

	require.ErrorIs(t, f.ledger.RecordRepayment(alice, id, e18(14_139), alice, false, params), ErrInvalidAmount)
	require.ErrorIs(t, f.ledger.RecordRepayment(bob, id, e18(14_140), alice, false, params), ErrUnauthorizedOperator)
	require.ErrorIs(t, f.ledger.RecordRepayment(alice, id, e18(14_140), alice, true, params), ErrUnauthorizedOperator)
	require.Equal(t, StatusActive, f.loan(t, id).Status)
	require.Empty(t, f.outbox.Pending())

	// An operator may report repayment received elsewhere; no stable moves.
	require.NoError(t, f.ledger.RecordRepayment(operator, id, e18(14_140), alice, true, params))
	require.Equal(t, StatusRepaid, f.loan(t, id).Status)
	require.Equal(t, e18(100_000), f.st.BalanceOf(stable, alice))
	require.Len(t, f.outbox.Pending(), 1)
}

func TestOperatorPullsFromPayer(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)

	require.NoError(t, f.ledger.RecordRepayment(operator, id, e18(15_000), alice, false, SettlementParams{}))
	require.Equal(t, e18(85_000), f.st.BalanceOf(stable, alice))
}

func TestFlagDefault(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	params := SettlementParams{Recipient: lender, Extra: []byte{0x01}}

	require.ErrorIs(t, f.ledger.FlagDefault(alice, id, params), guard.ErrUnauthorized)
	require.ErrorIs(t, f.ledger.FlagDefault(admin, id, SettlementParams{}), guard.ErrZeroAddress)
	require.NoError(t, f.ledger.FlagDefault(admin, id, params))
	require.Equal(t, StatusDefaulted, f.loan(t, id).Status)

	sent := f.sent(t)
	require.Len(t, sent, 1)
	ld, ok := sent[0].(payload.LoanDefault)
	require.True(t, ok)
	require.Equal(t, lender, ld.Recipient)
	require.Equal(t, e18(14_140), ld.Amount)

	err := f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, SettlementParams{})
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.ErrorIs(t, f.ledger.FlagDefault(admin, id, params), ErrInvalidStatus)
}

func TestSendFailureReverts(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)
	f.ledger.messenger = failingMessenger{}

	err := f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, SettlementParams{Recipient: btcRecipient})
	require.Error(t, err)
	require.Equal(t, StatusActive, f.loan(t, id).Status)
	require.Equal(t, e18(100_000), f.st.BalanceOf(stable, alice))
	require.Empty(t, events.Filter(f.st, events.RepaymentRecorded))
	require.Empty(t, events.Filter(f.st, events.SettlementDispatched))
}

func dispatchedDirect(t *testing.T, st *chain.State) []bool {
	t.Helper()
	var out []bool
	for _, log := range events.Filter(st, events.SettlementDispatched) {
		values, err := events.Unpack(events.SettlementDispatched, log.Data)
		require.NoError(t, err)
		out = append(out, values["direct"].(bool))
	}
	return out
}

func TestDirectSettlement(t *testing.T) {
	t.Run("live link", func(t *testing.T) {
		f := newFixture(t)
		id := f.register(t)
		peer := &fakeCollateral{linked: ledgerAddr}
		require.NoError(t, f.ledger.SetDirectLink(admin, peer))
		require.True(t, f.ledger.DirectLinkLive())

		require.NoError(t, f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, SettlementParams{Recipient: btcRecipient}))
		require.Len(t, peer.got, 1)
		require.Equal(t, payload.ActionRepaymentConfirmed, peer.got[0].Action())
		require.Empty(t, f.outbox.Pending())
		require.Equal(t, []bool{true}, dispatchedDirect(t, f.st))
	})

	t.Run("unacknowledged link falls back", func(t *testing.T) {
		f := newFixture(t)
		id := f.register(t)
		peer := &fakeCollateral{linked: bob}
		require.NoError(t, f.ledger.SetDirectLink(admin, peer))
		require.False(t, f.ledger.DirectLinkLive())

		require.NoError(t, f.ledger.FlagDefault(admin, id, SettlementParams{Recipient: lender}))
		require.Empty(t, peer.got)
		require.Len(t, f.outbox.Pending(), 1)
		require.Equal(t, []bool{false}, dispatchedDirect(t, f.st))
	})

	t.Run("peer failure reverts", func(t *testing.T) {
		f := newFixture(t)
		id := f.register(t)
		peer := &fakeCollateral{linked: ledgerAddr, fail: errors.New("position not locked")}
		require.NoError(t, f.ledger.SetDirectLink(admin, peer))

		err := f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, SettlementParams{Recipient: btcRecipient})
		require.Error(t, err)
		require.Equal(t, StatusActive, f.loan(t, id).Status)
		require.Equal(t, e18(100_000), f.st.BalanceOf(stable, alice))
		require.Empty(t, f.outbox.Pending())
	})

	t.Run("only admin configures", func(t *testing.T) {
		f := newFixture(t)
		require.ErrorIs(t, f.ledger.SetDirectLink(alice, &fakeCollateral{}), guard.ErrUnauthorized)
	})
}

func TestUpdateCollateralManager(t *testing.T) {
	f := newFixture(t)
	manager := common.HexToAddress("0x3a3a")

	require.ErrorIs(t, f.ledger.UpdateCollateralManager(alice, manager), guard.ErrUnauthorized)
	require.ErrorIs(t, f.ledger.UpdateCollateralManager(admin, common.Address{}), guard.ErrZeroAddress)
	require.NoError(t, f.ledger.UpdateCollateralManager(admin, manager))

	sent := f.sent(t)
	require.Len(t, sent, 1)
	require.Equal(t, payload.UpdateManager{Manager: manager}, sent[0])
}

func TestPause(t *testing.T) {
	f := newFixture(t)
	id := f.register(t)

	require.ErrorIs(t, f.ledger.Pause(alice), guard.ErrUnauthorized)
	require.NoError(t, f.ledger.Pause(admin))
	require.ErrorIs(t, f.deliver(f.created()), guard.ErrPaused)
	require.ErrorIs(t, f.ledger.RecordRepayment(alice, id, e18(14_140), alice, false, SettlementParams{}), guard.ErrPaused)

	// Defaults are not blocked by a pause.
	require.NoError(t, f.ledger.FlagDefault(admin, id, SettlementParams{Recipient: lender}))
	require.NoError(t, f.ledger.Unpause(admin))
}

func TestRescue(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.ledger.Rescue(alice, stable, alice, e18(1)), guard.ErrUnauthorized)
	require.ErrorIs(t, f.ledger.Rescue(admin, stable, common.Address{}, e18(1)), guard.ErrZeroAddress)
	require.NoError(t, f.ledger.Rescue(admin, stable, admin, e18(10)))
	require.Equal(t, e18(10), f.st.BalanceOf(stable, admin))
}

func TestFundingRequiresAcceptedTerms(t *testing.T) {
	f := newFixture(t)
	terms := crypto.Keccak256Hash([]byte("loan terms v1"))
	f.ledger.cfg.TermsHash = terms

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	borrower := crypto.PubkeyToAddress(key.PublicKey)
	msg := f.created()
	msg.Borrower = borrower
	require.NoError(t, f.deliver(msg))

	require.ErrorIs(t, f.ledger.FundLoan(admin, msg.LoanID, lender), ErrTermsNotAccepted)
	require.Zero(t, f.st.BalanceOf(stable, lender).Sign())
	require.False(t, f.loan(t, msg.LoanID).FundsDisbursed)

	acc := TermsAcceptance{Wallet: borrower, TermsHash: terms, Timestamp: startTime}

	stale := acc
	stale.TermsHash = crypto.Keccak256Hash([]byte("loan terms v0"))
	sig, err := f.ledger.SignTerms(key, stale)
	require.NoError(t, err)
	require.ErrorIs(t, f.ledger.AcceptTerms(stale, sig), ErrTermsMismatch)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err = f.ledger.SignTerms(other, acc)
	require.NoError(t, err)
	require.ErrorIs(t, f.ledger.AcceptTerms(acc, sig), receipt.ErrInvalidSignature)

	future := acc
	future.Timestamp = startTime + oneDay
	sig, err = f.ledger.SignTerms(key, future)
	require.NoError(t, err)
	require.ErrorIs(t, f.ledger.AcceptTerms(future, sig), ErrInvalidAmount)

	_, ok := f.ledger.TermsAccepted(borrower)
	require.False(t, ok)
	require.Empty(t, events.Filter(f.st, events.TermsAccepted))

	sig, err = f.ledger.SignTerms(key, acc)
	require.NoError(t, err)
	require.NoError(t, f.ledger.AcceptTerms(acc, sig))
	got, ok := f.ledger.TermsAccepted(borrower)
	require.True(t, ok)
	require.Equal(t, acc, got)
	require.Len(t, events.Filter(f.st, events.TermsAccepted), 1)

	require.NoError(t, f.ledger.FundLoan(admin, msg.LoanID, lender))
	require.Equal(t, e18(14_000), f.st.BalanceOf(stable, lender))
}

func TestTermsOptional(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	acc := TermsAcceptance{Wallet: crypto.PubkeyToAddress(key.PublicKey), Timestamp: startTime}
	sig, err := f.ledger.SignTerms(key, acc)
	require.NoError(t, err)
	require.ErrorIs(t, f.ledger.AcceptTerms(acc, sig), ErrTermsMismatch)

	id := f.register(t)
	require.NoError(t, f.ledger.FundLoan(admin, id, lender))
}

func TestRepaymentDue(t *testing.T) {
	require.Equal(t, big.NewInt(10_100), RepaymentDue(big.NewInt(10_000), 100))
	require.Equal(t, big.NewInt(10_000), RepaymentDue(big.NewInt(10_000), 0))
	require.Equal(t, big.NewInt(1), RepaymentDue(big.NewInt(1), 50))
}

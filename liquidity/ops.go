// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidity

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"

	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/guard"
	"github.com/luxfi/xloan/loanid"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/oracle"
	"github.com/luxfi/xloan/payload"
)

// ===== Registration =====

// HandleMessengerPayload applies a message delivered by the registered
// messenger. Only LOAN_CREATED is accepted on this side.
func (l *Ledger) HandleMessengerPayload(caller common.Address, msg payload.Message, origin payload.Origin) error {
	l.mu.RLock()
	registered := l.messengerAddr
	l.mu.RUnlock()

	var action string
	if msg != nil {
		action = string(msg.Action())
	}
	err := l.guarded("message", func() error {
		if registered == (common.Address{}) || caller != registered {
			return ErrNotMessenger
		}
		switch m := msg.(type) {
		case payload.LoanCreated:
			return l.register(m)
		case nil:
			return ErrUnknownAction
		default:
			return fmt.Errorf("%w: %s", ErrUnknownAction, msg.Action())
		}
	})
	l.metrics.Received(metrics.Liquidity, action, err)
	if err != nil {
		l.log.Debug("message rejected", "action", action, "srcChain", origin.SrcChainID, "nonce", origin.Nonce, "err", err)
	}
	return err
}

// RegisterLoan records a loan announced by a co-located collateral ledger
// or by the admin.
func (l *Ledger) RegisterLoan(caller common.Address, msg payload.LoanCreated) error {
	return l.guarded("register", func() error {
		if caller != l.cfg.CollateralLedger && l.admin.OnlyOwner(caller) != nil {
			return ErrNotMessenger
		}
		return l.register(msg)
	})
}

func (l *Ledger) register(m payload.LoanCreated) error {
	if err := l.pause.WhenNotPaused(); err != nil {
		return err
	}
	// A redelivered announcement of a known loan is accepted unchanged.
	if _, err := l.loan(m.LoanID); err == nil {
		return nil
	}
	switch {
	case m.LoanID.IsZero():
		return fmt.Errorf("%w: empty loan id", ErrInvalidAmount)
	case m.Borrower == (common.Address{}):
		return guard.ErrZeroAddress
	case m.Principal == nil || m.Principal.Sign() <= 0:
		return fmt.Errorf("%w: principal must be positive", ErrInvalidAmount)
	case m.CollateralAmount == nil || m.CollateralAmount.Sign() <= 0:
		return fmt.Errorf("%w: collateral must be positive", ErrInvalidAmount)
	case m.LtvBps > l.cfg.MaxLtvBps:
		return fmt.Errorf("%w: ltv %d bps above %d", ErrInvalidAmount, m.LtvBps, l.cfg.MaxLtvBps)
	}

	now := l.st.Now()
	if m.LtvBps > 0 {
		price, err := oracle.FreshPrice(l.oracle, now, l.cfg.OracleTimeout)
		if err != nil {
			if errors.Is(err, oracle.ErrOracleStale) {
				l.metrics.OracleRejected(metrics.Liquidity)
			}
			return err
		}
		if limit := maxPrincipal(m.CollateralAmount, price, m.LtvBps); m.Principal.Cmp(limit) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrExcessivePrincipal, m.Principal, limit)
		}
	}

	loan := &Loan{
		ID:               m.LoanID,
		Borrower:         m.Borrower,
		CollateralAmount: new(big.Int).Set(m.CollateralAmount),
		Principal:        new(big.Int).Set(m.Principal),
		RepaymentDue:     RepaymentDue(m.Principal, l.cfg.CommissionBps),
		Deadline:         now + m.Duration,
		LtvBps:           m.LtvBps,
		CreatedAt:        now,
		Status:           StatusActive,
		BridgeProofHash:  crypto.Keccak256Hash(m.BridgeProof),
	}
	l.mu.Lock()
	l.loans[loan.ID] = loan
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		delete(l.loans, loan.ID)
		l.mu.Unlock()
	})
	l.afterCommit(func() { l.metrics.Transition(metrics.Liquidity, StatusActive.String()) })

	if err := l.emit(events.LoanRegistered, loan.ID.Hash(), loan.Borrower, loan.Principal, loan.RepaymentDue, new(big.Int).SetUint64(loan.Deadline)); err != nil {
		return err
	}
	l.log.Info("loan registered",
		"loanID", loan.ID,
		"borrower", loan.Borrower,
		"principal", loan.Principal,
		"repaymentDue", loan.RepaymentDue,
		"deadline", loan.Deadline,
	)
	return nil
}

// maxPrincipal is collateral * price * ltvBps / 1e18 / 10000.
func maxPrincipal(collateral, price *big.Int, ltvBps uint64) *big.Int {
	p := new(big.Int).Mul(collateral, price)
	p.Mul(p, new(big.Int).SetUint64(ltvBps))
	p.Div(p, oracle.One)
	return p.Div(p, big.NewInt(BpsDenominator))
}

// ===== Disbursement =====

// FundLoan pays the principal out of the ledger's stable balance. A zero
// beneficiary pays the borrower's linked payout destination.
func (l *Ledger) FundLoan(caller common.Address, id loanid.ID, beneficiary common.Address) error {
	var principal *big.Int
	err := l.guarded("fund", func() error {
		if err := l.pause.WhenNotPaused(); err != nil {
			return err
		}
		if err := l.admin.OnlyOwner(caller); err != nil {
			return err
		}
		loan, err := l.loan(id)
		if err != nil {
			return err
		}
		if loan.Status != StatusActive {
			return fmt.Errorf("%w: fund from %s", ErrInvalidStatus, loan.Status)
		}
		if loan.FundsDisbursed {
			return ErrAlreadyFunded
		}
		if beneficiary == (common.Address{}) {
			dest, ok := l.PayoutDestination(loan.Borrower)
			if !ok {
				return ErrNoPayoutDestination
			}
			beneficiary = dest
		}
		if err := l.requireTerms(loan.Borrower); err != nil {
			return err
		}

		if err := l.st.Transfer(l.cfg.Stable, l.cfg.Address, beneficiary, loan.Principal); err != nil {
			return err
		}
		l.update(loan, func(ln *Loan) {
			ln.FundsDisbursed = true
			ln.Beneficiary = beneficiary
		})
		principal = loan.Principal
		return l.emit(events.LoanFunded, id.Hash(), beneficiary, loan.Principal)
	})
	if err != nil {
		return err
	}
	l.metrics.AddPrincipal(units(principal))
	l.log.Info("loan funded", "loanID", id, "beneficiary", beneficiary, "amount", principal)
	return nil
}

// ===== Settlement =====

// RecordRepayment marks the loan repaid and instructs the collateral
// ledger to release. The payer's stable is pulled into the ledger unless
// an operator reports that repayment arrived on an alternate rail.
func (l *Ledger) RecordRepayment(caller common.Address, id loanid.ID, amount *big.Int, payer common.Address, viaAlternateRail bool, params SettlementParams) error {
	var funded bool
	err := l.guarded("repay", func() error {
		if err := l.pause.WhenNotPaused(); err != nil {
			return err
		}
		operator := l.operators.Has(caller)
		if viaAlternateRail && !operator {
			return ErrUnauthorizedOperator
		}
		if caller != payer && !operator {
			return ErrUnauthorizedOperator
		}
		loan, err := l.loan(id)
		if err != nil {
			return err
		}
		if loan.Status != StatusActive {
			return fmt.Errorf("%w: repay from %s", ErrInvalidStatus, loan.Status)
		}
		if amount == nil || amount.Cmp(loan.RepaymentDue) < 0 {
			return fmt.Errorf("%w: repayment %v below %s due", ErrInvalidAmount, amount, loan.RepaymentDue)
		}

		if !viaAlternateRail {
			if err := l.st.Transfer(l.cfg.Stable, payer, l.cfg.Address, amount); err != nil {
				return err
			}
		}
		l.setStatus(loan, StatusRepaid)
		funded = loan.FundsDisbursed
		if err := l.emit(events.RepaymentRecorded, id.Hash(), payer, amount, viaAlternateRail); err != nil {
			return err
		}
		return l.settle(payload.RepaymentConfirmed{Settlement: payload.Settlement{
			LoanID:    id,
			Recipient: params.Recipient,
			Amount:    new(big.Int).Set(amount),
			Extra:     params.Extra,
		}})
	})
	if err != nil {
		l.log.Debug("repayment rejected", "loanID", id, "payer", payer, "err", err)
		return err
	}
	l.releasePrincipal(id, funded)
	l.log.Info("repayment recorded", "loanID", id, "payer", payer, "amount", amount, "alternateRail", viaAlternateRail)
	return nil
}

// FlagDefault marks the loan defaulted and instructs the collateral ledger
// to liquidate.
func (l *Ledger) FlagDefault(caller common.Address, id loanid.ID, params SettlementParams) error {
	var funded bool
	err := l.guarded("default", func() error {
		if err := l.admin.OnlyOwner(caller); err != nil {
			return err
		}
		loan, err := l.loan(id)
		if err != nil {
			return err
		}
		if loan.Status != StatusActive {
			return fmt.Errorf("%w: default from %s", ErrInvalidStatus, loan.Status)
		}
		if params.Recipient == (common.Address{}) {
			return guard.ErrZeroAddress
		}
		l.setStatus(loan, StatusDefaulted)
		funded = loan.FundsDisbursed
		if err := l.emit(events.LoanDefaulted, id.Hash()); err != nil {
			return err
		}
		return l.settle(payload.LoanDefault{Settlement: payload.Settlement{
			LoanID:    id,
			Recipient: params.Recipient,
			Amount:    new(big.Int).Set(loan.RepaymentDue),
			Extra:     params.Extra,
		}})
	})
	if err != nil {
		return err
	}
	l.releasePrincipal(id, funded)
	l.log.Warn("loan defaulted", "loanID", id, "recipient", params.Recipient)
	return nil
}

// UpdateCollateralManager rotates the collateral ledger's manager.
func (l *Ledger) UpdateCollateralManager(caller, manager common.Address) error {
	return l.guarded("update_manager", func() error {
		if err := l.admin.OnlyOwner(caller); err != nil {
			return err
		}
		if manager == (common.Address{}) {
			return guard.ErrZeroAddress
		}
		return l.settle(payload.UpdateManager{Manager: manager})
	})
}

// settle hands msg to the collateral ledger. The direct path is taken only
// while the configured peer names this ledger as its linked liquidity
// ledger; otherwise the message goes through the messenger. Either way it
// is the last effect of the calling operation.
func (l *Ledger) settle(msg payload.Message) error {
	l.mu.RLock()
	peer := l.direct
	l.mu.RUnlock()

	direct := peer != nil && peer.LinkedLiquidity() == l.cfg.Address
	if peer != nil && !direct {
		l.log.Warn("direct link not acknowledged by peer, using messenger", "action", msg.Action())
	}

	var topic common.Hash
	if s, ok := settlementOf(msg); ok {
		topic = s.LoanID.Hash()
	}
	if err := l.emit(events.SettlementDispatched, topic, string(msg.Action()), direct); err != nil {
		return err
	}

	if direct {
		if err := peer.HandleLinkedInstruction(l.cfg.Address, msg); err != nil {
			return fmt.Errorf("direct %s: %w", msg.Action(), err)
		}
		l.metrics.Sent(string(msg.Action()), "direct")
		return nil
	}

	data, err := payload.Encode(msg)
	if err != nil {
		return err
	}
	if err := l.messenger.SendMessage(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Action(), err)
	}
	l.metrics.Sent(string(msg.Action()), "messenger")
	return nil
}

func settlementOf(msg payload.Message) (payload.Settlement, bool) {
	switch m := msg.(type) {
	case payload.RepaymentConfirmed:
		return m.Settlement, true
	case payload.LoanDefault:
		return m.Settlement, true
	default:
		return payload.Settlement{}, false
	}
}

func (l *Ledger) setStatus(loan *Loan, to Status) {
	l.update(loan, func(ln *Loan) { ln.Status = to })
	l.afterCommit(func() { l.metrics.Transition(metrics.Liquidity, to.String()) })
}

// releasePrincipal drops a settled loan's principal from the outstanding
// gauge.
func (l *Ledger) releasePrincipal(id loanid.ID, funded bool) {
	if !funded {
		return
	}
	if loan, err := l.Loan(id); err == nil {
		l.metrics.AddPrincipal(-units(loan.Principal))
	}
}

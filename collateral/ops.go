// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package collateral

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
	"github.com/luxfi/xloan/receipt"
)

// ===== Origination =====

// DepositCollateral takes amount of collateral from caller into vault
// custody, quotes principal at ltvBps of its value, mints receipts 1:1 and
// announces the loan to the liquidity ledger.
func (l *Ledger) DepositCollateral(caller common.Address, amount *big.Int, ltvBps, duration uint64, bridgeProof []byte) (loanid.ID, *big.Int, error) {
	var (
		id        loanid.ID
		principal *big.Int
	)
	err := l.guarded("deposit", func() error {
		if err := l.pause.WhenNotPaused(); err != nil {
			return err
		}
		var err error
		id, principal, err = l.deposit(caller, amount, ltvBps, duration, bridgeProof)
		return err
	})
	if err != nil {
		l.log.Debug("deposit rejected", "owner", caller, "amount", amount, "ltvBps", ltvBps, "err", err)
		return loanid.Empty, nil, err
	}
	l.metrics.AddCollateral(units(amount))
	return id, principal, nil
}

func (l *Ledger) deposit(caller common.Address, amount *big.Int, ltvBps, duration uint64, proof []byte) (loanid.ID, *big.Int, error) {
	switch {
	case amount == nil || amount.Sign() <= 0:
		return loanid.Empty, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	case ltvBps == 0 || ltvBps > l.cfg.MaxLtvBps:
		return loanid.Empty, nil, fmt.Errorf("%w: ltv %d bps outside (0, %d]", ErrInvalidAmount, ltvBps, l.cfg.MaxLtvBps)
	case duration == 0:
		return loanid.Empty, nil, fmt.Errorf("%w: duration must be positive", ErrInvalidAmount)
	}

	now := l.st.Now()
	price, err := oracle.FreshPrice(l.oracle, now, l.cfg.OracleTimeout)
	if err != nil {
		if errors.Is(err, oracle.ErrOracleStale) {
			l.metrics.OracleRejected(metrics.Collateral)
		}
		return loanid.Empty, nil, err
	}
	// The liquidity ledger refuses zero principal, so dust never leaves the owner.
	principal := Principal(amount, price, ltvBps)
	if principal.Sign() == 0 {
		return loanid.Empty, nil, fmt.Errorf("%w: principal rounds to zero", ErrInvalidAmount)
	}

	ok, err := l.bridge.ValidateBridgeProof(caller, amount, proof)
	if err != nil {
		return loanid.Empty, nil, fmt.Errorf("%w: %w", ErrInvalidBridgeProof, err)
	}
	if !ok {
		return loanid.Empty, nil, ErrInvalidBridgeProof
	}

	// Custody
	if err := l.st.Transfer(l.cfg.Collateral, caller, l.cfg.Address, amount); err != nil {
		return loanid.Empty, nil, err
	}
	shares, err := l.vault.Deposit(l.cfg.Address, amount)
	if err != nil {
		return loanid.Empty, nil, err
	}
	gap := new(big.Int).Sub(shares, amount)
	if gap.Abs(gap).Cmp(l.cfg.ShareTolerance) > 0 {
		return loanid.Empty, nil, fmt.Errorf("%w: deposited %s, got %s shares", ErrVaultShareMismatch, amount, shares)
	}

	pos := &Position{
		ID:               l.ids.Next(),
		Owner:            caller,
		CollateralAmount: new(big.Int).Set(amount),
		CustodyShares:    shares,
		PrincipalQuoted:  principal,
		ReceiptsMinted:   new(big.Int).Set(amount),
		LtvBps:           ltvBps,
		CreatedAt:        now,
		Deadline:         now + duration,
		BridgeProofHash:  crypto.Keccak256Hash(proof),
	}
	l.addPosition(pos)
	if err := l.setState(pos, StateActive); err != nil {
		return loanid.Empty, nil, err
	}

	if err := l.receipt.Mint(l.cfg.Address, caller, pos.ReceiptsMinted); err != nil {
		return loanid.Empty, nil, err
	}
	if err := l.emit(events.CollateralDeposited, pos.ID.Hash(), caller, amount, principal, new(big.Int).SetUint64(ltvBps)); err != nil {
		return loanid.Empty, nil, err
	}

	msg, err := payload.Encode(payload.LoanCreated{
		LoanID:           pos.ID,
		Borrower:         caller,
		CollateralAmount: amount,
		Principal:        principal,
		LtvBps:           ltvBps,
		Duration:         duration,
		CreatedAt:        now,
		BridgeProof:      proof,
	})
	if err != nil {
		return loanid.Empty, nil, err
	}
	if err := l.messenger.SendMessage(msg); err != nil {
		return loanid.Empty, nil, fmt.Errorf("send %s: %w", payload.ActionLoanCreated, err)
	}
	l.metrics.Sent(string(payload.ActionLoanCreated), "messenger")

	l.log.Info("collateral deposited",
		"loanID", pos.ID,
		"owner", caller,
		"amount", amount,
		"principal", principal,
		"ltvBps", ltvBps,
	)
	return pos.ID, new(big.Int).Set(principal), nil
}

// Principal is amount * price * ltvBps / 1e18 / 10000.
func Principal(amount, price *big.Int, ltvBps uint64) *big.Int {
	p := new(big.Int).Mul(amount, price)
	p.Mul(p, new(big.Int).SetUint64(ltvBps))
	p.Div(p, oracle.One)
	return p.Div(p, big.NewInt(BpsDenominator))
}

// ===== Lock =====

// LockOwnershipToken pulls the owner's receipts into custody using the
// allowance granted to the ledger and marks the position awaiting unlock.
// Locking an already locked position is a no-op.
func (l *Ledger) LockOwnershipToken(caller common.Address, id loanid.ID) error {
	return l.guarded("lock", func() error { return l.lock(caller, id) })
}

// LockOwnershipTokenWithPermit applies a signed grant before locking. A
// failed lock also reverts the nonce the permit consumed.
func (l *Ledger) LockOwnershipTokenWithPermit(caller common.Address, id loanid.ID, auth receipt.Authorization, sig []byte) error {
	return l.guarded("lock", func() error {
		if auth.Grantor != caller || auth.Grantee != l.cfg.Address {
			return receipt.ErrInvalidSignature
		}
		if err := l.receipt.Permit(auth, sig); err != nil {
			return err
		}
		return l.lock(caller, id)
	})
}

func (l *Ledger) lock(caller common.Address, id loanid.ID) error {
	pos, err := l.position(id)
	if err != nil {
		return err
	}
	if pos.Owner != caller {
		return ErrNotLoanOwner
	}
	switch pos.State {
	case StateAwaitingUnlock:
		return nil
	case StateActive:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, pos.State)
	}

	if err := l.receipt.TransferFrom(l.cfg.Address, caller, l.cfg.Address, pos.ReceiptsMinted); err != nil {
		return err
	}
	l.addLockedReceipts(pos.ReceiptsMinted)
	if err := l.setState(pos, StateAwaitingUnlock); err != nil {
		return err
	}
	if err := l.emit(events.OwnershipLocked, id.Hash(), caller, pos.ReceiptsMinted); err != nil {
		return err
	}
	l.log.Info("ownership locked", "loanID", id, "owner", caller, "receipts", pos.ReceiptsMinted)
	return nil
}

// ===== Settlement =====

// HandleMessengerPayload applies a settlement instruction delivered by the
// registered messenger.
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
		return l.dispatch(msg)
	})
	l.metrics.Received(metrics.Collateral, action, err)
	if err != nil {
		l.log.Debug("message rejected", "action", action, "srcChain", origin.SrcChainID, "nonce", origin.Nonce, "err", err)
	}
	return err
}

// HandleLinkedInstruction is the direct path from a linked liquidity ledger.
// It runs inside the calling ledger's operation on the shared state and is
// reverted with it.
func (l *Ledger) HandleLinkedInstruction(caller common.Address, msg payload.Message) error {
	l.mu.RLock()
	linked := l.linkedLedger
	l.mu.RUnlock()

	return l.run("linked", l.st.Atomic, func() error {
		if linked == (common.Address{}) || caller != linked {
			return ErrNotMessenger
		}
		return l.dispatch(msg)
	})
}

// InitiateWithdrawal lets the manager or a keeper release a locked
// position without a message.
func (l *Ledger) InitiateWithdrawal(caller common.Address, id loanid.ID, recipient common.Address, params []byte) error {
	return l.guarded("withdraw", func() error {
		if caller != l.Manager() && !l.keepers.Has(caller) {
			return guard.ErrUnauthorized
		}
		return l.release(payload.Settlement{LoanID: id, Recipient: recipient, Extra: params})
	})
}

// Liquidate lets the manager or a keeper liquidate a position without a
// message.
func (l *Ledger) Liquidate(caller common.Address, id loanid.ID, recipient common.Address, params []byte) error {
	return l.guarded("liquidate", func() error {
		if caller != l.Manager() && !l.keepers.Has(caller) {
			return guard.ErrUnauthorized
		}
		return l.liquidate(payload.Settlement{LoanID: id, Recipient: recipient, Extra: params})
	})
}

func (l *Ledger) dispatch(msg payload.Message) error {
	switch m := msg.(type) {
	case payload.RepaymentConfirmed:
		return l.release(m.Settlement)
	case payload.LoanDefault:
		return l.liquidate(m.Settlement)
	case payload.UpdateManager:
		return l.setManager(m.Manager)
	case nil:
		return ErrUnknownAction
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, msg.Action())
	}
}

func (l *Ledger) release(s payload.Settlement) error {
	pos, err := l.position(s.LoanID)
	if err != nil {
		return err
	}
	if pos.State != StateAwaitingUnlock {
		return fmt.Errorf("%w: release from %s", ErrInvalidState, pos.State)
	}
	recipient := s.Recipient
	if recipient == (common.Address{}) {
		recipient = pos.Owner
	}

	withdrawn, err := l.vault.WithdrawShares(l.cfg.Address, pos.CustodyShares)
	if err != nil {
		return err
	}
	if withdrawn.Cmp(pos.CollateralAmount) < 0 {
		return fmt.Errorf("%w: withdrew %s of %s", ErrVaultShareMismatch, withdrawn, pos.CollateralAmount)
	}

	if err := l.receipt.Burn(l.cfg.Address, l.cfg.Address, pos.ReceiptsMinted); err != nil {
		return err
	}
	l.addLockedReceipts(new(big.Int).Neg(pos.ReceiptsMinted))

	if err := l.setState(pos, StateReleasing); err != nil {
		return err
	}
	if err := l.setState(pos, StateReleased); err != nil {
		return err
	}
	if err := l.emit(events.CollateralReleased, pos.ID.Hash(), recipient, withdrawn); err != nil {
		return err
	}

	ticket, err := l.bridge.BridgeToBitcoin(l.cfg.Address, recipient, withdrawn, s.Extra)
	if err != nil {
		return err
	}
	amount := pos.CollateralAmount
	l.afterCommit(func() { l.metrics.AddCollateral(-units(amount)) })
	l.log.Info("collateral released", "loanID", pos.ID, "recipient", recipient, "amount", withdrawn, "ticket", ticket)
	return nil
}

func (l *Ledger) liquidate(s payload.Settlement) error {
	pos, err := l.position(s.LoanID)
	if err != nil {
		return err
	}
	if pos.State != StateActive && pos.State != StateAwaitingUnlock {
		return fmt.Errorf("%w: liquidate from %s", ErrInvalidState, pos.State)
	}
	if s.Recipient == (common.Address{}) {
		return guard.ErrZeroAddress
	}
	locked := pos.State == StateAwaitingUnlock

	withdrawn, err := l.vault.WithdrawShares(l.cfg.Address, pos.CustodyShares)
	if err != nil {
		return err
	}
	if err := l.burnOwnerReceipts(pos, locked); err != nil {
		return err
	}
	if err := l.setState(pos, StateDefaulted); err != nil {
		return err
	}
	if err := l.emit(events.CollateralLiquidated, pos.ID.Hash(), s.Recipient, withdrawn); err != nil {
		return err
	}

	out, err := l.bridge.UnwindToStable(l.cfg.Address, s.Recipient, withdrawn, s.Extra)
	if err != nil {
		return err
	}
	amount := pos.CollateralAmount
	l.afterCommit(func() { l.metrics.AddCollateral(-units(amount)) })
	l.log.Info("collateral liquidated", "loanID", pos.ID, "recipient", s.Recipient, "amountIn", withdrawn, "amountOut", out)
	return nil
}

// burnOwnerReceipts destroys the position's receipts wherever they sit. An
// unlocked position's receipts are taken from the owner first and any
// shortfall from receipts the owner sent to the ledger directly.
func (l *Ledger) burnOwnerReceipts(pos *Position, locked bool) error {
	minted := pos.ReceiptsMinted
	if locked {
		if err := l.receipt.Burn(l.cfg.Address, l.cfg.Address, minted); err != nil {
			return err
		}
		l.addLockedReceipts(new(big.Int).Neg(minted))
		return nil
	}

	fromOwner := l.receipt.BalanceOf(pos.Owner)
	if fromOwner.Cmp(minted) > 0 {
		fromOwner.Set(minted)
	}
	if fromOwner.Sign() > 0 {
		if err := l.receipt.Burn(l.cfg.Address, pos.Owner, fromOwner); err != nil {
			return err
		}
	}
	if rest := new(big.Int).Sub(minted, fromOwner); rest.Sign() > 0 {
		free := new(big.Int).Sub(l.receipt.BalanceOf(l.cfg.Address), l.LockedReceipts())
		if free.Cmp(rest) < 0 {
			return fmt.Errorf("%w: %s receipts unaccounted", ErrInvalidState, rest)
		}
		if err := l.receipt.Burn(l.cfg.Address, l.cfg.Address, rest); err != nil {
			return err
		}
	}
	return nil
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/guard"
	"github.com/luxfi/xloan/oracle"
)

// Config holds the adapter's policy.
type Config struct {
	// MaxPerOperation caps a single proof-backed deposit. Zero disables the cap.
	MaxPerOperation *big.Int
	// MaxSlippageBps bounds how far below the expected output a declared
	// swap minimum may be.
	MaxSlippageBps uint64
}

// Adapter is the settlement adapter used by the collateral ledger.
type Adapter struct {
	mu sync.RWMutex

	st         *chain.State
	address    common.Address
	collateral common.Address

	verifier ProofVerifier
	relayer  Relayer
	venue    SwapVenue
	// prices, when set, converts collateral into expected stable output for
	// the slippage policy. Without it the expected output equals the input.
	prices oracle.PriceOracle

	maxPerOperation *big.Int
	maxSlippageBps  uint64

	coordinators *guard.Roles
	reentrancy   guard.Reentrancy

	log log.Logger
}

// NewAdapter creates an adapter for the collateral token.
func NewAdapter(
	st *chain.State,
	address common.Address,
	collateral common.Address,
	verifier ProofVerifier,
	relayer Relayer,
	venue SwapVenue,
	cfg Config,
	logger log.Logger,
) (*Adapter, error) {
	if cfg.MaxSlippageBps >= BpsDenominator {
		return nil, ErrInvalidSlippage
	}
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	maxPerOp := new(big.Int)
	if cfg.MaxPerOperation != nil {
		maxPerOp.Set(cfg.MaxPerOperation)
	}
	return &Adapter{
		st:              st,
		address:         address,
		collateral:      collateral,
		verifier:        verifier,
		relayer:         relayer,
		venue:           venue,
		maxPerOperation: maxPerOp,
		maxSlippageBps:  cfg.MaxSlippageBps,
		coordinators:    guard.NewRoles(),
		log:             logger,
	}, nil
}

func (a *Adapter) Address() common.Address { return a.address }

// Authorize allows coordinator to move collateral through the adapter.
func (a *Adapter) Authorize(coordinator common.Address, enabled bool) {
	a.coordinators.Set(coordinator, enabled)
}

// SetPriceSource installs the oracle used for the slippage policy.
func (a *Adapter) SetPriceSource(o oracle.PriceOracle) {
	a.mu.Lock()
	a.prices = o
	a.mu.Unlock()
}

// ValidateBridgeProof enforces the per-operation cap and then asks the
// external verifier.
func (a *Adapter) ValidateBridgeProof(user common.Address, amount *big.Int, proof []byte) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}
	if a.maxPerOperation.Sign() > 0 && amount.Cmp(a.maxPerOperation) > 0 {
		return false, ErrAmountExceedsLimit
	}
	ok, err := a.verifier.Verify(user, amount, proof)
	if err != nil {
		return false, err
	}
	if !ok {
		a.log.Debug("bridge proof rejected", "user", user, "amount", amount)
	}
	return ok, nil
}

// BridgeToBitcoin moves amount of collateral from the calling coordinator
// into the relayer's custody and files a settlement ticket.
func (a *Adapter) BridgeToBitcoin(caller, recipient common.Address, amount *big.Int, params []byte) (uuid.UUID, error) {
	if !a.coordinators.Has(caller) {
		return uuid.Nil, ErrUnauthorizedCaller
	}
	if amount == nil || amount.Sign() <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	exit, err := a.reentrancy.Enter()
	if err != nil {
		return uuid.Nil, err
	}
	defer exit()

	var ticket uuid.UUID
	err = a.st.Atomic(func() error {
		if err := a.st.Transfer(a.collateral, caller, a.relayer.Address(), amount); err != nil {
			return err
		}
		id, err := a.relayer.Enqueue(caller, recipient, amount, params)
		if err != nil {
			return err
		}
		ticket = id
		return events.Emit(a.st, a.address, events.BridgedToBitcoin,
			common.BytesToHash(id[:]), recipient, amount)
	})
	if err != nil {
		return uuid.Nil, err
	}

	a.log.Info("collateral handed to relayer",
		"ticket", ticket,
		"recipient", recipient,
		"amount", amount,
	)
	return ticket, nil
}

// UnwindToStable swaps amount of collateral into the stable asset for
// beneficiary. swapParams carries the caller's minimum output, which must
// be at least the policy minimum; the swap is reverted if the venue pays
// less than the caller's minimum.
func (a *Adapter) UnwindToStable(caller, beneficiary common.Address, amount *big.Int, swapParams []byte) (*big.Int, error) {
	if !a.coordinators.Has(caller) {
		return nil, ErrUnauthorizedCaller
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	exit, err := a.reentrancy.Enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	params, err := DecodeSwapParams(swapParams)
	if err != nil {
		return nil, err
	}
	policyMin, err := a.PolicyMinimum(amount)
	if err != nil {
		return nil, err
	}
	if params.MinAmountOut.Cmp(policyMin) < 0 {
		return nil, ErrMinAmountOutTooLow
	}

	var out *big.Int
	err = a.st.Atomic(func() error {
		if err := a.st.Transfer(a.collateral, caller, a.venue.Address(), amount); err != nil {
			return err
		}
		got, err := a.venue.Swap(amount, beneficiary)
		if err != nil {
			return err
		}
		if got.Cmp(params.MinAmountOut) < 0 {
			return ErrSlippageExceeded
		}
		out = got
		return events.Emit(a.st, a.address, events.UnwoundToStable, beneficiary, amount, got)
	})
	if err != nil {
		a.log.Warn("unwind rejected", "beneficiary", beneficiary, "amount", amount, "err", err)
		return nil, err
	}

	a.log.Info("collateral unwound",
		"beneficiary", beneficiary,
		"amountIn", amount,
		"amountOut", out,
	)
	return out, nil
}

// PolicyMinimum returns the lowest minimum output a caller may declare for
// amount of collateral.
func (a *Adapter) PolicyMinimum(amount *big.Int) (*big.Int, error) {
	a.mu.RLock()
	prices := a.prices
	a.mu.RUnlock()

	expected := new(big.Int).Set(amount)
	if prices != nil {
		price, err := prices.Price()
		if err != nil {
			return nil, err
		}
		expected.Mul(expected, price)
		expected.Div(expected, oracle.One)
	}

	min := expected.Mul(expected, new(big.Int).SetUint64(BpsDenominator-a.maxSlippageBps))
	return min.Div(min, big.NewInt(BpsDenominator)), nil
}

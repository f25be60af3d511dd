// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault implements share-based custody for deposited collateral.
package vault

import (
	"errors"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/chain"
)

var (
	ErrDepositsDisabled     = errors.New("deposits disabled")
	ErrWithdrawalsDisabled  = errors.New("withdrawals disabled")
	ErrDepositLimitExceeded = errors.New("deposit limit exceeded")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrZeroShares           = errors.New("zero shares")
	ErrInvalidAmount        = errors.New("invalid amount")
)

// Custody is the vault surface the collateral ledger depends on.
type Custody interface {
	// Deposit pulls assets from caller and returns the shares minted.
	Deposit(caller common.Address, assets *big.Int) (*big.Int, error)
	// WithdrawShares burns caller's shares and returns the assets paid out.
	WithdrawShares(caller common.Address, shares *big.Int) (*big.Int, error)
}

// Pool is an ERC-4626 style vault over a single asset held in ledger state.
type Pool struct {
	mu sync.RWMutex

	st      *chain.State
	address common.Address
	asset   common.Address

	totalAssets *big.Int
	totalShares *big.Int
	shares      map[common.Address]*big.Int

	depositLimit    *big.Int // zero means unlimited
	depositEnabled  bool
	withdrawEnabled bool
}

// NewPool creates an empty vault holding asset at address.
func NewPool(st *chain.State, address, asset common.Address, depositLimit *big.Int) *Pool {
	if depositLimit == nil {
		depositLimit = new(big.Int)
	}
	return &Pool{
		st:              st,
		address:         address,
		asset:           asset,
		totalAssets:     new(big.Int),
		totalShares:     new(big.Int),
		shares:          make(map[common.Address]*big.Int),
		depositLimit:    depositLimit,
		depositEnabled:  true,
		withdrawEnabled: true,
	}
}

func (p *Pool) Address() common.Address { return p.address }
func (p *Pool) Asset() common.Address   { return p.asset }

// SetEnabled toggles deposits and withdrawals.
func (p *Pool) SetEnabled(deposits, withdrawals bool) {
	p.mu.Lock()
	p.depositEnabled = deposits
	p.withdrawEnabled = withdrawals
	p.mu.Unlock()
}

// Deposit pulls assets from caller and mints shares.
func (p *Pool) Deposit(caller common.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	p.mu.Lock()
	if !p.depositEnabled {
		p.mu.Unlock()
		return nil, ErrDepositsDisabled
	}

	newTotal := new(big.Int).Add(p.totalAssets, assets)
	if p.depositLimit.Sign() > 0 && newTotal.Cmp(p.depositLimit) > 0 {
		p.mu.Unlock()
		return nil, ErrDepositLimitExceeded
	}

	var shares *big.Int
	if p.totalShares.Sign() == 0 {
		// First deposit: 1:1 ratio
		shares = new(big.Int).Set(assets)
	} else {
		// shares = assets * totalShares / totalAssets
		shares = new(big.Int).Mul(assets, p.totalShares)
		shares.Div(shares, p.totalAssets)
	}
	if shares.Sign() == 0 {
		p.mu.Unlock()
		return nil, ErrZeroShares
	}
	defer p.mu.Unlock()

	if err := p.st.Transfer(p.asset, caller, p.address, assets); err != nil {
		return nil, err
	}
	p.apply(caller, assets, shares)
	return shares, nil
}

// WithdrawShares burns shares owned by caller and pays out the assets they
// represent.
func (p *Pool) WithdrawShares(caller common.Address, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.withdrawEnabled {
		return nil, ErrWithdrawalsDisabled
	}
	if p.sharesOf(caller).Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	// assets = shares * totalAssets / totalShares
	assets := new(big.Int).Mul(shares, p.totalAssets)
	assets.Div(assets, p.totalShares)

	if err := p.st.Transfer(p.asset, p.address, caller, assets); err != nil {
		return nil, err
	}
	p.apply(caller, new(big.Int).Neg(assets), new(big.Int).Neg(shares))
	return assets, nil
}

// Accrue credits yield to the vault, raising the value of every share.
func (p *Pool) Accrue(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.st.Transfer(p.asset, from, p.address, amount); err != nil {
		return err
	}
	p.apply(common.Address{}, amount, new(big.Int))
	return nil
}

// apply adjusts totals and holder's shares by the given deltas and journals
// the previous values. Caller must hold p.mu.
func (p *Pool) apply(holder common.Address, assetsDelta, sharesDelta *big.Int) {
	prevAssets := new(big.Int).Set(p.totalAssets)
	prevShares := new(big.Int).Set(p.totalShares)
	prevHeld := new(big.Int).Set(p.sharesOf(holder))

	p.totalAssets = new(big.Int).Add(p.totalAssets, assetsDelta)
	p.totalShares = new(big.Int).Add(p.totalShares, sharesDelta)
	if sharesDelta.Sign() != 0 {
		p.shares[holder] = new(big.Int).Add(prevHeld, sharesDelta)
	}

	p.st.Record(func() {
		p.mu.Lock()
		p.totalAssets = prevAssets
		p.totalShares = prevShares
		if sharesDelta.Sign() != 0 {
			p.shares[holder] = prevHeld
		}
		p.mu.Unlock()
	})
}

func (p *Pool) sharesOf(holder common.Address) *big.Int {
	if s := p.shares[holder]; s != nil {
		return s
	}
	return new(big.Int)
}

// SharesOf returns the shares held by holder.
func (p *Pool) SharesOf(holder common.Address) *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.sharesOf(holder))
}

// TotalAssets returns the assets under custody.
func (p *Pool) TotalAssets() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.totalAssets)
}

// TotalShares returns the outstanding shares.
func (p *Pool) TotalShares() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.totalShares)
}

// ConvertToAssets previews the assets redeemable for shares.
func (p *Pool) ConvertToAssets(shares *big.Int) *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.totalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	out := new(big.Int).Mul(shares, p.totalAssets)
	return out.Div(out, p.totalShares)
}

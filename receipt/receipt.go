// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package receipt implements the ownership receipt token minted against
// deposited collateral. Only the issuing coordinator may mint or burn, and
// every transfer must have the coordinator on one side.
package receipt

import (
	"errors"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/chain"
)

var (
	ErrNotCoordinator        = errors.New("caller is not the coordinator")
	ErrTransferRestricted    = errors.New("receipt transfers must involve the coordinator")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrPermitExpired         = errors.New("permit expired")
	ErrInvalidNonce          = errors.New("invalid permit nonce")
	ErrInvalidSignature      = errors.New("invalid permit signature")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Token is an ownership receipt. Balances live in the ledger state under
// the token's address; allowances and permit nonces are journaled into the
// same state.
type Token struct {
	mu sync.RWMutex

	st          *chain.State
	address     common.Address
	name        string
	coordinator common.Address

	allowances map[common.Address]map[common.Address]*big.Int
	nonces     map[common.Address]uint64

	domainSeparator common.Hash
}

// New creates a receipt token at address, administered by coordinator.
func New(st *chain.State, address, coordinator common.Address, name string) *Token {
	return &Token{
		st:              st,
		address:         address,
		name:            name,
		coordinator:     coordinator,
		allowances:      make(map[common.Address]map[common.Address]*big.Int),
		nonces:          make(map[common.Address]uint64),
		domainSeparator: TypedDomain(name, st.ChainID(), address),
	}
}

func (t *Token) Address() common.Address     { return t.address }
func (t *Token) Name() string                { return t.name }
func (t *Token) Coordinator() common.Address { return t.coordinator }

func (t *Token) BalanceOf(holder common.Address) *big.Int {
	return t.st.BalanceOf(t.address, holder)
}

func (t *Token) TotalSupply() *big.Int {
	return t.st.TotalSupply(t.address)
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.allowance(owner, spender))
}

// Nonces returns the next permit nonce of owner.
func (t *Token) Nonces(owner common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nonces[owner]
}

// Mint issues amount to to.
func (t *Token) Mint(caller, to common.Address, amount *big.Int) error {
	if caller != t.coordinator {
		return ErrNotCoordinator
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return t.st.Mint(t.address, to, amount)
}

// Burn destroys amount held by from.
func (t *Token) Burn(caller, from common.Address, amount *big.Int) error {
	if caller != t.coordinator {
		return ErrNotCoordinator
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return t.st.Burn(t.address, from, amount)
}

// Transfer moves the caller's tokens.
func (t *Token) Transfer(caller, to common.Address, amount *big.Int) error {
	if err := t.checkRoute(caller, to); err != nil {
		return err
	}
	return t.st.Transfer(t.address, caller, to, amount)
}

// Approve sets the allowance of spender over the caller's tokens.
func (t *Token) Approve(caller, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	t.setAllowance(caller, spender, amount)
	return nil
}

// TransferFrom moves from's tokens using the caller's allowance.
func (t *Token) TransferFrom(caller, from, to common.Address, amount *big.Int) error {
	if err := t.checkRoute(from, to); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	allowed := t.Allowance(from, caller)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.st.Transfer(t.address, from, to, amount); err != nil {
		return err
	}
	t.setAllowance(from, caller, new(big.Int).Sub(allowed, amount))
	return nil
}

func (t *Token) checkRoute(from, to common.Address) error {
	if from != t.coordinator && to != t.coordinator {
		return ErrTransferRestricted
	}
	return nil
}

func (t *Token) allowance(owner, spender common.Address) *big.Int {
	if m := t.allowances[owner]; m != nil {
		if a := m[spender]; a != nil {
			return a
		}
	}
	return new(big.Int)
}

func (t *Token) setAllowance(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	prev := new(big.Int).Set(t.allowance(owner, spender))
	m := t.allowances[owner]
	if m == nil {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
	t.mu.Unlock()

	t.st.Record(func() {
		t.mu.Lock()
		t.allowances[owner][spender] = prev
		t.mu.Unlock()
	})
}

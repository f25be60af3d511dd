// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chain models the execution state of one ledger: token balances,
// emitted logs, a clock and a journal that lets a failed operation discard
// every mutation it made.
package chain

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
)

// NativeToken is the token address used for the ledger's gas asset.
var NativeToken = common.Address{}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid token amount")
	ErrInvalidSnapshot     = errors.New("invalid snapshot id")
)

// Journal records undo actions for state owned outside of State.
type Journal interface {
	Record(undo func())
}

// State is the journaled state of a single ledger.
type State struct {
	// exec serializes top-level operations. mu only guards the maps.
	exec sync.Mutex
	mu   sync.Mutex

	chainID uint64
	clock   Clock

	// token -> holder -> balance
	balances map[common.Address]map[common.Address]*uint256.Int
	supply   map[common.Address]*uint256.Int
	logs     []*types.Log

	journal []func()
}

// NewState creates an empty ledger state.
func NewState(chainID uint64, clock Clock) *State {
	if clock == nil {
		clock = SystemClock{}
	}
	return &State{
		chainID:  chainID,
		clock:    clock,
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:   make(map[common.Address]*uint256.Int),
	}
}

// ChainID returns the network id of the ledger.
func (s *State) ChainID() uint64 { return s.chainID }

// Now returns the current ledger time in unix seconds.
func (s *State) Now() uint64 { return s.clock.Now() }

// Record appends an undo action to the journal.
func (s *State) Record(undo func()) {
	s.mu.Lock()
	s.journal = append(s.journal, undo)
	s.mu.Unlock()
}

// Snapshot returns an identifier for the current journal position.
func (s *State) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

// RevertToSnapshot undoes every mutation recorded after the snapshot was taken.
func (s *State) RevertToSnapshot(id int) error {
	s.mu.Lock()
	if id < 0 || id > len(s.journal) {
		s.mu.Unlock()
		return ErrInvalidSnapshot
	}
	undo := s.journal[id:]
	s.journal = s.journal[:id]
	s.mu.Unlock()

	// Undo closures may touch State again, so they run without the lock.
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

// Exec runs fn as one top-level operation. Operations on the same State are
// serialized, fn's effects are reverted if it fails, and a successful
// operation is committed: the journal is cleared and earlier snapshots
// become invalid. Code already running inside Exec must use Atomic.
func (s *State) Exec(fn func() error) error {
	s.exec.Lock()
	defer s.exec.Unlock()

	if err := s.Atomic(fn); err != nil {
		return err
	}
	s.mu.Lock()
	clear(s.journal)
	s.journal = s.journal[:0]
	s.mu.Unlock()
	return nil
}

// Atomic runs fn and reverts all of its effects if it returns an error. It
// nests inside Exec and other Atomic calls.
func (s *State) Atomic(fn func() error) error {
	snap := s.Snapshot()
	if err := fn(); err != nil {
		if rerr := s.RevertToSnapshot(snap); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// BalanceOf returns holder's balance of token.
func (s *State) BalanceOf(token, holder common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(token, holder).ToBig()
}

// TotalSupply returns the minted supply of token.
func (s *State) TotalSupply(token common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sup := s.supply[token]; sup != nil {
		return sup.ToBig()
	}
	return new(big.Int)
}

// Mint credits amount of token to holder.
func (s *State) Mint(token, to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevBal := s.balance(token, to).Clone()
	prevSupply := s.totalSupply(token).Clone()

	newBal, overflow := new(uint256.Int).AddOverflow(prevBal, amt)
	if overflow {
		return ErrInvalidAmount
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(prevSupply, amt)
	if overflow {
		return ErrInvalidAmount
	}

	s.setBalance(token, to, newBal)
	s.supply[token] = newSupply
	s.journal = append(s.journal, func() {
		s.mu.Lock()
		s.setBalance(token, to, prevBal)
		s.supply[token] = prevSupply
		s.mu.Unlock()
	})
	return nil
}

// Burn debits amount of token from holder and reduces supply.
func (s *State) Burn(token, from common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevBal := s.balance(token, from).Clone()
	if prevBal.Lt(amt) {
		return ErrInsufficientBalance
	}
	prevSupply := s.totalSupply(token).Clone()

	s.setBalance(token, from, new(uint256.Int).Sub(prevBal, amt))
	s.supply[token] = new(uint256.Int).Sub(prevSupply, amt)
	s.journal = append(s.journal, func() {
		s.mu.Lock()
		s.setBalance(token, from, prevBal)
		s.supply[token] = prevSupply
		s.mu.Unlock()
	})
	return nil
}

// Transfer moves amount of token from one holder to another.
func (s *State) Transfer(token, from, to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevFrom := s.balance(token, from).Clone()
	if prevFrom.Lt(amt) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	prevTo := s.balance(token, to).Clone()

	s.setBalance(token, from, new(uint256.Int).Sub(prevFrom, amt))
	s.setBalance(token, to, new(uint256.Int).Add(prevTo, amt))
	s.journal = append(s.journal, func() {
		s.mu.Lock()
		s.setBalance(token, from, prevFrom)
		s.setBalance(token, to, prevTo)
		s.mu.Unlock()
	})
	return nil
}

// AddLog appends an event log emitted by addr.
func (s *State) AddLog(log *types.Log) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Index = uint(len(s.logs))
	s.logs = append(s.logs, log)
	n := len(s.logs) - 1
	s.journal = append(s.journal, func() {
		s.mu.Lock()
		s.logs = s.logs[:n]
		s.mu.Unlock()
	})
}

// Logs returns all logs emitted so far.
func (s *State) Logs() []*types.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Log, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *State) balance(token, holder common.Address) *uint256.Int {
	if m := s.balances[token]; m != nil {
		if bal := m[holder]; bal != nil {
			return bal
		}
	}
	return uint256.NewInt(0)
}

func (s *State) setBalance(token, holder common.Address, bal *uint256.Int) {
	m := s.balances[token]
	if m == nil {
		m = make(map[common.Address]*uint256.Int)
		s.balances[token] = m
	}
	m[holder] = bal
}

func (s *State) totalSupply(token common.Address) *uint256.Int {
	if sup := s.supply[token]; sup != nil {
		return sup
	}
	return uint256.NewInt(0)
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

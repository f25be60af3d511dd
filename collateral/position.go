// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package collateral

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/loanid"
)

// State is the lifecycle of a collateral position.
type State uint8

const (
	StateNone State = iota
	StateActive
	StateAwaitingUnlock
	StateReleasing
	StateDefaulted
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateAwaitingUnlock:
		return "awaiting_unlock"
	case StateReleasing:
		return "releasing"
	case StateDefaulted:
		return "defaulted"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDefaulted || s == StateReleased
}

// transitions lists every edge a position may take.
var transitions = map[State][]State{
	StateNone:           {StateActive},
	StateActive:         {StateAwaitingUnlock, StateDefaulted},
	StateAwaitingUnlock: {StateReleasing, StateDefaulted},
	StateReleasing:      {StateReleased},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Position is a collateral deposit backing one loan.
type Position struct {
	ID               loanid.ID
	Owner            common.Address
	CollateralAmount *big.Int
	CustodyShares    *big.Int
	PrincipalQuoted  *big.Int
	ReceiptsMinted   *big.Int
	LtvBps           uint64
	CreatedAt        uint64
	Deadline         uint64
	BridgeProofHash  common.Hash
	State            State
}

func (p *Position) clone() Position {
	c := *p
	c.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	c.CustodyShares = new(big.Int).Set(p.CustodyShares)
	c.PrincipalQuoted = new(big.Int).Set(p.PrincipalQuoted)
	c.ReceiptsMinted = new(big.Int).Set(p.ReceiptsMinted)
	return c
}

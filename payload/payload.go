// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package payload defines the messages exchanged between the collateral and
// liquidity ledgers. Messages are a closed set of variants, ABI-encoded as a
// (string action, bytes body) pair and decoded exactly once at the messenger
// boundary.
package payload

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/loanid"
)

// Action is the wire tag of a message variant.
type Action string

const (
	ActionLoanCreated        Action = "LOAN_CREATED"
	ActionRepaymentConfirmed Action = "REPAYMENT_CONFIRMED"
	ActionLoanDefault        Action = "LOAN_DEFAULT"
	ActionUpdateManager      Action = "UPDATE_MANAGER"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMalformed     = errors.New("malformed payload")
)

// Message is one of LoanCreated, RepaymentConfirmed, LoanDefault or
// UpdateManager.
type Message interface {
	Action() Action
	isMessage()
}

// LoanCreated announces a new collateral position to the liquidity ledger.
type LoanCreated struct {
	LoanID           loanid.ID
	Borrower         common.Address
	CollateralAmount *big.Int
	Principal        *big.Int
	LtvBps           uint64
	Duration         uint64 // seconds
	CreatedAt        uint64
	BridgeProof      []byte
}

// Settlement is the body shared by the two settlement instructions.
type Settlement struct {
	LoanID    loanid.ID
	Recipient common.Address
	Amount    *big.Int
	// Extra carries bridge or swap parameters for the collateral side.
	Extra []byte
}

// RepaymentConfirmed instructs the collateral ledger to release collateral.
type RepaymentConfirmed struct{ Settlement }

// LoanDefault instructs the collateral ledger to liquidate collateral.
type LoanDefault struct{ Settlement }

// UpdateManager rotates the collateral ledger's manager.
type UpdateManager struct {
	Manager common.Address
}

func (LoanCreated) Action() Action        { return ActionLoanCreated }
func (RepaymentConfirmed) Action() Action { return ActionRepaymentConfirmed }
func (LoanDefault) Action() Action        { return ActionLoanDefault }
func (UpdateManager) Action() Action      { return ActionUpdateManager }

func (LoanCreated) isMessage()        {}
func (RepaymentConfirmed) isMessage() {}
func (LoanDefault) isMessage()        {}
func (UpdateManager) isMessage()      {}

// Origin is the authenticated delivery context of an inbound message.
type Origin struct {
	SrcChainID uint64
	Sender     common.Address
	Nonce      uint64
	GUID       common.Hash
}

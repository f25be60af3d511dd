// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidity

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/loanid"
)

// Status is the lifecycle of a loan record.
type Status uint8

const (
	StatusNone Status = iota
	StatusActive
	StatusRepaid
	StatusDefaulted
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusActive:
		return "active"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Loan mirrors a collateral position on the liquidity side. It shares the
// position's identifier but is created independently from the origination
// message.
type Loan struct {
	ID               loanid.ID
	Borrower         common.Address
	CollateralAmount *big.Int
	Principal        *big.Int
	// RepaymentDue is fixed at registration.
	RepaymentDue    *big.Int
	Deadline        uint64
	LtvBps          uint64
	CreatedAt       uint64
	Status          Status
	FundsDisbursed  bool
	Beneficiary     common.Address
	BridgeProofHash common.Hash
}

func (l *Loan) clone() Loan {
	c := *l
	c.CollateralAmount = new(big.Int).Set(l.CollateralAmount)
	c.Principal = new(big.Int).Set(l.Principal)
	c.RepaymentDue = new(big.Int).Set(l.RepaymentDue)
	return c
}

// SettlementParams route the collateral once a loan settles.
type SettlementParams struct {
	// Recipient receives bridged collateral on repayment or swap proceeds
	// on default.
	Recipient common.Address
	// Extra is passed through to the bridge adapter: a destination script
	// on repayment, encoded swap parameters on default.
	Extra []byte
}

// RepaymentDue is principal * (10000 + commissionBps) / 10000.
func RepaymentDue(principal *big.Int, commissionBps uint64) *big.Int {
	due := new(big.Int).Mul(principal, new(big.Int).SetUint64(BpsDenominator+commissionBps))
	return due.Div(due, big.NewInt(BpsDenominator))
}

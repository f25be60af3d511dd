// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge converts released or liquidated collateral into proceeds:
// it validates proof-of-transfer claims at deposit, hands released
// collateral to an external settlement relayer and swaps liquidated
// collateral into the stable asset under a slippage bound.
package bridge

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

// Default adapter policy.
const (
	DefaultMaxSlippageBps = 300 // 3%
)

// ProofVerifier checks a proof-of-transfer claim for a deposit.
type ProofVerifier interface {
	Verify(user common.Address, amount *big.Int, proof []byte) (bool, error)
}

// VerifierFunc adapts a function to ProofVerifier.
type VerifierFunc func(user common.Address, amount *big.Int, proof []byte) (bool, error)

func (f VerifierFunc) Verify(user common.Address, amount *big.Int, proof []byte) (bool, error) {
	return f(user, amount, proof)
}

// Relayer takes custody of collateral for settlement outside the ledger.
// Collateral is transferred to Address() before Enqueue is called.
type Relayer interface {
	Address() common.Address
	Enqueue(from, recipient common.Address, amount *big.Int, params []byte) (uuid.UUID, error)
}

// SwapVenue sells collateral for the stable asset. The input amount is
// transferred to Address() before Swap is called.
type SwapVenue interface {
	Address() common.Address
	Swap(amountIn *big.Int, recipient common.Address) (*big.Int, error)
}

// TicketStatus is the lifecycle of a settlement ticket.
type TicketStatus uint8

const (
	TicketPending TicketStatus = iota
	TicketCompleted
	TicketRefunded
)

func (s TicketStatus) String() string {
	switch s {
	case TicketPending:
		return "pending"
	case TicketCompleted:
		return "completed"
	case TicketRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Ticket is a settlement request held by the escrow relayer.
type Ticket struct {
	ID          uuid.UUID
	From        common.Address // coordinator that released the collateral
	Recipient   common.Address
	Amount      *big.Int
	Params      []byte // destination script or other rail parameters
	Status      TicketStatus
	ExternalTx  common.Hash // settlement transaction on the external rail
	CreatedAt   uint64
	CompletedAt uint64
}

// Bridge errors
var (
	ErrAmountExceedsLimit  = errors.New("amount exceeds per-operation limit")
	ErrMinAmountOutTooLow  = errors.New("declared minimum output below policy minimum")
	ErrSlippageExceeded    = errors.New("swap output below declared minimum")
	ErrInvalidSwapParams   = errors.New("invalid swap parameters")
	ErrMalformedProof      = errors.New("malformed bridge proof")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnauthorizedCaller  = errors.New("caller is not an authorized coordinator")
	ErrTicketNotFound      = errors.New("settlement ticket not found")
	ErrTicketNotPending    = errors.New("settlement ticket not pending")
	ErrUnauthorizedSigner  = errors.New("unauthorized relayer operator")
	ErrInsufficientReserve = errors.New("venue reserve exhausted")
	ErrInvalidSlippage     = errors.New("max slippage must be below 100%")
)

var swapParamsArgs = abi.Arguments{{Name: "minAmountOut", Type: mustType("uint256")}}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("bridge: bad abi type %q: %v", t, err))
	}
	return typ
}

// SwapParams is the caller-supplied bound on an unwind swap.
type SwapParams struct {
	MinAmountOut *big.Int
}

// EncodeSwapParams serializes params for a settlement instruction.
func EncodeSwapParams(p SwapParams) ([]byte, error) {
	if p.MinAmountOut == nil || p.MinAmountOut.Sign() < 0 {
		return nil, ErrInvalidSwapParams
	}
	return swapParamsArgs.Pack(p.MinAmountOut)
}

// DecodeSwapParams parses the extra bytes of a default instruction.
func DecodeSwapParams(data []byte) (SwapParams, error) {
	vals, err := swapParamsArgs.Unpack(data)
	if err != nil {
		return SwapParams{}, fmt.Errorf("%w: %v", ErrInvalidSwapParams, err)
	}
	min, ok := vals[0].(*big.Int)
	if !ok {
		return SwapParams{}, ErrInvalidSwapParams
	}
	return SwapParams{MinAmountOut: min}, nil
}

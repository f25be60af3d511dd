// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/oracle"
)

// FixedRateVenue pays out of a stable inventory at a settable rate. It is
// the venue used on development networks.
type FixedRateVenue struct {
	mu sync.RWMutex

	st       *chain.State
	address  common.Address
	tokenOut common.Address
	rate     *big.Int // tokenOut per tokenIn, 1e18 fixed point
}

// NewFixedRateVenue creates a venue at address selling tokenOut.
func NewFixedRateVenue(st *chain.State, address, tokenOut common.Address, rate *big.Int) *FixedRateVenue {
	return &FixedRateVenue{st: st, address: address, tokenOut: tokenOut, rate: new(big.Int).Set(rate)}
}

func (v *FixedRateVenue) Address() common.Address { return v.address }

// SetRate changes the exchange rate.
func (v *FixedRateVenue) SetRate(rate *big.Int) {
	v.mu.Lock()
	v.rate = new(big.Int).Set(rate)
	v.mu.Unlock()
}

// Quote returns the output for amountIn at the current rate.
func (v *FixedRateVenue) Quote(amountIn *big.Int) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := new(big.Int).Mul(amountIn, v.rate)
	return out.Div(out, oracle.One)
}

// Swap pays recipient the quoted output from the venue's inventory.
func (v *FixedRateVenue) Swap(amountIn *big.Int, recipient common.Address) (*big.Int, error) {
	out := v.Quote(amountIn)
	if v.st.BalanceOf(v.tokenOut, v.address).Cmp(out) < 0 {
		return nil, ErrInsufficientReserve
	}
	if err := v.st.Transfer(v.tokenOut, v.address, recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle aggregates price feeds into a single 1e18 fixed-point
// exchange rate. Staleness policy is left to the caller.
package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

// Scale is the fixed-point precision of every price returned by this package.
const Scale = 18

var (
	// One is 1.0 at Scale precision.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

	ErrInvalidOracleAnswer = errors.New("invalid oracle answer")
	ErrOracleStale         = errors.New("oracle price stale")
	ErrNoFeed              = errors.New("no price feed configured")
)

// Feed is a single price source, in the shape of an aggregator round.
type Feed interface {
	Decimals() uint8
	LatestRoundData() (answer *big.Int, updatedAt uint64, err error)
}

// PriceOracle quotes the collateral asset in the loan asset.
type PriceOracle interface {
	Price() (*big.Int, error)
	LastUpdate() (uint64, error)
}

// Oracle returns a direct paired feed when one is configured, otherwise
// base / quote.
type Oracle struct {
	mu     sync.RWMutex
	direct Feed
	base   Feed
	quote  Feed
}

// NewDirect creates an oracle reading one paired-asset feed.
func NewDirect(feed Feed) *Oracle {
	return &Oracle{direct: feed}
}

// NewPair creates an oracle deriving the rate as base / quote.
func NewPair(base, quote Feed) *Oracle {
	return &Oracle{base: base, quote: quote}
}

// SetDirect installs or clears the direct feed.
func (o *Oracle) SetDirect(feed Feed) {
	o.mu.Lock()
	o.direct = feed
	o.mu.Unlock()
}

// Price returns the normalized rate.
func (o *Oracle) Price() (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.direct != nil {
		p, _, err := read(o.direct)
		return p, err
	}
	if o.base == nil || o.quote == nil {
		return nil, ErrNoFeed
	}

	a, _, err := read(o.base)
	if err != nil {
		return nil, err
	}
	b, _, err := read(o.quote)
	if err != nil {
		return nil, err
	}
	rate := new(big.Int).Mul(a, One)
	rate.Div(rate, b)
	if rate.Sign() == 0 {
		return nil, ErrInvalidOracleAnswer
	}
	return rate, nil
}

// LastUpdate returns the timestamp of the oldest input to Price.
func (o *Oracle) LastUpdate() (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.direct != nil {
		_, ts, err := read(o.direct)
		return ts, err
	}
	if o.base == nil || o.quote == nil {
		return 0, ErrNoFeed
	}

	_, tsA, err := read(o.base)
	if err != nil {
		return 0, err
	}
	_, tsB, err := read(o.quote)
	if err != nil {
		return 0, err
	}
	return min(tsA, tsB), nil
}

// FreshPrice returns the oracle price, or ErrOracleStale if the last update
// is more than timeout older than now.
func FreshPrice(o PriceOracle, now uint64, timeout time.Duration) (*big.Int, error) {
	updated, err := o.LastUpdate()
	if err != nil {
		return nil, err
	}
	if now > updated && now-updated > uint64(timeout/time.Second) {
		return nil, ErrOracleStale
	}
	return o.Price()
}

func read(f Feed) (*big.Int, uint64, error) {
	answer, updatedAt, err := f.LatestRoundData()
	if err != nil {
		return nil, 0, err
	}
	if answer == nil || answer.Sign() <= 0 || updatedAt == 0 {
		return nil, 0, ErrInvalidOracleAnswer
	}
	// Answers below the precision of Scale truncate to zero.
	v := Normalize(answer, f.Decimals())
	if v.Sign() <= 0 {
		return nil, 0, ErrInvalidOracleAnswer
	}
	return v, updatedAt, nil
}

// Normalize rescales a value with the given decimals to Scale.
func Normalize(v *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case decimals < Scale:
		return out.Mul(out, pow10(Scale-int(decimals)))
	case decimals > Scale:
		return out.Div(out, pow10(int(decimals)-Scale))
	}
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

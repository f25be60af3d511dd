// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import (
	"math/big"
	"sync"
)

// StaticFeed is a Feed whose round is set by hand. Used by the simulator
// and tests in place of an aggregator.
type StaticFeed struct {
	mu        sync.RWMutex
	decimals  uint8
	answer    *big.Int
	updatedAt uint64
	err       error
}

// NewStaticFeed creates a feed reporting answer at updatedAt.
func NewStaticFeed(decimals uint8, answer *big.Int, updatedAt uint64) *StaticFeed {
	return &StaticFeed{decimals: decimals, answer: answer, updatedAt: updatedAt}
}

func (f *StaticFeed) Decimals() uint8 { return f.decimals }

func (f *StaticFeed) LatestRoundData() (*big.Int, uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	var answer *big.Int
	if f.answer != nil {
		answer = new(big.Int).Set(f.answer)
	}
	return answer, f.updatedAt, nil
}

// Update publishes a new round.
func (f *StaticFeed) Update(answer *big.Int, updatedAt uint64) {
	f.mu.Lock()
	f.answer = answer
	f.updatedAt = updatedAt
	f.mu.Unlock()
}

// Fail makes every read return err until cleared with Fail(nil).
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package loanid derives loan identifiers from the issuing ledger, its
// network and a monotonic counter.
package loanid

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"

	"github.com/luxfi/xloan/chain"
)

// ID identifies a loan on both ledgers.
type ID [32]byte

// Empty is the zero identifier.
var Empty ID

func (id ID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// Hash returns the identifier as a hash.
func (id ID) Hash() common.Hash { return common.Hash(id) }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == Empty }

// Source hands out fresh loan identifiers.
type Source interface {
	Next() ID
	Peek() ID
}

// Counter is a Source keyed by (issuer, chain id, counter). Counter
// increments are journaled so a reverted origination does not burn an id.
type Counter struct {
	mu      sync.Mutex
	issuer  common.Address
	chainID uint64
	next    uint64
	journal chain.Journal
}

// NewCounter creates a counter starting at zero. journal may be nil.
func NewCounter(issuer common.Address, chainID uint64, journal chain.Journal) *Counter {
	return &Counter{issuer: issuer, chainID: chainID, journal: journal}
}

// Derive computes the identifier for a given counter value.
func Derive(issuer common.Address, chainID, n uint64) ID {
	var buf [common.AddressLength + 16]byte
	copy(buf[:], issuer.Bytes())
	binary.BigEndian.PutUint64(buf[common.AddressLength:], chainID)
	binary.BigEndian.PutUint64(buf[common.AddressLength+8:], n)
	return ID(blake3.Sum256(buf[:]))
}

// Next returns a new identifier and advances the counter.
func (c *Counter) Next() ID {
	c.mu.Lock()
	n := c.next
	c.next++
	c.mu.Unlock()

	if c.journal != nil {
		c.journal.Record(func() {
			c.mu.Lock()
			c.next = n
			c.mu.Unlock()
		})
	}
	return Derive(c.issuer, c.chainID, n)
}

// Peek returns the identifier Next would return.
func (c *Counter) Peek() ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Derive(c.issuer, c.chainID, c.next)
}

// Issued returns how many identifiers have been handed out.
func (c *Counter) Issued() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

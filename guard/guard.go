// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package guard provides the capability checks evaluated at ledger entry
// points: caller authorization, pausing and reentrancy locking.
package guard

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/luxfi/geth/common"
)

var (
	ErrReentrancy   = errors.New("reentrant call")
	ErrPaused       = errors.New("paused")
	ErrUnauthorized = errors.New("unauthorized")
	ErrZeroAddress  = errors.New("zero address")
)

// Reentrancy rejects any call made while another guarded call is in flight.
// A ledger is driven by one sequencer, so a concurrent caller is treated the
// same as a reentrant one and fails fast.
type Reentrancy struct {
	mu     sync.Mutex
	locked bool
}

// Enter takes the lock. The returned function releases it.
func (r *Reentrancy) Enter() (func(), error) {
	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		return nil, ErrReentrancy
	}
	r.locked = true
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		r.locked = false
		r.mu.Unlock()
	}, nil
}

// Locked reports whether a guarded call is in flight.
func (r *Reentrancy) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Pausable is a pause switch.
type Pausable struct {
	paused atomic.Bool
}

func (p *Pausable) Pause()       { p.paused.Store(true) }
func (p *Pausable) Unpause()     { p.paused.Store(false) }
func (p *Pausable) Paused() bool { return p.paused.Load() }

// WhenNotPaused returns ErrPaused while paused.
func (p *Pausable) WhenNotPaused() error {
	if p.paused.Load() {
		return ErrPaused
	}
	return nil
}

// Ownable holds a single privileged address.
type Ownable struct {
	mu    sync.RWMutex
	owner common.Address
}

// NewOwnable creates an Ownable owned by owner.
func NewOwnable(owner common.Address) *Ownable {
	return &Ownable{owner: owner}
}

func (o *Ownable) Owner() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// OnlyOwner returns ErrUnauthorized unless caller is the owner.
func (o *Ownable) OnlyOwner(caller common.Address) error {
	if caller != o.Owner() {
		return ErrUnauthorized
	}
	return nil
}

// TransferOwnership hands ownership to next.
func (o *Ownable) TransferOwnership(caller, next common.Address) error {
	if err := o.OnlyOwner(caller); err != nil {
		return err
	}
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	o.mu.Lock()
	o.owner = next
	o.mu.Unlock()
	return nil
}

// Roles is a set of addresses granted a capability.
type Roles struct {
	mu      sync.RWMutex
	members map[common.Address]bool
}

// NewRoles creates a set containing members.
func NewRoles(members ...common.Address) *Roles {
	r := &Roles{members: make(map[common.Address]bool)}
	for _, m := range members {
		r.members[m] = true
	}
	return r
}

// Set grants or revokes the role for addr.
func (r *Roles) Set(addr common.Address, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enabled {
		r.members[addr] = true
	} else {
		delete(r.members, addr)
	}
}

func (r *Roles) Has(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[addr]
}

// Any returns nil if caller is authorized by at least one check.
func Any(checks ...func() error) error {
	var err error
	for _, check := range checks {
		if err = check(); err == nil {
			return nil
		}
	}
	if err == nil {
		return ErrUnauthorized
	}
	return err
}

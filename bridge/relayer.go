// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/guard"
)

// EscrowRelayer holds collateral on the ledger until an operator confirms
// it was paid out on the external rail.
type EscrowRelayer struct {
	mu sync.RWMutex

	st      *chain.State
	address common.Address
	token   common.Address

	operators *guard.Roles
	tickets   map[uuid.UUID]*Ticket
	pending   []uuid.UUID
}

// NewEscrowRelayer creates a relayer escrowing token at address.
func NewEscrowRelayer(st *chain.State, address, token common.Address, operators ...common.Address) *EscrowRelayer {
	return &EscrowRelayer{
		st:        st,
		address:   address,
		token:     token,
		operators: guard.NewRoles(operators...),
		tickets:   make(map[uuid.UUID]*Ticket),
	}
}

func (r *EscrowRelayer) Address() common.Address { return r.address }

// Enqueue files a ticket for collateral already transferred to the relayer.
func (r *EscrowRelayer) Enqueue(from, recipient common.Address, amount *big.Int, params []byte) (uuid.UUID, error) {
	if amount == nil || amount.Sign() <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}

	ticket := &Ticket{
		ID:        id,
		From:      from,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		Params:    append([]byte(nil), params...),
		Status:    TicketPending,
		CreatedAt: r.st.Now(),
	}

	r.mu.Lock()
	r.tickets[id] = ticket
	r.pending = append(r.pending, id)
	n := len(r.pending) - 1
	r.mu.Unlock()

	r.st.Record(func() {
		r.mu.Lock()
		delete(r.tickets, id)
		r.pending = r.pending[:n]
		r.mu.Unlock()
	})
	return id, nil
}

// Ticket returns a copy of the ticket.
func (r *EscrowRelayer) Ticket(id uuid.UUID) (Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tickets[id]
	if t == nil {
		return Ticket{}, ErrTicketNotFound
	}
	return *t, nil
}

// Pending lists tickets awaiting settlement in filing order.
func (r *EscrowRelayer) Pending() []Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ticket, 0, len(r.pending))
	for _, id := range r.pending {
		if t := r.tickets[id]; t != nil && t.Status == TicketPending {
			out = append(out, *t)
		}
	}
	return out
}

// Complete records the external payout and retires the escrowed collateral.
func (r *EscrowRelayer) Complete(operator common.Address, id uuid.UUID, externalTx common.Hash) error {
	if !r.operators.Has(operator) {
		return ErrUnauthorizedSigner
	}
	return r.st.Exec(func() error {
		t, err := r.transition(id, TicketCompleted)
		if err != nil {
			return err
		}
		t.ExternalTx = externalTx
		return r.st.Burn(r.token, r.address, t.Amount)
	})
}

// Refund returns escrowed collateral to the coordinator that released it.
func (r *EscrowRelayer) Refund(operator common.Address, id uuid.UUID) error {
	if !r.operators.Has(operator) {
		return ErrUnauthorizedSigner
	}
	return r.st.Exec(func() error {
		t, err := r.transition(id, TicketRefunded)
		if err != nil {
			return err
		}
		return r.st.Transfer(r.token, r.address, t.From, t.Amount)
	})
}

func (r *EscrowRelayer) transition(id uuid.UUID, to TicketStatus) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.tickets[id]
	if t == nil {
		return nil, ErrTicketNotFound
	}
	if t.Status != TicketPending {
		return nil, ErrTicketNotPending
	}
	prev := *t
	t.Status = to
	t.CompletedAt = r.st.Now()
	r.st.Record(func() {
		r.mu.Lock()
		*t = prev
		r.mu.Unlock()
	})
	return t, nil
}

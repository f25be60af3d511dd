// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/xloan/payload"
)

// Handler consumes an inbound envelope.
type Handler func(ctx context.Context, env payload.Envelope) error

// Endpoint is the transport under a RelayAdapter.
type Endpoint interface {
	// Send hands env to the transport for delivery to env.DstChainID.
	Send(ctx context.Context, env payload.Envelope) error
	// Listen registers h for envelopes addressed to chainID.
	Listen(ctx context.Context, chainID uint64, h Handler) error
}

// LocalEndpoint is an in-memory transport. Envelopes wait in a per-chain
// queue until Flush delivers them.
type LocalEndpoint struct {
	mu       sync.Mutex
	queues   map[uint64][]payload.Envelope
	handlers map[uint64]Handler
}

// NewLocalEndpoint creates an empty in-process endpoint.
func NewLocalEndpoint() *LocalEndpoint {
	return &LocalEndpoint{
		queues:   make(map[uint64][]payload.Envelope),
		handlers: make(map[uint64]Handler),
	}
}

// Send queues env for its destination chain until the next Flush.
func (e *LocalEndpoint) Send(_ context.Context, env payload.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[env.DstChainID] = append(e.queues[env.DstChainID], env)
	return nil
}

// Listen registers h for envelopes addressed to chainID.
func (e *LocalEndpoint) Listen(_ context.Context, chainID uint64, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[chainID]; exists {
		return fmt.Errorf("listener for chain %d already registered", chainID)
	}
	e.handlers[chainID] = h
	return nil
}

// Queued returns the number of envelopes waiting for chainID.
func (e *LocalEndpoint) Queued(chainID uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[chainID])
}

// Flush delivers the queue for chainID in order. Delivery is at most once:
// an envelope whose handler fails is dropped and the error returned.
func (e *LocalEndpoint) Flush(ctx context.Context, chainID uint64) (int, error) {
	delivered := 0
	for {
		e.mu.Lock()
		h := e.handlers[chainID]
		q := e.queues[chainID]
		if h == nil || len(q) == 0 {
			e.mu.Unlock()
			return delivered, nil
		}
		env := q[0]
		e.queues[chainID] = q[1:]
		e.mu.Unlock()

		if err := h(ctx, env); err != nil {
			return delivered, fmt.Errorf("deliver nonce %d from chain %d: %w", env.Origin.Nonce, env.Origin.SrcChainID, err)
		}
		delivered++
	}
}

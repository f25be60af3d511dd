// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"sync"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/payload"
)

// Queued is an outbound payload waiting for explicit delivery.
type Queued struct {
	Nonce   uint64
	Payload []byte
}

// DevAdapter is an in-process messenger for tests and simulation. Sends are
// queued in order and nothing moves until the test calls one of the
// delivery methods, so delay, reordering and replay can all be staged.
type DevAdapter struct {
	mu sync.Mutex

	st      *chain.State
	address common.Address

	peer     *DevAdapter
	receiver Receiver

	outbox []Queued
	nonce  uint64
}

// NewDevAdapter creates an adapter living on st at address.
func NewDevAdapter(st *chain.State, address common.Address) *DevAdapter {
	return &DevAdapter{st: st, address: address}
}

func (d *DevAdapter) Address() common.Address { return d.address }

// Link connects two adapters in both directions.
func Link(a, b *DevAdapter) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// SetReceiver registers the ledger that inbound payloads are handed to.
func (d *DevAdapter) SetReceiver(r Receiver) {
	d.mu.Lock()
	d.receiver = r
	d.mu.Unlock()
}

// SendMessage queues data. The append is journaled on the sending ledger,
// so a reverted operation leaves nothing in the queue.
func (d *DevAdapter) SendMessage(data []byte) error {
	d.mu.Lock()
	n := d.nonce
	d.nonce++
	d.outbox = append(d.outbox, Queued{Nonce: n, Payload: append([]byte(nil), data...)})
	d.mu.Unlock()

	d.st.Record(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.nonce = n
		for i := len(d.outbox) - 1; i >= 0; i-- {
			if d.outbox[i].Nonce == n {
				d.outbox = append(d.outbox[:i], d.outbox[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Pending returns a copy of the outbound queue.
func (d *DevAdapter) Pending() []Queued {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Queued, len(d.outbox))
	copy(out, d.outbox)
	return out
}

// Origin returns the origin the peer sees for an outbound nonce.
func (d *DevAdapter) Origin(nonce uint64) payload.Origin {
	return payload.Origin{SrcChainID: d.st.ChainID(), Sender: d.address, Nonce: nonce}
}

// Deliver pops the head of the queue and hands it to the peer with the
// given origin. The payload is gone even if the peer rejects it.
func (d *DevAdapter) Deliver(origin payload.Origin) error {
	d.mu.Lock()
	if len(d.outbox) == 0 {
		d.mu.Unlock()
		return ErrEmptyQueue
	}
	q := d.outbox[0]
	d.outbox = d.outbox[1:]
	peer := d.peer
	d.mu.Unlock()

	if peer == nil {
		return ErrNoPeer
	}
	return peer.Inject(q.Payload, origin)
}

// DeliverAt hands the i-th queued payload to the peer without removing it.
// Calling it twice replays the payload.
func (d *DevAdapter) DeliverAt(i int, origin payload.Origin) error {
	d.mu.Lock()
	if i < 0 || i >= len(d.outbox) {
		d.mu.Unlock()
		return ErrIndexOutOfRange
	}
	q := d.outbox[i]
	peer := d.peer
	d.mu.Unlock()

	if peer == nil {
		return ErrNoPeer
	}
	return peer.Inject(q.Payload, origin)
}

// Drain delivers the whole queue in order with default origins and stops at
// the first rejection.
func (d *DevAdapter) Drain() (int, error) {
	delivered := 0
	for {
		d.mu.Lock()
		if len(d.outbox) == 0 {
			d.mu.Unlock()
			return delivered, nil
		}
		nonce := d.outbox[0].Nonce
		d.mu.Unlock()

		if err := d.Deliver(d.Origin(nonce)); err != nil {
			return delivered, err
		}
		delivered++
	}
}

// Inject hands an arbitrary inbound payload to the local receiver.
func (d *DevAdapter) Inject(data []byte, origin payload.Origin) error {
	d.mu.Lock()
	r := d.receiver
	d.mu.Unlock()
	return deliver(r, d.address, data, origin)
}

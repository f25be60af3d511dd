// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package messenger carries settlement and origination payloads between the
// collateral and liquidity ledgers. Delivery is one way and fire and forget;
// payloads are decoded exactly once, at the receiving adapter, and handed to
// the local ledger as a typed payload.Message.
package messenger

import (
	"errors"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/payload"
)

var (
	ErrUnknownSender    = errors.New("unknown sender")
	ErrInsufficientFee  = errors.New("insufficient native balance for delivery fee")
	ErrNoReceiver       = errors.New("no receiver registered")
	ErrNoPeer           = errors.New("no peer linked")
	ErrWrongDestination = errors.New("envelope addressed to another chain")
	ErrEmptyQueue       = errors.New("outbound queue empty")
	ErrIndexOutOfRange  = errors.New("outbound index out of range")
)

// Messenger sends an encoded payload to the remote ledger.
type Messenger interface {
	SendMessage(payload []byte) error
}

// Receiver is the local ledger an adapter delivers to. caller is the
// adapter's own address, which the ledger compares to its registered
// messenger.
type Receiver interface {
	HandleMessengerPayload(caller common.Address, msg payload.Message, origin payload.Origin) error
}

// deliver decodes data and forwards it to r.
func deliver(r Receiver, self common.Address, data []byte, origin payload.Origin) error {
	if r == nil {
		return ErrNoReceiver
	}
	msg, err := payload.Decode(data)
	if err != nil {
		return err
	}
	return r.HandleMessengerPayload(self, msg, origin)
}

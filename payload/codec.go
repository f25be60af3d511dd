// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package payload

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/xloan/loanid"
)

var (
	stringT  = mustType("string")
	bytesT   = mustType("bytes")
	bytes32T = mustType("bytes32")
	addressT = mustType("address")
	uint256T = mustType("uint256")
	uint64T  = mustType("uint64")

	headerArgs = abi.Arguments{{Type: stringT}, {Type: bytesT}}

	loanCreatedArgs = abi.Arguments{
		{Name: "loanId", Type: bytes32T},
		{Name: "borrower", Type: addressT},
		{Name: "collateralAmount", Type: uint256T},
		{Name: "principal", Type: uint256T},
		{Name: "ltvBps", Type: uint256T},
		{Name: "duration", Type: uint256T},
		{Name: "createdAt", Type: uint256T},
		{Name: "bridgeProof", Type: bytesT},
	}

	settlementArgs = abi.Arguments{
		{Name: "loanId", Type: bytes32T},
		{Name: "recipient", Type: addressT},
		{Name: "amount", Type: uint256T},
		{Name: "extra", Type: bytesT},
	}

	updateManagerArgs = abi.Arguments{{Name: "manager", Type: addressT}}

	envelopeArgs = abi.Arguments{
		{Name: "srcChainId", Type: uint64T},
		{Name: "dstChainId", Type: uint64T},
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint64T},
		{Name: "guid", Type: bytes32T},
		{Name: "payload", Type: bytesT},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("payload: bad abi type %q: %v", t, err))
	}
	return typ
}

// Encode serializes m as (string action, bytes body).
func Encode(m Message) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch msg := m.(type) {
	case LoanCreated:
		body, err = loanCreatedArgs.Pack(
			[32]byte(msg.LoanID),
			msg.Borrower,
			orZero(msg.CollateralAmount),
			orZero(msg.Principal),
			new(big.Int).SetUint64(msg.LtvBps),
			new(big.Int).SetUint64(msg.Duration),
			new(big.Int).SetUint64(msg.CreatedAt),
			nonNil(msg.BridgeProof),
		)
	case RepaymentConfirmed:
		body, err = packSettlement(msg.Settlement)
	case LoanDefault:
		body, err = packSettlement(msg.Settlement)
	case UpdateManager:
		body, err = updateManagerArgs.Pack(msg.Manager)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, m)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return headerArgs.Pack(string(m.Action()), body)
}

// Decode parses a payload into its message variant. Tags outside the known
// set fail with ErrUnknownAction.
func Decode(data []byte) (Message, error) {
	header, err := headerArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	action, ok1 := header[0].(string)
	body, ok2 := header[1].([]byte)
	if !ok1 || !ok2 {
		return nil, ErrMalformed
	}

	switch Action(action) {
	case ActionLoanCreated:
		return decodeLoanCreated(body)
	case ActionRepaymentConfirmed:
		s, err := decodeSettlement(body)
		if err != nil {
			return nil, err
		}
		return RepaymentConfirmed{s}, nil
	case ActionLoanDefault:
		s, err := decodeSettlement(body)
		if err != nil {
			return nil, err
		}
		return LoanDefault{s}, nil
	case ActionUpdateManager:
		vals, err := updateManagerArgs.Unpack(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		manager, ok := vals[0].(common.Address)
		if !ok {
			return nil, ErrMalformed
		}
		return UpdateManager{Manager: manager}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// EncodeRaw builds a payload with an arbitrary tag. Used to exercise the
// rejection path of receivers.
func EncodeRaw(action string, body []byte) ([]byte, error) {
	return headerArgs.Pack(action, nonNil(body))
}

func packSettlement(s Settlement) ([]byte, error) {
	return settlementArgs.Pack([32]byte(s.LoanID), s.Recipient, orZero(s.Amount), nonNil(s.Extra))
}

func decodeLoanCreated(body []byte) (Message, error) {
	vals, err := loanCreatedArgs.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, ok := vals[0].([32]byte)
	if !ok {
		return nil, ErrMalformed
	}
	borrower, ok := vals[1].(common.Address)
	if !ok {
		return nil, ErrMalformed
	}
	nums := make([]*big.Int, 5)
	for i := range nums {
		n, ok := vals[2+i].(*big.Int)
		if !ok {
			return nil, ErrMalformed
		}
		nums[i] = n
	}
	proof, ok := vals[7].([]byte)
	if !ok {
		return nil, ErrMalformed
	}
	for _, n := range nums[2:] {
		if !n.IsUint64() {
			return nil, fmt.Errorf("%w: field out of range", ErrMalformed)
		}
	}
	return LoanCreated{
		LoanID:           loanid.ID(id),
		Borrower:         borrower,
		CollateralAmount: nums[0],
		Principal:        nums[1],
		LtvBps:           nums[2].Uint64(),
		Duration:         nums[3].Uint64(),
		CreatedAt:        nums[4].Uint64(),
		BridgeProof:      proof,
	}, nil
}

func decodeSettlement(body []byte) (Settlement, error) {
	vals, err := settlementArgs.Unpack(body)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, ok1 := vals[0].([32]byte)
	recipient, ok2 := vals[1].(common.Address)
	amount, ok3 := vals[2].(*big.Int)
	extra, ok4 := vals[3].([]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Settlement{}, ErrMalformed
	}
	return Settlement{LoanID: loanid.ID(id), Recipient: recipient, Amount: amount, Extra: extra}, nil
}

// Envelope is a message in transit between relay endpoints.
type Envelope struct {
	Origin     Origin
	DstChainID uint64
	Payload    []byte
}

// EncodeEnvelope serializes an envelope for a transport.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return envelopeArgs.Pack(
		e.Origin.SrcChainID,
		e.DstChainID,
		e.Origin.Sender,
		e.Origin.Nonce,
		[32]byte(e.Origin.GUID),
		nonNil(e.Payload),
	)
}

// DecodeEnvelope parses a transport frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	vals, err := envelopeArgs.Unpack(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	src, ok1 := vals[0].(uint64)
	dst, ok2 := vals[1].(uint64)
	sender, ok3 := vals[2].(common.Address)
	nonce, ok4 := vals[3].(uint64)
	guid, ok5 := vals[4].([32]byte)
	body, ok6 := vals[5].([]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return Envelope{}, ErrMalformed
	}
	return Envelope{
		Origin: Origin{
			SrcChainID: src,
			Sender:     sender,
			Nonce:      nonce,
			GUID:       common.Hash(guid),
		},
		DstChainID: dst,
		Payload:    body,
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

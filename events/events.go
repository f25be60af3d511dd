// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events defines the logs emitted by the loan ledgers and packs them
// into ABI-encoded topics and data.
package events

import (
	"fmt"
	"strings"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"

	"github.com/luxfi/xloan/chain"
)

// Event names.
const (
	CollateralDeposited  = "CollateralDeposited"
	OwnershipLocked      = "OwnershipLocked"
	CollateralReleased   = "CollateralReleased"
	CollateralLiquidated = "CollateralLiquidated"
	ManagerUpdated       = "ManagerUpdated"
	LoanRegistered       = "LoanRegistered"
	LoanFunded           = "LoanFunded"
	RepaymentRecorded    = "RepaymentRecorded"
	LoanDefaulted        = "LoanDefaulted"
	SettlementDispatched = "SettlementDispatched"
	MessageSent          = "MessageSent"
	BridgedToBitcoin     = "BridgedToBitcoin"
	UnwoundToStable      = "UnwoundToStable"
	TermsAccepted        = "TermsAccepted"
)

const rawABI = `[
  {"type":"event","name":"CollateralDeposited","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"principal","type":"uint256","indexed":false},
    {"name":"ltvBps","type":"uint256","indexed":false}]},
  {"type":"event","name":"OwnershipLocked","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"CollateralReleased","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"CollateralLiquidated","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"ManagerUpdated","inputs":[
    {"name":"manager","type":"address","indexed":true}]},
  {"type":"event","name":"LoanRegistered","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"borrower","type":"address","indexed":true},
    {"name":"principal","type":"uint256","indexed":false},
    {"name":"repaymentDue","type":"uint256","indexed":false},
    {"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"LoanFunded","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"beneficiary","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RepaymentRecorded","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"payer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"viaAlternateRail","type":"bool","indexed":false}]},
  {"type":"event","name":"LoanDefaulted","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"SettlementDispatched","inputs":[
    {"name":"loanId","type":"bytes32","indexed":true},
    {"name":"action","type":"string","indexed":false},
    {"name":"direct","type":"bool","indexed":false}]},
  {"type":"event","name":"MessageSent","inputs":[
    {"name":"guid","type":"bytes32","indexed":true},
    {"name":"dstChainId","type":"uint64","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"BridgedToBitcoin","inputs":[
    {"name":"ticket","type":"bytes32","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"UnwoundToStable","inputs":[
    {"name":"beneficiary","type":"address","indexed":true},
    {"name":"amountIn","type":"uint256","indexed":false},
    {"name":"amountOut","type":"uint256","indexed":false}]},
  {"type":"event","name":"TermsAccepted","inputs":[
    {"name":"wallet","type":"address","indexed":true},
    {"name":"termsHash","type":"bytes32","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`

// ABI is the parsed event ABI.
var ABI = mustParse(rawABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse event ABI: %v", err))
	}
	return parsed
}

// Pack returns the topics and non-indexed data for the named event.
func Pack(name string, args ...interface{}) ([]common.Hash, []byte, error) {
	event, exist := ABI.Events[name]
	if !exist {
		return nil, nil, fmt.Errorf("event '%s' not found", name)
	}
	if len(args) != len(event.Inputs) {
		return nil, nil, fmt.Errorf("event '%s' unexpected number of inputs %d", name, len(args))
	}

	var (
		nonIndexedInputs = make([]interface{}, 0, len(args))
		indexedInputs    = make([]interface{}, 0, len(args))
		nonIndexedArgs   abi.Arguments
	)
	for i, arg := range event.Inputs {
		if arg.Indexed {
			indexedInputs = append(indexedInputs, args[i])
		} else {
			nonIndexedArgs = append(nonIndexedArgs, arg)
			nonIndexedInputs = append(nonIndexedInputs, args[i])
		}
	}

	data, err := nonIndexedArgs.Pack(nonIndexedInputs...)
	if err != nil {
		return nil, nil, fmt.Errorf("event '%s': %w", name, err)
	}

	topics := make([]common.Hash, 0, len(indexedInputs)+1)
	topics = append(topics, event.ID)
	for _, input := range indexedInputs {
		topic, err := packTopic(input)
		if err != nil {
			return nil, nil, err
		}
		topics = append(topics, topic)
	}
	return topics, data, nil
}

// Emit packs the event and appends it to the ledger's logs.
func Emit(st *chain.State, addr common.Address, name string, args ...interface{}) error {
	topics, data, err := Pack(name, args...)
	if err != nil {
		return err
	}
	st.AddLog(&types.Log{Address: addr, Topics: topics, Data: data})
	return nil
}

// Unpack decodes the non-indexed data of a log into its named values.
func Unpack(name string, data []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := ABI.UnpackIntoMap(out, name, data); err != nil {
		return nil, err
	}
	return out, nil
}

// Filter returns the logs in st whose first topic is the named event.
func Filter(st *chain.State, name string) []*types.Log {
	event, exist := ABI.Events[name]
	if !exist {
		return nil
	}
	var out []*types.Log
	for _, l := range st.Logs() {
		if len(l.Topics) > 0 && l.Topics[0] == event.ID {
			out = append(out, l)
		}
	}
	return out
}

func packTopic(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case common.Hash:
		return v, nil
	case [32]byte:
		return common.Hash(v), nil
	case []byte:
		return common.BytesToHash(crypto.Keccak256(v)), nil
	case string:
		return common.BytesToHash(crypto.Keccak256([]byte(v))), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type: %T", value)
	}
}

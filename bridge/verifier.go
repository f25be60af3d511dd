// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
	"github.com/zeebo/blake3"

	"github.com/luxfi/xloan/chain"
)

var (
	attestationTag = crypto.Keccak256Hash([]byte("XLOAN_BRIDGE_ATTESTATION_V1"))

	attestationArgs = abi.Arguments{
		{Name: "tag", Type: mustType("bytes32")},
		{Name: "chainId", Type: mustType("uint256")},
		{Name: "user", Type: mustType("address")},
		{Name: "amount", Type: mustType("uint256")},
		{Name: "nonce", Type: mustType("bytes32")},
	}

	proofArgs = abi.Arguments{
		{Name: "nonce", Type: mustType("bytes32")},
		{Name: "signatures", Type: mustType("bytes[]")},
	}
)

// AttestationVerifier accepts a proof when more than two thirds of the
// registered attestors signed (chain, user, amount, nonce). Each nonce is
// accepted once.
type AttestationVerifier struct {
	mu sync.RWMutex

	st        *chain.State
	attestors map[common.Address]bool
	used      map[[32]byte]bool
}

// NewAttestationVerifier creates a verifier over the given attestor set.
func NewAttestationVerifier(st *chain.State, attestors ...common.Address) *AttestationVerifier {
	v := &AttestationVerifier{
		st:        st,
		attestors: make(map[common.Address]bool),
		used:      make(map[[32]byte]bool),
	}
	for _, a := range attestors {
		v.attestors[a] = true
	}
	return v
}

// Threshold returns the number of distinct attestor signatures required.
func (v *AttestationVerifier) Threshold() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.threshold()
}

func (v *AttestationVerifier) threshold() int {
	if len(v.attestors) == 0 {
		return 1
	}
	// 2/3 + 1 of attestors
	return len(v.attestors)*2/3 + 1
}

// SetAttestor adds or removes an attestor.
func (v *AttestationVerifier) SetAttestor(addr common.Address, enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if enabled {
		v.attestors[addr] = true
	} else {
		delete(v.attestors, addr)
	}
}

// Verify implements ProofVerifier. Malformed, under-signed and replayed
// proofs are reported as invalid rather than as errors.
func (v *AttestationVerifier) Verify(user common.Address, amount *big.Int, proof []byte) (bool, error) {
	nonce, sigs, err := DecodeProof(proof)
	if err != nil {
		return false, nil
	}
	digest, err := AttestationDigest(v.st.ChainID(), user, amount, nonce)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := blake3.Sum256(append(user.Bytes(), nonce[:]...))
	if v.used[key] {
		return false, nil
	}

	signed := make(map[common.Address]bool)
	for _, sig := range sigs {
		if len(sig) != crypto.SignatureLength {
			continue
		}
		pub, err := crypto.SigToPub(digest[:], normalizeV(sig))
		if err != nil {
			continue
		}
		addr := crypto.PubkeyToAddress(*pub)
		if v.attestors[addr] {
			signed[addr] = true
		}
	}
	if len(signed) < v.threshold() {
		return false, nil
	}

	v.used[key] = true
	v.st.Record(func() {
		v.mu.Lock()
		delete(v.used, key)
		v.mu.Unlock()
	})
	return true, nil
}

// AttestationDigest is the hash attestors sign for a deposit claim.
func AttestationDigest(chainID uint64, user common.Address, amount *big.Int, nonce [32]byte) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, ErrInvalidAmount
	}
	packed, err := attestationArgs.Pack(
		[32]byte(attestationTag),
		new(big.Int).SetUint64(chainID),
		user,
		amount,
		nonce,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// SignAttestation signs a deposit claim with an attestor key.
func SignAttestation(key *ecdsa.PrivateKey, chainID uint64, user common.Address, amount *big.Int, nonce [32]byte) ([]byte, error) {
	digest, err := AttestationDigest(chainID, user, amount, nonce)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest[:], key)
}

// EncodeProof packs a nonce and attestor signatures into a bridge proof.
func EncodeProof(nonce [32]byte, sigs [][]byte) ([]byte, error) {
	if sigs == nil {
		sigs = [][]byte{}
	}
	return proofArgs.Pack(nonce, sigs)
}

// DecodeProof unpacks a bridge proof.
func DecodeProof(proof []byte) ([32]byte, [][]byte, error) {
	vals, err := proofArgs.Unpack(proof)
	if err != nil {
		return [32]byte{}, nil, err
	}
	nonce, ok1 := vals[0].([32]byte)
	sigs, ok2 := vals[1].([][]byte)
	if !ok1 || !ok2 {
		return [32]byte{}, nil, ErrMalformedProof
	}
	return nonce, sigs, nil
}

func normalizeV(sig []byte) []byte {
	out := make([]byte, len(sig))
	copy(out, sig)
	if out[crypto.RecoveryIDOffset] >= 27 {
		out[crypto.RecoveryIDOffset] -= 27
	}
	return out
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package receipt

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	permitTypeHash = crypto.Keccak256Hash([]byte(
		"Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))

	domainArgs = abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("bytes32")},
		{Type: mustType("bytes32")},
		{Type: mustType("uint256")},
		{Type: mustType("address")},
	}
	permitArgs = abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
	}
)

// Authorization is a signed grant letting Grantee spend up to Amount of the
// Grantor's receipts. Nonce must equal the grantor's next nonce and is
// consumed when the grant is applied.
type Authorization struct {
	Grantor common.Address
	Grantee common.Address
	Amount  *big.Int
	Nonce   uint64
	Expiry  uint64
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("receipt: bad abi type %q: %v", t, err))
	}
	return typ
}

// TypedDomain returns the EIP-712 domain separator for a signing context
// named name, version "1", on chainID at verifying.
func TypedDomain(name string, chainID uint64, verifying common.Address) common.Hash {
	packed, err := domainArgs.Pack(
		[32]byte(domainTypeHash),
		[32]byte(crypto.Keccak256Hash([]byte(name))),
		[32]byte(crypto.Keccak256Hash([]byte("1"))),
		new(big.Int).SetUint64(chainID),
		verifying,
	)
	if err != nil {
		panic(fmt.Sprintf("receipt: domain separator: %v", err))
	}
	return crypto.Keccak256Hash(packed)
}

// DomainSeparator binds permits to this token and network.
func (t *Token) DomainSeparator() common.Hash { return t.domainSeparator }

// Digest returns the hash a grantor signs for auth.
func (t *Token) Digest(auth Authorization) (common.Hash, error) {
	amount := auth.Amount
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, ErrInvalidAmount
	}
	packed, err := permitArgs.Pack(
		[32]byte(permitTypeHash),
		auth.Grantor,
		auth.Grantee,
		amount,
		new(big.Int).SetUint64(auth.Nonce),
		new(big.Int).SetUint64(auth.Expiry),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDigest(t.domainSeparator, crypto.Keccak256(packed)), nil
}

// TypedDigest is the EIP-712 hash of structHash under domain.
func TypedDigest(domain common.Hash, structHash []byte) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain[:], structHash)
}

// Permit verifies a signed authorization, consumes its nonce and sets the
// allowance it grants.
func (t *Token) Permit(auth Authorization, sig []byte) error {
	if t.st.Now() > auth.Expiry {
		return ErrPermitExpired
	}
	digest, err := t.Digest(auth)
	if err != nil {
		return err
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil || signer != auth.Grantor {
		return ErrInvalidSignature
	}

	t.mu.Lock()
	next := t.nonces[auth.Grantor]
	if auth.Nonce != next {
		t.mu.Unlock()
		return ErrInvalidNonce
	}
	t.nonces[auth.Grantor] = next + 1
	t.mu.Unlock()
	t.st.Record(func() {
		t.mu.Lock()
		t.nonces[auth.Grantor] = next
		t.mu.Unlock()
	})

	t.setAllowance(auth.Grantor, auth.Grantee, auth.Amount)
	return nil
}

// Sign produces a grantor signature over auth.
func (t *Token) Sign(key *ecdsa.PrivateKey, auth Authorization) ([]byte, error) {
	digest, err := t.Digest(auth)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over digest. Both
// 0/1 and 27/28 recovery ids are accepted; high-s signatures are not.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(rsv[:32])
	s := new(big.Int).SetBytes(rsv[32:64])
	if !crypto.ValidateSignatureValues(rsv[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, ErrInvalidSignature
	}

	pub, err := crypto.SigToPub(digest[:], rsv)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

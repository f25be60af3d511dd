// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidity

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"

	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/receipt"
)

const termsDomainName = "XLoan Terms"

var (
	termsTypeHash = crypto.Keccak256Hash([]byte(
		"TermsAcceptance(address wallet,bytes32 termsHash,uint256 timestamp)"))

	termsArgs = abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("address")},
		{Type: mustType("bytes32")},
		{Type: mustType("uint256")},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("liquidity: bad abi type %q: %v", t, err))
	}
	return typ
}

// TermsAcceptance is a wallet's signed agreement to the loan terms
// identified by TermsHash.
type TermsAcceptance struct {
	Wallet    common.Address
	TermsHash common.Hash
	Timestamp uint64
}

// TermsDigest returns the EIP-712 hash a wallet signs to accept terms.
func (l *Ledger) TermsDigest(acc TermsAcceptance) (common.Hash, error) {
	packed, err := termsArgs.Pack(
		[32]byte(termsTypeHash),
		acc.Wallet,
		[32]byte(acc.TermsHash),
		new(big.Int).SetUint64(acc.Timestamp),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TypedDigest(l.domain, crypto.Keccak256(packed)), nil
}

// SignTerms produces a wallet signature over acc.
func (l *Ledger) SignTerms(key *ecdsa.PrivateKey, acc TermsAcceptance) ([]byte, error) {
	digest, err := l.TermsDigest(acc)
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

// TermsAccepted returns the acceptance on record for wallet.
func (l *Ledger) TermsAccepted(wallet common.Address) (TermsAcceptance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.terms[wallet]
	return acc, ok
}

// AcceptTerms records a signed acceptance of the current terms. Anyone may
// relay it; the signature must come from acc.Wallet. A newer acceptance
// replaces the previous one.
func (l *Ledger) AcceptTerms(acc TermsAcceptance, sig []byte) error {
	return l.guarded("accept_terms", func() error {
		if l.cfg.TermsHash == (common.Hash{}) {
			return fmt.Errorf("%w: no terms configured", ErrTermsMismatch)
		}
		if acc.TermsHash != l.cfg.TermsHash {
			return ErrTermsMismatch
		}
		if acc.Timestamp > l.st.Now() {
			return fmt.Errorf("%w: acceptance timestamp in the future", ErrInvalidAmount)
		}
		digest, err := l.TermsDigest(acc)
		if err != nil {
			return err
		}
		signer, err := receipt.RecoverSigner(digest, sig)
		if err != nil || signer != acc.Wallet {
			return receipt.ErrInvalidSignature
		}

		l.mu.Lock()
		prev, had := l.terms[acc.Wallet]
		l.terms[acc.Wallet] = acc
		l.mu.Unlock()
		l.st.Record(func() {
			l.mu.Lock()
			if had {
				l.terms[acc.Wallet] = prev
			} else {
				delete(l.terms, acc.Wallet)
			}
			l.mu.Unlock()
		})
		if err := l.emit(events.TermsAccepted, acc.Wallet, [32]byte(acc.TermsHash), new(big.Int).SetUint64(acc.Timestamp)); err != nil {
			return err
		}
		l.log.Info("terms accepted", "wallet", acc.Wallet, "termsHash", acc.TermsHash)
		return nil
	})
}

// requireTerms fails unless borrower accepted the configured terms.
func (l *Ledger) requireTerms(borrower common.Address) error {
	if l.cfg.TermsHash == (common.Hash{}) {
		return nil
	}
	acc, ok := l.TermsAccepted(borrower)
	if !ok {
		return ErrTermsNotAccepted
	}
	if acc.TermsHash != l.cfg.TermsHash {
		return ErrTermsMismatch
	}
	return nil
}

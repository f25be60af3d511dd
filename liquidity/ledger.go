// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package liquidity implements the liquidity-side coordinator. It mirrors
// each collateral position as a loan record, disburses principal, collects
// repayment and instructs the collateral ledger to release or liquidate.
package liquidity

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/guard"
	"github.com/luxfi/xloan/loanid"
	"github.com/luxfi/xloan/messenger"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/oracle"
	"github.com/luxfi/xloan/payload"
	"github.com/luxfi/xloan/receipt"
)

const (
	BpsDenominator       = 10_000
	DefaultMaxLtvBps     = 7_000
	DefaultCommissionBps = 100 // 1%
	DefaultOracleTimeout = time.Hour
)

var (
	ErrUnknownLoan          = errors.New("unknown loan")
	ErrInvalidStatus        = errors.New("invalid loan status")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNotMessenger         = errors.New("caller is not the registered messenger")
	ErrUnauthorizedOperator = errors.New("caller is neither payer nor operator")
	ErrExcessivePrincipal   = errors.New("principal exceeds oracle-derived maximum")
	ErrAlreadyFunded        = errors.New("loan already funded")
	ErrNoPayoutDestination  = errors.New("no beneficiary and no linked payout destination")
	ErrTermsNotAccepted     = errors.New("borrower has not accepted the loan terms")
	ErrTermsMismatch        = errors.New("accepted terms do not match the current terms")

	ErrUnknownAction = payload.ErrUnknownAction
	ErrOracleStale   = oracle.ErrOracleStale
)

// Collateral is the direct path into a collateral ledger.
type Collateral interface {
	HandleLinkedInstruction(caller common.Address, msg payload.Message) error
	// LinkedLiquidity reports which liquidity ledger the peer accepts
	// direct instructions from.
	LinkedLiquidity() common.Address
}

// Config holds the ledger's identity and lending policy.
type Config struct {
	Address common.Address
	// Stable is the asset principal is disbursed and repaid in.
	Stable common.Address
	Admin  common.Address
	// CollateralLedger may register loans by direct call.
	CollateralLedger common.Address

	MaxLtvBps     uint64
	CommissionBps uint64
	OracleTimeout time.Duration
	// TermsHash is the digest of the loan terms borrowers must accept
	// before funding. Zero disables the check.
	TermsHash common.Hash
}

// Ledger is the liquidity-side coordinator.
type Ledger struct {
	mu sync.RWMutex

	st  *chain.State
	cfg Config

	messenger messenger.Messenger
	oracle    oracle.PriceOracle
	direct    Collateral

	loans map[loanid.ID]*Loan
	// borrower -> payout destination
	payouts map[common.Address]common.Address
	terms   map[common.Address]TermsAcceptance
	domain  common.Hash

	messengerAddr common.Address
	operators     *guard.Roles
	admin         *guard.Ownable
	pause         guard.Pausable
	reentrancy    guard.Reentrancy

	// metric updates held until the running operation commits
	onCommit []func()

	log     log.Logger
	metrics *metrics.Metrics
}

// New creates a liquidity ledger on st.
func New(st *chain.State, cfg Config, msgr messenger.Messenger, prices oracle.PriceOracle, logger log.Logger, m *metrics.Metrics) (*Ledger, error) {
	if cfg.Address == (common.Address{}) || cfg.Stable == (common.Address{}) || cfg.Admin == (common.Address{}) {
		return nil, guard.ErrZeroAddress
	}
	if msgr == nil || prices == nil {
		return nil, errors.New("liquidity: missing dependency")
	}
	if cfg.MaxLtvBps == 0 {
		cfg.MaxLtvBps = DefaultMaxLtvBps
	}
	if cfg.MaxLtvBps > BpsDenominator {
		return nil, ErrInvalidAmount
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	return &Ledger{
		st:        st,
		cfg:       cfg,
		messenger: msgr,
		oracle:    prices,
		loans:     make(map[loanid.ID]*Loan),
		payouts:   make(map[common.Address]common.Address),
		terms:     make(map[common.Address]TermsAcceptance),
		domain:    receipt.TypedDomain(termsDomainName, st.ChainID(), cfg.Address),
		operators: guard.NewRoles(),
		admin:     guard.NewOwnable(cfg.Admin),
		log:       logger,
		metrics:   m,
	}, nil
}

// ===== Views =====

// Address is the ledger's account on its chain.
func (l *Ledger) Address() common.Address { return l.cfg.Address }

// Loan returns a copy of the record for id.
func (l *Ledger) Loan(id loanid.ID) (Loan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loan, ok := l.loans[id]
	if !ok {
		return Loan{}, ErrUnknownLoan
	}
	return loan.clone(), nil
}

// PayoutDestination returns the linked destination for borrower.
func (l *Ledger) PayoutDestination(borrower common.Address) (common.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dest, ok := l.payouts[borrower]
	return dest, ok
}

// IsOperator reports whether addr may report repayments for others.
func (l *Ledger) IsOperator(addr common.Address) bool { return l.operators.Has(addr) }

// DirectLinkLive reports whether settlement would take the direct path: a
// peer is configured and it names this ledger as its linked liquidity
// ledger.
func (l *Ledger) DirectLinkLive() bool {
	l.mu.RLock()
	peer := l.direct
	l.mu.RUnlock()
	return peer != nil && peer.LinkedLiquidity() == l.cfg.Address
}

// ===== Administration =====

// Admin returns the current administrator.
func (l *Ledger) Admin() common.Address { return l.admin.Owner() }

// TransferAdmin hands administration to next.
func (l *Ledger) TransferAdmin(caller, next common.Address) error {
	return l.admin.TransferOwnership(caller, next)
}

// SetMessenger registers the adapter whose deliveries are accepted.
func (l *Ledger) SetMessenger(caller, addr common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.mu.Lock()
	l.messengerAddr = addr
	l.mu.Unlock()
	return nil
}

// SetDirectLink configures the direct settlement path. nil removes it.
func (l *Ledger) SetDirectLink(caller common.Address, peer Collateral) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.mu.Lock()
	l.direct = peer
	l.mu.Unlock()
	return nil
}

// SetOperator grants or revokes operator rights.
func (l *Ledger) SetOperator(caller, operator common.Address, enabled bool) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.operators.Set(operator, enabled)
	return nil
}

// Pause suspends registration, funding and repayment.
func (l *Ledger) Pause(caller common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.pause.Pause()
	l.log.Warn("liquidity ledger paused", "by", caller)
	return nil
}

// Unpause lifts a pause.
func (l *Ledger) Unpause(caller common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.pause.Unpause()
	return nil
}

// LinkPayoutDestination binds borrower to the address FundLoan pays when
// no beneficiary is given. The borrower or the admin may set it.
func (l *Ledger) LinkPayoutDestination(caller, borrower, destination common.Address) error {
	return l.guarded("link_payout", func() error {
		if caller != borrower {
			if err := l.admin.OnlyOwner(caller); err != nil {
				return err
			}
		}
		if destination == (common.Address{}) {
			return guard.ErrZeroAddress
		}
		l.mu.Lock()
		prev, had := l.payouts[borrower]
		l.payouts[borrower] = destination
		l.mu.Unlock()
		l.st.Record(func() {
			l.mu.Lock()
			if had {
				l.payouts[borrower] = prev
			} else {
				delete(l.payouts, borrower)
			}
			l.mu.Unlock()
		})
		l.log.Info("payout destination linked", "borrower", borrower, "destination", destination)
		return nil
	})
}

// Rescue moves tokens out of the ledger.
func (l *Ledger) Rescue(caller, token, to common.Address, amount *big.Int) error {
	return l.guarded("rescue", func() error {
		if err := l.admin.OnlyOwner(caller); err != nil {
			return err
		}
		if to == (common.Address{}) {
			return guard.ErrZeroAddress
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if err := l.st.Transfer(token, l.cfg.Address, to, amount); err != nil {
			return err
		}
		l.log.Info("tokens rescued", "token", token, "to", to, "amount", amount)
		return nil
	})
}

// ===== Internals =====

func (l *Ledger) guarded(op string, fn func() error) (err error) {
	defer func() { l.metrics.Op(metrics.Liquidity, op, err) }()

	release, err := l.reentrancy.Enter()
	if err != nil {
		return err
	}
	defer release()

	err = l.st.Exec(fn)
	l.mu.Lock()
	pending := l.onCommit
	l.onCommit = nil
	l.mu.Unlock()
	if err == nil {
		for _, f := range pending {
			f()
		}
	}
	return err
}

// afterCommit defers f until the running operation succeeds.
func (l *Ledger) afterCommit(f func()) {
	l.mu.Lock()
	l.onCommit = append(l.onCommit, f)
	n := len(l.onCommit) - 1
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		if n <= len(l.onCommit) {
			l.onCommit = l.onCommit[:n]
		}
		l.mu.Unlock()
	})
}

func (l *Ledger) loan(id loanid.ID) (*Loan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loan, ok := l.loans[id]
	if !ok {
		return nil, ErrUnknownLoan
	}
	return loan, nil
}

// update applies fn to loan and journals the previous record.
func (l *Ledger) update(loan *Loan, fn func(*Loan)) {
	l.mu.Lock()
	prev := *loan
	fn(loan)
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		*loan = prev
		l.mu.Unlock()
	})
}

func (l *Ledger) emit(name string, args ...interface{}) error {
	return events.Emit(l.st, l.cfg.Address, name, args...)
}

func units(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(oracle.One)).Float64()
	return f
}

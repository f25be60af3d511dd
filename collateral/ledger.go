// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package collateral implements the collateral-side coordinator. It takes
// collateral into vault custody, issues ownership receipts, and releases or
// liquidates positions when settlement instructions arrive from the
// liquidity ledger.
package collateral

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
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
	"github.com/luxfi/xloan/vault"
)

// Defaults
const (
	BpsDenominator       = 10_000
	DefaultMaxLtvBps     = 7_000
	DefaultOracleTimeout = time.Hour
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidState       = errors.New("invalid position state")
	ErrNotLoanOwner       = errors.New("caller is not the position owner")
	ErrNotMessenger       = errors.New("caller is not the registered messenger")
	ErrInvalidBridgeProof = errors.New("invalid bridge proof")
	ErrVaultShareMismatch = errors.New("vault share mismatch")
	ErrUnknownLoan        = errors.New("unknown loan")
	ErrRescueCustodied    = errors.New("rescue would touch custodied funds")

	ErrUnknownAction = payload.ErrUnknownAction
	ErrOracleStale   = oracle.ErrOracleStale
)

// Bridge is the settlement adapter surface used by the ledger.
type Bridge interface {
	ValidateBridgeProof(user common.Address, amount *big.Int, proof []byte) (bool, error)
	BridgeToBitcoin(caller, recipient common.Address, amount *big.Int, params []byte) (uuid.UUID, error)
	UnwindToStable(caller, beneficiary common.Address, amount *big.Int, swapParams []byte) (*big.Int, error)
}

// Config holds the ledger's identity and underwriting policy.
type Config struct {
	Address    common.Address
	Collateral common.Address
	Admin      common.Address

	MaxLtvBps     uint64
	OracleTimeout time.Duration
	// ShareTolerance is the allowed gap between collateral deposited and
	// vault shares returned.
	ShareTolerance *big.Int
}

// Dependencies are the collaborators the ledger drives.
type Dependencies struct {
	Receipt   *receipt.Token
	Vault     vault.Custody
	Bridge    Bridge
	Messenger messenger.Messenger
	Oracle    oracle.PriceOracle
	// IDs defaults to a loanid.Counter keyed by the ledger address.
	IDs loanid.Source
}

// Ledger is the collateral-side coordinator.
type Ledger struct {
	mu sync.RWMutex

	st  *chain.State
	cfg Config

	receipt   *receipt.Token
	vault     vault.Custody
	bridge    Bridge
	messenger messenger.Messenger
	oracle    oracle.PriceOracle
	ids       loanid.Source

	positions map[loanid.ID]*Position
	// receipts held by the ledger for locked positions
	lockedReceipts *big.Int

	manager       common.Address
	messengerAddr common.Address
	linkedLedger  common.Address
	keepers       *guard.Roles
	admin         *guard.Ownable
	pause         guard.Pausable
	reentrancy    guard.Reentrancy

	// metric updates held until the running operation commits
	onCommit []func()

	log     log.Logger
	metrics *metrics.Metrics
}

// New creates a collateral ledger on st.
func New(st *chain.State, cfg Config, deps Dependencies, logger log.Logger, m *metrics.Metrics) (*Ledger, error) {
	if cfg.Address == (common.Address{}) || cfg.Collateral == (common.Address{}) || cfg.Admin == (common.Address{}) {
		return nil, guard.ErrZeroAddress
	}
	if deps.Receipt == nil || deps.Vault == nil || deps.Bridge == nil || deps.Messenger == nil || deps.Oracle == nil {
		return nil, errors.New("collateral: missing dependency")
	}
	if deps.Receipt.Coordinator() != cfg.Address {
		return nil, receipt.ErrNotCoordinator
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
	if cfg.ShareTolerance == nil {
		cfg.ShareTolerance = new(big.Int)
	}
	if deps.IDs == nil {
		deps.IDs = loanid.NewCounter(cfg.Address, st.ChainID(), st)
	}
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}

	return &Ledger{
		st:             st,
		cfg:            cfg,
		receipt:        deps.Receipt,
		vault:          deps.Vault,
		bridge:         deps.Bridge,
		messenger:      deps.Messenger,
		oracle:         deps.Oracle,
		ids:            deps.IDs,
		positions:      make(map[loanid.ID]*Position),
		lockedReceipts: new(big.Int),
		keepers:        guard.NewRoles(),
		admin:          guard.NewOwnable(cfg.Admin),
		log:            logger,
		metrics:        m,
	}, nil
}

// ===== Views =====

// Address is the ledger's account on its chain.
func (l *Ledger) Address() common.Address { return l.cfg.Address }

// Position returns a copy of the position for id.
func (l *Ledger) Position(id loanid.ID) (Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return Position{}, ErrUnknownLoan
	}
	return pos.clone(), nil
}

// NextLoanID previews the identifier of the next deposit.
func (l *Ledger) NextLoanID() loanid.ID { return l.ids.Peek() }

// LockedReceipts is the receipt balance held for locked positions.
func (l *Ledger) LockedReceipts() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.lockedReceipts)
}

// Manager returns the address allowed to use the privileged shortcuts.
func (l *Ledger) Manager() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manager
}

// LinkedLiquidity returns the liquidity ledger allowed to call
// HandleLinkedInstruction.
func (l *Ledger) LinkedLiquidity() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.linkedLedger
}

// Paused reports whether deposits are suspended.
func (l *Ledger) Paused() bool { return l.pause.Paused() }

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

// SetLinkedLiquidity registers the liquidity ledger's direct path.
func (l *Ledger) SetLinkedLiquidity(caller, addr common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.mu.Lock()
	l.linkedLedger = addr
	l.mu.Unlock()
	return nil
}

// SetManager replaces the manager.
func (l *Ledger) SetManager(caller, manager common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	return l.st.Exec(func() error { return l.setManager(manager) })
}

// SetKeeper grants or revokes keeper rights.
func (l *Ledger) SetKeeper(caller, keeper common.Address, enabled bool) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.keepers.Set(keeper, enabled)
	return nil
}

// Pause suspends new deposits. Settlement keeps running.
func (l *Ledger) Pause(caller common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.pause.Pause()
	l.log.Warn("collateral ledger paused", "by", caller)
	return nil
}

// Unpause resumes deposits.
func (l *Ledger) Unpause(caller common.Address) error {
	if err := l.admin.OnlyOwner(caller); err != nil {
		return err
	}
	l.pause.Unpause()
	return nil
}

// Rescue moves stray tokens out of the ledger. Receipts held for locked
// positions cannot be rescued.
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
		free := l.st.BalanceOf(token, l.cfg.Address)
		if token == l.receipt.Address() {
			free.Sub(free, l.LockedReceipts())
		}
		if free.Cmp(amount) < 0 {
			return ErrRescueCustodied
		}
		if err := l.st.Transfer(token, l.cfg.Address, to, amount); err != nil {
			return err
		}
		l.log.Info("tokens rescued", "token", token, "to", to, "amount", amount)
		return nil
	})
}

// ===== Internals =====

// guarded runs fn as one operation on the ledger's state.
func (l *Ledger) guarded(op string, fn func() error) error {
	return l.run(op, l.st.Exec, fn)
}

// run executes fn under the reentrancy lock with the given journal scope
// and applies deferred metric updates once fn has committed.
func (l *Ledger) run(op string, scope func(func() error) error, fn func() error) (err error) {
	defer func() { l.metrics.Op(metrics.Collateral, op, err) }()

	release, err := l.reentrancy.Enter()
	if err != nil {
		return err
	}
	defer release()

	err = scope(fn)
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

func (l *Ledger) setManager(manager common.Address) error {
	if manager == (common.Address{}) {
		return guard.ErrZeroAddress
	}
	l.mu.Lock()
	prev := l.manager
	l.manager = manager
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		l.manager = prev
		l.mu.Unlock()
	})
	if err := l.emit(events.ManagerUpdated, manager); err != nil {
		return err
	}
	l.log.Info("manager updated", "manager", manager, "previous", prev)
	return nil
}

func (l *Ledger) addPosition(pos *Position) {
	l.mu.Lock()
	l.positions[pos.ID] = pos
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		delete(l.positions, pos.ID)
		l.mu.Unlock()
	})
}

func (l *Ledger) position(id loanid.ID) (*Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return nil, ErrUnknownLoan
	}
	return pos, nil
}

// setState moves pos along a legal edge.
func (l *Ledger) setState(pos *Position, to State) error {
	l.mu.Lock()
	from := pos.State
	if !CanTransition(from, to) {
		l.mu.Unlock()
		return ErrInvalidState
	}
	pos.State = to
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		pos.State = from
		l.mu.Unlock()
	})
	l.afterCommit(func() { l.metrics.Transition(metrics.Collateral, to.String()) })
	return nil
}

func (l *Ledger) addLockedReceipts(delta *big.Int) {
	l.mu.Lock()
	prev := new(big.Int).Set(l.lockedReceipts)
	l.lockedReceipts.Add(l.lockedReceipts, delta)
	l.mu.Unlock()
	l.st.Record(func() {
		l.mu.Lock()
		l.lockedReceipts = prev
		l.mu.Unlock()
	})
}

func (l *Ledger) emit(name string, args ...interface{}) error {
	return events.Emit(l.st, l.cfg.Address, name, args...)
}

// units converts a 1e18-scaled amount to a float for gauges.
func units(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(oracle.One)).Float64()
	return f
}

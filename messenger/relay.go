// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"context"
	"encoding/binary"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/luxfi/xloan/chain"
	"github.com/luxfi/xloan/events"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/payload"
)

// DefaultSendTimeout bounds a single hand-off to the endpoint.
const DefaultSendTimeout = 5 * time.Second

// FeeConfig prices a delivery in native wei.
type FeeConfig struct {
	BaseFee    *big.Int
	PerByteFee *big.Int
	MinFee     *big.Int
	MaxFee     *big.Int // zero means uncapped
}

// RelayConfig configures a RelayAdapter.
type RelayConfig struct {
	DstChainID  uint64
	Fee         FeeConfig
	FeeSink     common.Address
	SendTimeout time.Duration
}

// RelayAdapter sends through an Endpoint, paying a fee from its own native
// balance, and authenticates inbound envelopes against a trusted-remote
// table before handing them to the local ledger.
type RelayAdapter struct {
	mu sync.RWMutex

	st       *chain.State
	address  common.Address
	endpoint Endpoint
	cfg      RelayConfig

	// srcChainID -> remote adapter address
	trusted  map[uint64]common.Address
	receiver Receiver
	nonce    uint64

	log     log.Logger
	metrics *metrics.Metrics
}

// NewRelayAdapter creates an adapter living on st at address.
func NewRelayAdapter(st *chain.State, address common.Address, endpoint Endpoint, cfg RelayConfig, logger log.Logger, m *metrics.Metrics) *RelayAdapter {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &RelayAdapter{
		st:       st,
		address:  address,
		endpoint: endpoint,
		cfg:      cfg,
		trusted:  make(map[uint64]common.Address),
		log:      logger,
		metrics:  m,
	}
}

func (r *RelayAdapter) Address() common.Address { return r.address }

// SetTrustedRemote registers the adapter that may send from srcChainID.
// A zero address removes the entry.
func (r *RelayAdapter) SetTrustedRemote(srcChainID uint64, remote common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if remote == (common.Address{}) {
		delete(r.trusted, srcChainID)
		return
	}
	r.trusted[srcChainID] = remote
}

// SetReceiver registers the ledger that inbound payloads are handed to.
func (r *RelayAdapter) SetReceiver(recv Receiver) {
	r.mu.Lock()
	r.receiver = recv
	r.mu.Unlock()
}

// Start subscribes the adapter to envelopes addressed to its chain.
func (r *RelayAdapter) Start(ctx context.Context) error {
	return r.endpoint.Listen(ctx, r.st.ChainID(), func(_ context.Context, env payload.Envelope) error {
		if env.DstChainID != r.st.ChainID() {
			return ErrWrongDestination
		}
		return r.Receive(env.Origin, env.Payload)
	})
}

// QuoteFee returns the delivery fee for a payload of n bytes.
func (r *RelayAdapter) QuoteFee(n int) *big.Int {
	fee := new(big.Int)
	if r.cfg.Fee.PerByteFee != nil {
		fee.Mul(r.cfg.Fee.PerByteFee, big.NewInt(int64(n)))
	}
	if r.cfg.Fee.BaseFee != nil {
		fee.Add(fee, r.cfg.Fee.BaseFee)
	}

	// Apply min/max
	if r.cfg.Fee.MinFee != nil && fee.Cmp(r.cfg.Fee.MinFee) < 0 {
		fee.Set(r.cfg.Fee.MinFee)
	}
	if r.cfg.Fee.MaxFee != nil && r.cfg.Fee.MaxFee.Sign() > 0 && fee.Cmp(r.cfg.Fee.MaxFee) > 0 {
		fee.Set(r.cfg.Fee.MaxFee)
	}
	return fee
}

// SendMessage pays the fee, assigns a GUID and hands the envelope to the
// endpoint. The hand-off is the last step, so a failed send leaves the
// fee and nonce to be reverted by the calling ledger.
func (r *RelayAdapter) SendMessage(data []byte) error {
	fee := r.QuoteFee(len(data))
	if r.st.BalanceOf(chain.NativeToken, r.address).Cmp(fee) < 0 {
		return ErrInsufficientFee
	}
	if fee.Sign() > 0 {
		if err := r.st.Transfer(chain.NativeToken, r.address, r.cfg.FeeSink, fee); err != nil {
			return err
		}
	}

	r.mu.Lock()
	nonce := r.nonce
	r.nonce++
	r.mu.Unlock()
	r.st.Record(func() {
		r.mu.Lock()
		r.nonce = nonce
		r.mu.Unlock()
	})

	env := payload.Envelope{
		Origin: payload.Origin{
			SrcChainID: r.st.ChainID(),
			Sender:     r.address,
			Nonce:      nonce,
		},
		DstChainID: r.cfg.DstChainID,
		Payload:    data,
	}
	env.Origin.GUID = GUID(env)

	if err := events.Emit(r.st, r.address, events.MessageSent, env.Origin.GUID, r.cfg.DstChainID, fee); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	if err := r.endpoint.Send(ctx, env); err != nil {
		return err
	}

	feeWei, _ := new(big.Float).SetInt(fee).Float64()
	r.metrics.FeePaid(strconv.FormatUint(r.st.ChainID(), 10), feeWei)
	r.log.Debug("message relayed", "guid", env.Origin.GUID, "dst", r.cfg.DstChainID, "nonce", nonce, "fee", fee)
	return nil
}

// Receive authenticates origin and hands the payload to the local ledger.
func (r *RelayAdapter) Receive(origin payload.Origin, data []byte) error {
	r.mu.RLock()
	remote, ok := r.trusted[origin.SrcChainID]
	recv := r.receiver
	r.mu.RUnlock()

	if !ok || remote != origin.Sender {
		r.log.Warn("rejected message from unknown sender", "srcChain", origin.SrcChainID, "sender", origin.Sender)
		return ErrUnknownSender
	}
	return deliver(recv, r.address, data, origin)
}

// GUID derives the relay identifier of an envelope.
func GUID(env payload.Envelope) common.Hash {
	h := blake3.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], env.Origin.SrcChainID)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], env.DstChainID)
	h.Write(buf[:])
	h.Write(env.Origin.Sender.Bytes())
	binary.BigEndian.PutUint64(buf[:], env.Origin.Nonce)
	h.Write(buf[:])
	h.Write(env.Payload)
	return common.BytesToHash(h.Sum(nil))
}

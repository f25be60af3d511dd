// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/luxfi/xloan/guard"
	"github.com/luxfi/xloan/payload"
)

// JetStream layout of the relay.
const (
	StreamName    = "XLOAN_RELAY"
	SubjectPrefix = "xloan.relay"
)

// NATSEndpoint carries envelopes over NATS JetStream. Each destination
// chain has its own subject and durable consumer.
type NATSEndpoint struct {
	mu sync.Mutex

	nc        *nats.Conn
	js        jetstream.JetStream
	consumers []jetstream.ConsumeContext

	log log.Logger
}

// DialNATS connects to url and provisions the relay stream.
func DialNATS(ctx context.Context, url string, logger log.Logger) (*NATSEndpoint, error) {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	nc, err := nats.Connect(url,
		nats.Name("xloan-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	e := NewNATSEndpoint(js, logger)
	e.nc = nc
	if err := e.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return e, nil
}

// NewNATSEndpoint wraps an existing JetStream context.
func NewNATSEndpoint(js jetstream.JetStream, logger log.Logger) *NATSEndpoint {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	return &NATSEndpoint{js: js, log: logger}
}

// Subject returns the subject envelopes for chainID are published on.
func Subject(chainID uint64) string {
	return fmt.Sprintf("%s.%d", SubjectPrefix, chainID)
}

// ConsumerName returns the durable consumer name for chainID.
func ConsumerName(chainID uint64) string {
	return fmt.Sprintf("xloan-ledger-%d", chainID)
}

// EnsureStream creates the relay stream if it does not exist.
func (e *NATSEndpoint) EnsureStream(ctx context.Context) error {
	_, err := e.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Send publishes env on its destination subject and waits for the stream ack.
func (e *NATSEndpoint) Send(ctx context.Context, env payload.Envelope) error {
	data, err := payload.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := e.js.Publish(ctx, Subject(env.DstChainID), data); err != nil {
		return fmt.Errorf("publish to chain %d: %w", env.DstChainID, err)
	}
	return nil
}

// Listen consumes the chain's subject with explicit acks. A busy ledger
// naks so the envelope comes back; any other failure terminates it, since
// the same envelope would fail the same way again.
func (e *NATSEndpoint) Listen(ctx context.Context, chainID uint64, h Handler) error {
	name := ConsumerName(chainID)
	consumer, err := e.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: Subject(chainID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		env, err := payload.DecodeEnvelope(msg.Data())
		if err != nil {
			e.log.Warn("dropping malformed envelope", "subject", msg.Subject(), "err", err)
			_ = msg.Term()
			return
		}
		switch err := h(ctx, env); {
		case err == nil:
			_ = msg.Ack()
		case errors.Is(err, guard.ErrReentrancy):
			_ = msg.Nak()
		default:
			e.log.Warn("envelope rejected",
				"srcChain", env.Origin.SrcChainID,
				"nonce", env.Origin.Nonce,
				"guid", env.Origin.GUID,
				"err", err,
			)
			_ = msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}

	e.mu.Lock()
	e.consumers = append(e.consumers, cc)
	e.mu.Unlock()
	e.log.Info("listening for relay envelopes", "subject", Subject(chainID), "consumer", name)
	return nil
}

// Close stops all consumers and the connection, if owned.
func (e *NATSEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.consumers {
		cc.Stop()
	}
	e.consumers = nil
	if e.nc != nil {
		e.nc.Close()
	}
}

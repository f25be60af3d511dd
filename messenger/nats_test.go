// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package messenger

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/xloan/chain"
)

func TestSubjectNaming(t *testing.T) {
	require.Equal(t, "xloan.relay.96369", Subject(collateralChain))
	require.Equal(t, "xloan-ledger-8453", ConsumerName(liquidityChain))
}

// TestNATSRoundTrip needs a JetStream-enabled server at XLOAN_NATS_URL.
func TestNATSRoundTrip(t *testing.T) {
	url := os.Getenv("XLOAN_NATS_URL")
	if url == "" {
		t.Skip("XLOAN_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	endpoint, err := DialNATS(ctx, url, nil)
	require.NoError(t, err)
	defer endpoint.Close()

	liqState := chain.NewState(liquidityChain, nil)
	colState := chain.NewState(collateralChain, nil)
	require.NoError(t, liqState.Mint(chain.NativeToken, liquidityMessenger, big.NewInt(1)))

	out := NewRelayAdapter(liqState, liquidityMessenger, endpoint, RelayConfig{DstChainID: collateralChain}, nil, nil)
	in := NewRelayAdapter(colState, collateralMessenger, endpoint, RelayConfig{DstChainID: liquidityChain}, nil, nil)
	in.SetTrustedRemote(liquidityChain, liquidityMessenger)
	rec := &recorder{}
	in.SetReceiver(rec)
	require.NoError(t, in.Start(ctx))

	require.NoError(t, out.SendMessage(repayment(t, 3)))
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.got) > 0
	}, 10*time.Second, 50*time.Millisecond)
}

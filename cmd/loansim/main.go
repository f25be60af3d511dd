// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command loansim runs a collateral/liquidity ledger pair, plays a repay
// and a default loan through it and serves metrics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/xloan/config"
	"github.com/luxfi/xloan/metrics"
	"github.com/luxfi/xloan/sim"
)

var (
	borrower    = common.HexToAddress("0xB0770E")
	lender      = common.HexToAddress("0x1E4D")
	btcReceiver = common.HexToAddress("0xB7CB7C")
)

func main() {
	var (
		cfgPath     = flag.String("config", "", "path to a JSON config (defaults built in)")
		mode        = flag.String("mode", "", "messenger mode override: dev, local or nats")
		natsURL     = flag.String("nats", "", "NATS server URL for nats mode")
		metricsAddr = flag.String("metrics", "", "metrics listen address override")
		once        = flag.Bool("once", false, "exit after the demo loans settle")
	)
	flag.Parse()

	logger := log.NewTestLogger(log.InfoLevel)
	if err := run(logger, *cfgPath, *mode, *natsURL, *metricsAddr, *once); err != nil {
		logger.Error("loansim failed", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, cfgPath, mode, natsURL, metricsAddr string, once bool) error {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if mode != "" {
		cfg.Messenger.Mode = mode
	}
	if natsURL != "" {
		cfg.Messenger.NATSURL = natsURL
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	errChan := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, logger, cfg.MetricsAddr, reg, errChan)
	}

	cluster, err := sim.New(ctx, cfg, sim.WithLogger(logger), sim.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}
	defer cluster.Close()
	logger.Info("ledgers ready",
		"mode", cfg.Messenger.Mode,
		"collateralChain", cfg.Collateral.ChainID,
		"liquidityChain", cfg.Liquidity.ChainID,
	)

	if err := demo(ctx, logger, cluster); err != nil {
		return err
	}
	if once {
		return nil
	}

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		return nil
	case err := <-errChan:
		return err
	}
}

// demo opens two loans: the first is repaid and releases its collateral,
// the second is flagged in default and unwound to the lender.
func demo(ctx context.Context, logger log.Logger, c *sim.Cluster) error {
	token := c.Config.Collateral.Token
	stable := c.Config.Liquidity.Stable

	deposit, err := token.Amount("1")
	if err != nil {
		return err
	}
	minted, err := token.Amount("2")
	if err != nil {
		return err
	}
	if err := c.MintCollateral(borrower, minted); err != nil {
		return err
	}
	buffer, err := stable.Amount("1000")
	if err != nil {
		return err
	}
	if err := c.MintStable(borrower, buffer); err != nil {
		return err
	}

	repaid, err := c.Borrow(ctx, borrower, deposit, 5_000, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	if err := c.Repay(ctx, repaid, btcReceiver, nil); err != nil {
		return fmt.Errorf("repay %s: %w", repaid, err)
	}
	loan, err := c.Liquidity.Loan(repaid)
	if err != nil {
		return err
	}
	logger.Info("loan repaid",
		"loanID", repaid,
		"paid", config.FormatAmount(loan.RepaymentDue, stable.Decimals),
	)

	defaulted, err := c.Borrow(ctx, borrower, deposit, 5_000, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	minOut, err := stable.Amount("19400")
	if err != nil {
		return err
	}
	if err := c.Default(ctx, defaulted, lender, minOut); err != nil {
		return fmt.Errorf("default %s: %w", defaulted, err)
	}
	logger.Info("loan liquidated",
		"loanID", defaulted,
		"lenderProceeds", config.FormatAmount(c.CollateralState.BalanceOf(stable.Address, lender), stable.Decimals),
	)
	return nil
}

func serveMetrics(ctx context.Context, logger log.Logger, addr string, reg *prometheus.Registry, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	}()
	logger.Info("metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

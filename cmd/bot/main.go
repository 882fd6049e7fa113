package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/pairbot/internal/catalog"
	"github.com/betbot/pairbot/internal/clob"
	"github.com/betbot/pairbot/internal/dashboard"
	"github.com/betbot/pairbot/internal/engine"
	"github.com/betbot/pairbot/internal/ledger"
	"github.com/betbot/pairbot/internal/redeem"
	"github.com/betbot/pairbot/internal/wallet"
	"github.com/betbot/pairbot/pkg/config"
	"github.com/betbot/pairbot/pkg/logger"
	"github.com/betbot/pairbot/pkg/persistence"
	"github.com/betbot/pairbot/pkg/ratelimit"
)

// cycleDuration is the length of one market cycle the bot trades.
const cycleDuration = 15 * time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("load config: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Errorf("init logger: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limits := ratelimit.NewManager()

	store := persistence.NewJSONFileService(filepath.Join(cfg.Engine.DataDir, "persistence"))
	history, err := persistence.OpenHistory(filepath.Join(cfg.Engine.DataDir, "history"))
	if err != nil {
		logrus.Errorf("open history store: %v", err)
		os.Exit(1)
	}
	defer history.Close()

	cat := catalog.NewClient(
		cfg.Endpoints.GammaHost,
		cfg.Engine.SlugPrefix,
		cycleDuration,
		time.Duration(cfg.Engine.MaxStartAheadHours)*time.Hour,
		limits,
	)

	var (
		gateway  engine.Gateway
		led      engine.Ledger
		redeemer engine.Redeemer
	)

	if cfg.DryRun {
		logrus.Warn("dry run enabled: orders and settlements are simulated")
		gateway = engine.NewPaperGateway()
		led = engine.NewPaperLedger(10_000)
	} else {
		w, err := wallet.Load(cfg.Wallet)
		if err != nil {
			logrus.Errorf("load wallet: %v", err)
			os.Exit(1)
		}
		logrus.Infof("trading as %s", w.Address.Hex())

		signer := clob.NewSigner(w.Key, cfg.Endpoints.ChainID)
		clobClient := clob.NewClient(cfg.Endpoints.ClobHost, signer, cfg.Wallet.SignatureType, cfg.Wallet.FunderAddress, limits)

		credCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		creds, err := clobClient.DeriveAPICreds(credCtx)
		cancel()
		if err != nil {
			// Without L2 creds every authenticated call fails and is retried
			// on later ticks; public endpoints keep working meanwhile.
			logrus.Warnf("derive API credentials: %v (continuing without L2 auth)", err)
		} else {
			keyHint := creds.Key
			if len(keyHint) > 8 {
				keyHint = keyHint[:8]
			}
			logrus.Infof("API credentials ready: key=%s...", keyHint)
		}

		ledgerClient, err := ledger.New(cfg.Endpoints.RPCURL, w.Key, cfg.Endpoints.ChainID, cfg.Wallet.FunderAddress)
		if err != nil {
			logrus.Errorf("connect ledger: %v", err)
			os.Exit(1)
		}
		defer ledgerClient.Close()

		// Missing approvals would make every merge and redeem revert.
		exchanges, err := clob.ExchangeAddresses(cfg.Endpoints.ChainID)
		if err != nil {
			logrus.Errorf("resolve exchange contracts: %v", err)
			os.Exit(1)
		}
		for _, exchange := range exchanges {
			appCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			err := ledgerClient.EnsureApprovals(appCtx, exchange)
			cancel()
			if err != nil {
				logrus.Warnf("ensure approvals for %s: %v", exchange.Hex(), err)
			}
		}

		positionsOwner := cfg.Wallet.FunderAddress
		if positionsOwner == "" {
			positionsOwner = w.Address.Hex()
		}
		redeemer = redeem.NewSweeper(
			cfg.Endpoints.DataHost,
			positionsOwner,
			time.Duration(cfg.Engine.RedeemCheckSeconds)*time.Second,
			ledgerClient,
			history,
			limits,
		)

		gateway = clobClient
		led = ledgerClient
	}

	opts := []engine.Option{engine.WithHistory(history)}
	if redeemer != nil {
		opts = append(opts, engine.WithRedeemer(redeemer))
	}
	eng := engine.New(engine.ConfigFromApp(cfg), cat, gateway, led, store, opts...)

	if err := eng.Recover(ctx); err != nil {
		logrus.Errorf("recover state: %v", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	if cfg.Dashboard.Enabled {
		srv := dashboard.New(eng, cfg.Dashboard.Listen)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	logrus.Info("bot started, Ctrl+C to stop")
	if err := g.Wait(); err != nil && err != context.Canceled {
		logrus.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
	logrus.Info("bot stopped")
}

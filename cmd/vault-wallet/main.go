package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"moff.io/vault-wallet/internal/bridge"
	"moff.io/vault-wallet/internal/cache"
	"moff.io/vault-wallet/internal/chains"
	"moff.io/vault-wallet/internal/chains/hiro"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/config"
	"moff.io/vault-wallet/internal/dispatch"
	"moff.io/vault-wallet/internal/http"
	"moff.io/vault-wallet/internal/monitor"
	"moff.io/vault-wallet/internal/starter"
	"moff.io/vault-wallet/internal/vault"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/internal/walletconnect"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	config.Read()
	c := config.Global
	log.SetLevelName(c.LogLevel)
	setupReporters(c)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	network, ok := chains.Lookup(c.Network)
	if !ok {
		log.Fatalf("unknown network %v", c.Network)
	}
	contract, err := stacks.ParseContractID(c.Contract)
	if err != nil {
		log.Fatalf("invalid vault contract %v: %v", c.Contract, err)
	}
	apiBaseURL := c.API.BaseURL
	if apiBaseURL == "" {
		apiBaseURL = network.APIBaseURL
	}
	api := hiro.NewClient(apiBaseURL, c.API.Key, c.API.RatePerSecond)
	metrics := monitor.New(prometheus.DefaultRegisterer)

	pairing := walletconnect.NewClient(walletconnect.Options{
		ProjectID: c.WalletConnect.ProjectID,
		RelayURL:  c.WalletConnect.RelayURL,
		Metadata: walletconnect.Metadata{
			Name:        c.App.Name,
			Description: c.App.Description,
			URL:         c.App.URL,
			Icons:       c.App.Icons,
		},
	})
	manager := wallet.NewManager(pairing,
		wallet.NewAddressResolver(pairing, chains.Namespace, c.Timeouts.Build),
		wallet.WithRequirements(wallet.DefaultRequirements(network.ChainID)),
		wallet.WithConnectTimeout(c.WalletConnect.ConnectTimeout),
	)
	defer manager.Disconnect(context.Background())

	dispatchOpts := dispatch.Options{
		RPC:         pairing,
		Broadcaster: api,
		Timeouts: dispatch.Timeouts{
			Build:     c.Timeouts.Build,
			Approve:   c.Timeouts.Approve,
			Broadcast: c.Timeouts.Broadcast,
		},
		Metrics: metrics,
		Network: network,
	}
	if c.Bridge.URL != "" {
		dispatchOpts.Bridge = bridge.NewClient(c.Bridge.URL, bridge.WithDetectTTL(c.Bridge.DetectTTL))
	}
	if c.DeepLink.WalletURL != "" {
		dispatchOpts.DeepLink = &dispatch.DeepLink{WalletURL: c.DeepLink.WalletURL, CallbackURL: c.DeepLink.CallbackURL}
	}

	reader := vault.NewReader(api, contract)
	httpOpts := http.Options{
		Manager:        manager,
		Actions:        vault.NewActions(contract),
		Vaults:         reader,
		Chain:          api,
		Launcher:       c.WalletConnect.Launcher,
		RequestTimeout: c.HTTP.RequestTimeout,
		Metrics:        metrics,
		MetricsHandler: promhttp.Handler(),
	}
	if c.Redis.Enabled() {
		rdb, err := cache.NewRedis(ctx, &c.Redis)
		if err != nil {
			log.Fatal(err)
		}
		defer rdb.Close()
		dispatchOpts.Handoffs = cache.NewHandoffStore(rdb, c.Redis.HandoffTTL)
		httpOpts.Limiter = cache.NewRateLimiter(rdb)
		httpOpts.RatePerMinute = c.HTTP.RatePerMinute
	}
	httpOpts.Dispatcher = dispatch.New(dispatchOpts)

	poller := vault.NewPoller(api, reader, vault.WithPollMetrics(metrics))
	httpOpts.Stats = poller
	manager.Subscribe(metrics.ObserveSnapshot)
	manager.OnPairingURI(metrics.ObservePairingURI)
	manager.Subscribe(func(s wallet.Snapshot) {
		if s.Connected {
			poller.Watch(s.Address)
			return
		}
		poller.Watch("")
	})

	starter.Start(ctx, poller)
	defer starter.Stop(poller)

	if err := http.NewServer(httpOpts).Run(ctx, c.HTTP.Addr); err != nil {
		log.Error(err)
	}
	log.Infof("Shutting down")
}

func setupReporters(c *config.Configuration) {
	if c.SentryDSN != "" {
		if err := errors.NewSentryReporter(c.SentryDSN); err != nil {
			log.Errorf("init sentry reporter: %v", err)
		}
	}
	if c.LarkAlarmWebhook != "" {
		errors.NewLarkReporter("vault-wallet", c.LarkAlarmWebhook, time.Minute)
	}
}

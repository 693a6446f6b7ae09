package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"codekudos/auth"
	"codekudos/config"
	"codekudos/distributor"
	"codekudos/identity"
	"codekudos/ledger"
	"codekudos/models"
	"codekudos/observability/logging"
	telemetry "codekudos/observability/otel"
	"codekudos/recon"
	"codekudos/rewards"
	"codekudos/server"
	"codekudos/wallet"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "kudosd.toml", "path to kudosd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logging.Setup("kudosd", cfg.Environment)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "kudosd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		log.Fatalf("database config error: %v", err)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	signerKey, err := cfg.SignerKey()
	if err != nil {
		log.Fatalf("wallet config error: %v", err)
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	tokenWallet, err := wallet.Dial(dialCtx, wallet.Config{
		RPCURL:       cfg.Wallet.RPCURL,
		SignerKeyHex: signerKey,
		TokenAddress: cfg.Wallet.TokenAddress,
		ChainID:      cfg.Wallet.ChainID,
		Decimals:     uint8(cfg.Wallet.Decimals),
	})
	cancelDial()
	if err != nil {
		log.Fatalf("wallet error: %v", err)
	}

	policy := distributor.DefaultPolicy()
	if path := strings.TrimSpace(cfg.PolicyPath); path != "" {
		policy, err = distributor.LoadPolicy(path)
		if err != nil {
			log.Fatalf("policy error: %v", err)
		}
	}
	enforcer := distributor.NewPolicyEnforcer(policy)

	engine := rewards.NewEngine(db)
	processor := distributor.NewProcessor(db, tokenWallet, engine, distributor.WithPolicy(enforcer))
	dispatcher := server.NewDispatcher(processor, 0)
	engineWithEmitter := rewards.NewEngine(db, rewards.WithEmitter(dispatcher))

	contributionLedger := ledger.New(db)

	authSecret, err := cfg.AuthSecret()
	if err != nil {
		log.Fatalf("auth config error: %v", err)
	}
	authenticator, err := auth.New(auth.Options{
		Secret:   authSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: cfg.TokenTTL(),
	})
	if err != nil {
		log.Fatalf("auth error: %v", err)
	}

	githubSecret, err := cfg.GitHubClientSecret()
	if err != nil {
		log.Fatalf("github config error: %v", err)
	}
	githubClient, err := identity.NewGitHubClient(identity.GitHubConfig{
		ClientID:     cfg.GitHub.ClientID,
		ClientSecret: githubSecret,
		RedirectURL:  cfg.GitHub.RedirectURL,
	})
	if err != nil {
		log.Fatalf("github client error: %v", err)
	}
	identityService := identity.NewService(db, githubClient)

	srv := server.New(server.Config{
		DB:              db,
		Engine:          engineWithEmitter,
		Ledger:          contributionLedger,
		Processor:       processor,
		Identity:        identityService,
		Auth:            authenticator,
		Wallet:          tokenWallet,
		TreasuryAddress: tokenWallet.Address(),
		WebhookRate:     cfg.Webhook.RatePerSecond,
		WebhookBurst:    cfg.Webhook.Burst,
	})

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:        db,
		Wallet:    tokenWallet,
		Resolver:  processor,
		OutputDir: cfg.Recon.OutputDir,
		Grace:     cfg.ReconGrace(),
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		RunHour:    cfg.Recon.RunHour,
		RunMinute:  cfg.Recon.RunMinute,
	})

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go scheduler.Start(stopCtx)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Printf("kudosd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			log.Fatalf("shutdown error: %v", err)
		}
		dispatcher.Wait()
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}
}

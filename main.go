package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"chainchat/config"
	"chainchat/contentstore"
	"chainchat/crypto"
	"chainchat/ledger"
	"chainchat/localindex"
	"chainchat/models"
	"chainchat/notifier"
	"chainchat/reconcile"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	signingKey, verifyKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing Ed25519 keypair: %v", err)
	}
	decryptionKey, err := crypto.EnsureX25519PrivateKey(cfg.X25519PrivateKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing X25519 keypair: %v", err)
	}

	fingerprint := crypto.KeyFingerprint(verifyKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	address, err := crypto.AccountAddress(verifyKey)
	if err != nil {
		log.Fatalf("startup failed while deriving account address: %v", err)
	}

	fmt.Printf("Account ID:      %s\n", cfg.AccountID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Address:         %s\n", address)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	index, dbPath, err := localindex.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening local index: %v", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			log.Printf("local index close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	cache, err := localindex.NewPlaintextCache(cfg.CacheSize, cfg.CacheMaxAge())
	if err != nil {
		log.Fatalf("startup failed while building plaintext cache: %v", err)
	}

	store, err := contentstore.NewAdapter(buildStoreClient(cfg),
		contentstore.WithMaxAttempts(cfg.FetchAttempts))
	if err != nil {
		log.Fatalf("startup failed while building content store adapter: %v", err)
	}

	// Without a configured ledger endpoint the in-process ledger serves
	// local development; the account is funded so reference fees clear.
	ledgerClient := ledger.NewMemoryLedger()
	ledgerClient.CreditAccount(address, models.AssetNative, 1_000_000)
	ledgers, err := ledger.NewAdapter(ledgerClient,
		ledger.WithConfirmTimeout(cfg.ConfirmTimeout()),
		ledger.WithConfirmPollInterval(cfg.ConfirmPollInterval()))
	if err != nil {
		log.Fatalf("startup failed while building ledger adapter: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var events notifier.Notifier
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		events, err = notifier.NewRedis(rdb, logger)
		if err != nil {
			log.Fatalf("startup failed while building notifier: %v", err)
		}
		fmt.Printf("Notifier:        redis %s\n", cfg.RedisAddr)
	} else {
		fmt.Println("Notifier:        disabled (polling only)")
	}

	keys := reconcile.NewDirectory()
	if err := keys.Register(address, verifyKey); err != nil {
		log.Fatalf("startup failed while registering own key: %v", err)
	}

	rec, err := reconcile.New(
		reconcile.Identity{
			Address:       address,
			SigningKey:    signingKey,
			VerifyKey:     verifyKey,
			DecryptionKey: decryptionKey,
		},
		store, ledgers, index, cache, events, keys,
		reconcile.WithPollInterval(cfg.ReferencePollInterval()),
		reconcile.WithPaymentTimeout(cfg.PaymentTimeout()),
		reconcile.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("startup failed while building reconciler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("reconciler stopped: %v", err)
	}
	fmt.Println("Status:          shutting down")
}

func buildStoreClient(cfg *config.AccountConfig) contentstore.Client {
	if cfg.ContentStoreURL == "" {
		return contentstore.NewMemoryClient()
	}
	return contentstore.NewHTTPClient(cfg.ContentStoreURL, nil)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/db/metadb"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/issuer"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/service"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
	"github.com/vocdoni/anonvote/voting"
)

// Services holds all the running services
type Services struct {
	Storage   *storage.Storage
	API       *service.APIService
	Pruner    *service.Pruner
	KeySync   *service.KeySync
	Publisher *service.PublisherService
}

func main() {
	// Load configuration
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting anonvote-node", "version", api.Version, "mode", cfg.Mode)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// retryConfig returns the default retry policy with the given retries.
func retryConfig(retries int) util.RetryConfig {
	if retries <= 0 {
		return util.RetryConfig{}
	}
	rc := util.DefaultRetryConfig
	rc.MaxRetries = uint64(retries)
	return rc
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	// Initialize storage database
	log.Infow("initializing storage", "datadir", cfg.Datadir, "type", cfg.DB.Type)
	storagedb, err := metadb.NewWithURL(cfg.DB.Type, cfg.Datadir, cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	services.Storage = storage.New(storagedb)

	apiConf := &api.APIConfig{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		AdminToken: cfg.API.AdminToken,
	}
	switch cfg.Mode {
	case api.ModeIA:
		err = setupIA(ctx, cfg, services, apiConf)
	default:
		err = setupPO(ctx, cfg, services, apiConf)
	}
	if err != nil {
		shutdownServices(services)
		return nil, err
	}

	// Start API service
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API = service.NewAPI(apiConf, cfg.API.NoLogs)
	if err := services.API.Start(ctx); err != nil {
		shutdownServices(services)
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Infow("anonvote-node is running", "mode", cfg.Mode)
	return services, nil
}

// setupIA wires the identity hook, the issuer and the pruner of an IA node.
func setupIA(ctx context.Context, cfg *Config, services *Services, apiConf *api.APIConfig) error {
	seed, err := types.HexStringToHexBytes(cfg.IA.Seed)
	if err != nil {
		return fmt.Errorf("invalid IA seed: %w", err)
	}
	keyring, err := newKeyring(seed, &cfg.IA)
	if err != nil {
		return err
	}
	signer, err := ethereum.NewSignerFromHex(cfg.IA.SignerKey)
	if err != nil {
		return fmt.Errorf("invalid IA signer key: %w", err)
	}

	checker := identity.NewSignedCredentialChecker(common.HexToAddress(cfg.IA.Authority), cfg.IA.MaxCredAge)
	registry := identity.NewRegistry(services.Storage, checker, cfg.IA.RefTTL)
	iss, err := issuer.New(services.Storage, keyring, registry, signer, issuer.Config{
		SessionTTL: cfg.IA.SessionTTL,
		RateLimit:  cfg.IA.RateLimit,
		RateWindow: cfg.IA.RateWindow,
		Retry:      retryConfig(cfg.IA.Retries),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize issuer: %w", err)
	}
	log.Infow("issuer initialized",
		"signer", signer.Address().Hex(),
		"epoch", cfg.IA.Epoch,
		"keysVersion", keyring.Version(),
		"authority", cfg.IA.Authority)

	apiConf.Issuer = iss
	apiConf.Identity = registry
	apiConf.Signer = signer.Address().Bytes()

	log.Infow("starting pruner", "interval", cfg.IA.PruneEvery.String())
	services.Pruner = service.NewPruner(cfg.IA.PruneEvery, map[string]service.PruneFunc{
		"proofRefs": registry.Prune,
		"sessions":  iss.PruneSessions,
	})
	return services.Pruner.Start(ctx)
}

// newKeyring publishes every epoch up to the current one. Older epochs
// expire at ia.retiredNotAfter when it is set.
func newKeyring(seed []byte, conf *IAConfig) (*issuer.Keyring, error) {
	keyring, err := issuer.NewKeyring(seed)
	if err != nil {
		return nil, err
	}
	retired, err := conf.retiredNotAfter()
	if err != nil {
		return nil, err
	}
	for epoch := uint32(1); epoch <= conf.Epoch; epoch++ {
		var notAfter *time.Time
		if epoch < conf.Epoch {
			notAfter = retired
		}
		if _, err := keyring.AddEpoch(epoch, time.Unix(0, 0).UTC(), notAfter); err != nil {
			return nil, fmt.Errorf("failed to derive epoch %d key: %w", epoch, err)
		}
	}
	keyring.SetRevision(conf.Revision)
	return keyring, nil
}

// setupPO wires the vote service, the audit log, key sync and root
// publication of a PO node.
func setupPO(ctx context.Context, cfg *Config, services *Services, apiConf *api.APIConfig) error {
	var signer *ethereum.Signer
	if cfg.PO.SignerKey != "" {
		var err error
		if signer, err = ethereum.NewSignerFromHex(cfg.PO.SignerKey); err != nil {
			return fmt.Errorf("invalid PO signer key: %w", err)
		}
		apiConf.Signer = signer.Address().Bytes()
	} else {
		log.Warn("no PO signer key, published roots will not be signed")
	}

	audit := auditlog.New(services.Storage, signer)
	votes, err := voting.New(services.Storage, audit, common.HexToAddress(cfg.PO.IASigner), retryConfig(cfg.PO.Retries))
	if err != nil {
		return fmt.Errorf("failed to initialize vote service: %w", err)
	}
	apiConf.Voting = votes
	apiConf.Audit = audit

	if cfg.PO.Keys != "" {
		log.Infow("starting key sync", "source", cfg.PO.Keys, "interval", cfg.PO.KeysInterval.String())
		services.KeySync = service.NewKeySync(votes, cfg.PO.Keys, cfg.PO.KeysInterval)
		if err := services.KeySync.Start(ctx); err != nil {
			return fmt.Errorf("failed to start key sync: %w", err)
		}
	} else if _, err := votes.Keys(); err != nil {
		log.Warn("no verification keys, load them with POST /keys before accepting votes")
	}

	var sinks []auditlog.Sink
	if cfg.PO.S3.Enabled {
		sink, err := auditlog.NewS3Sink(ctx, cfg.PO.S3.auditlog())
		if err != nil {
			return fmt.Errorf("failed to initialize S3 mirror: %w", err)
		}
		if err := sink.Check(ctx); err != nil {
			return fmt.Errorf("S3 mirror unreachable: %w", err)
		}
		sinks = append(sinks, sink)
		log.Infow("mirroring roots to S3", "bucket", cfg.PO.S3.Bucket, "prefix", cfg.PO.S3.Prefix)
	}

	log.Infow("starting root publisher",
		"interval", cfg.PO.PublishInterval.String(),
		"every", cfg.PO.PublishEvery)
	services.Publisher = service.NewPublisher(audit, auditlog.PublisherConfig{
		Interval:    cfg.PO.PublishInterval,
		Every:       cfg.PO.PublishEvery,
		Concurrency: auditlog.DefaultPublisherConfig.Concurrency,
	}, sinks...)
	return services.Publisher.Start(ctx)
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup
	if services.API != nil {
		services.API.Stop()
	}
	if services.Publisher != nil {
		services.Publisher.Stop()
	}
	if services.KeySync != nil {
		services.KeySync.Stop()
	}
	if services.Pruner != nil {
		services.Pruner.Stop()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/termfi/termvault/internal/blob/s3"
	"github.com/termfi/termvault/internal/cache/redis"
	"github.com/termfi/termvault/internal/chain"
	"github.com/termfi/termvault/internal/config"
	"github.com/termfi/termvault/internal/crypto"
	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/notify"
	"github.com/termfi/termvault/internal/platform/ptmarkets"
	"github.com/termfi/termvault/internal/service"
	"github.com/termfi/termvault/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Journals
	Positions     domain.PositionJournal
	YieldEvents   domain.YieldJournal
	Runs          domain.DistributionJournal
	Beneficiaries domain.BeneficiaryStore
	Totals        domain.TotalsStore
	Audit         domain.AuditStore
	Pruner        service.EventPruner

	// Redis
	Rates       domain.RateCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage, nil unless archival is wired
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// On-chain legs, nil when no signing key is wired
	Transferor domain.Transferor
	Teller     *chain.Teller

	// Principal-token markets API, nil when no base URL is configured
	Markets *ptmarkets.Client

	// Notifications
	Notifier *notify.Notifier
}

// runsJobs returns true for modes that run the background engines.
func runsJobs(mode string) bool {
	switch mode {
	case "full", "strategy":
		return true
	default:
		return false
	}
}

// needsChain returns true when the mode must be able to submit
// transactions. Server mode gets the chain best-effort: it serves the
// manual distribution trigger when a key is configured and degrades to an
// error response when not.
func needsChain(mode string) bool {
	return runsJobs(mode)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL --- every mode replays the journals at boot.
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	yieldStore := postgres.NewYieldStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.YieldEvents = yieldStore
	deps.Pruner = yieldStore
	deps.Runs = postgres.NewDistributionStore(pool)
	deps.Beneficiaries = postgres.NewBeneficiaryStore(pool)
	deps.Totals = postgres.NewTotalsStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Rates = redis.NewRateCache(redisClient, cfg.Redis.RateTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)

	// --- S3 blob storage --- only when the archive job can run.
	if runsJobs(cfg.Mode) && cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.YieldEvents, deps.Positions, deps.Audit)
	}

	// --- Chain --- required in transacting modes, best-effort in server mode.
	wantChain := needsChain(cfg.Mode) ||
		(cfg.Mode == "server" && cfg.Chain.RPCURL != "" &&
			(cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != ""))
	if wantChain {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signing key: %w", err)
		}

		chainClient, err := chain.New(ctx, chain.ClientConfig{
			RPCURL:     cfg.Chain.RPCURL,
			ChainID:    cfg.Chain.ChainID,
			PrivateKey: key,
			GasLimit:   cfg.Chain.GasLimit,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, func() { _ = chainClient.Close() })

		deps.Transferor = chain.NewERC20Transferor(chainClient, common.HexToAddress(cfg.Chain.YieldToken))
		deps.Teller = chain.NewTeller(chainClient, common.HexToAddress(cfg.Chain.Teller))

		logger.InfoContext(ctx, "wire: chain connected",
			slog.String("from", chainClient.From().Hex()),
			slog.String("chain_id", chainClient.ChainID().String()),
		)
	}

	// --- Principal-token markets API ---
	if cfg.Markets.BaseURL != "" {
		deps.Markets = ptmarkets.NewClient(cfg.Markets.BaseURL)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

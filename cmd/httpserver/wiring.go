package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/signing-ceremony-backend/audit"
	"github.com/ruteri/signing-ceremony-backend/config"
	"github.com/ruteri/signing-ceremony-backend/httpserver"
	"github.com/ruteri/signing-ceremony-backend/identity"
	"github.com/ruteri/signing-ceremony-backend/integrations"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/kms"
	"github.com/ruteri/signing-ceremony-backend/messaging"
	"github.com/ruteri/signing-ceremony-backend/notify"
	"github.com/ruteri/signing-ceremony-backend/orchestrator"
	"github.com/ruteri/signing-ceremony-backend/repository"
	"github.com/ruteri/signing-ceremony-backend/routing"
	"github.com/ruteri/signing-ceremony-backend/sealer"
	"github.com/ruteri/signing-ceremony-backend/storage"
)

// engine is the wired orchestrator plus what must be closed on shutdown.
type engine struct {
	orchestrator *orchestrator.Orchestrator
	sweeper      *orchestrator.Sweeper
	registry     *integrations.Registry
	pingers      map[string]httpserver.Pinger
	closers      []io.Closer
}

func (e *engine) Close(log *slog.Logger) {
	e.registry.Wait()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			log.Warn("Failed to close dependency", "err", err)
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type notifier interface {
	interfaces.Notifier
	interfaces.CodeSender
}

func buildEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *engine, err error) {
	e := &engine{pingers: make(map[string]httpserver.Pinger)}
	defer func() {
		if err != nil {
			e.Close(log)
		}
	}()
	e.registry = integrations.NewRegistry(log, integrations.WithDispatchTimeout(cfg.Integrations.DispatchTimeout))

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return e, err
	}
	if masterKey == nil {
		log.Warn("No master key configured, generating an ephemeral one; stored documents will not survive a restart")
		masterKey = make([]byte, 32)
		if _, err := rand.Read(masterKey); err != nil {
			return e, err
		}
	}
	keys, err := kms.NewSimpleKMS(masterKey)
	if err != nil {
		return e, fmt.Errorf("failed to create KMS: %w", err)
	}

	locations, err := storage.ParseLocations(cfg.Storage.URIs)
	if err != nil {
		return e, err
	}
	backend, err := storage.NewStorageBackendFactory(log).CreateMultiBackend(locations)
	if err != nil {
		return e, fmt.Errorf("failed to create storage backends: %w", err)
	}
	docs := storage.NewDocumentStore(backend, keys, log)

	var (
		repo          interfaces.EnvelopeRepository
		verifications interfaces.VerificationRepository
		auditStore    interfaces.AuditStore
	)
	if cfg.Database.URL == "" {
		log.Info("Using in-memory persistence")
		repo = repository.NewMemoryEnvelopeRepository()
		verifications = repository.NewMemoryVerificationRepository()
		auditStore = audit.NewMemoryStore()
	} else {
		pool, err := connectPostgres(ctx, cfg.Database)
		if err != nil {
			return e, err
		}
		e.closers = append(e.closers, closerFunc(func() error { pool.Close(); return nil }))

		if err := repository.Migrate(ctx, pool); err != nil {
			return e, fmt.Errorf("failed to migrate envelope schema: %w", err)
		}
		pgAudit := audit.NewPostgresStore(pool)
		if err := pgAudit.Migrate(ctx); err != nil {
			return e, fmt.Errorf("failed to migrate audit schema: %w", err)
		}
		pgRepo := repository.NewPostgresEnvelopeRepository(pool)
		repo, verifications, auditStore = pgRepo, repository.NewPostgresVerificationRepository(pool), pgAudit
		e.pingers["postgres"] = pgRepo
		log.Info("Using Postgres persistence")
	}
	ledger := audit.NewLedger(auditStore, log)

	notes, err := buildNotifier(cfg, log, e)
	if err != nil {
		return e, err
	}

	identityOpts := []identity.Option{}
	if cfg.TSP.Provider == config.TSPSandbox {
		log.Warn("Using the sandbox trust service provider; qualified signatures are not legally qualified")
		identityOpts = append(identityOpts, identity.WithTrustServiceProvider(
			kms.NewSandboxTSP(keys,
				kms.WithAutoApprove(cfg.TSP.AutoApprove),
				kms.WithSandboxSessionTTL(cfg.TSP.SessionTTL))))
	}
	ident := identity.NewService(cfg.Identity, notes, verifications, ledger, log, identityOpts...)

	if err := registerIntegrations(cfg.Integrations, e, log); err != nil {
		return e, err
	}

	e.orchestrator = orchestrator.New(cfg.Envelopes, orchestrator.Dependencies{
		Repo:          repo,
		Docs:          docs,
		Ledger:        ledger,
		Resolver:      routing.NewResolver(),
		Identity:      ident,
		Verifications: verifications,
		Sealer:        sealer.New(docs, log),
		Notifier:      notes,
		Integrations:  e.registry,
	}, log)
	e.sweeper = orchestrator.NewSweeper(e.orchestrator, cfg.Sweep.Interval, log)
	return e, nil
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func buildNotifier(cfg *config.Config, log *slog.Logger, e *engine) (notifier, error) {
	n := cfg.Notifications
	switch n.Driver {
	case config.NotifyRabbitMQ:
		client, err := messaging.DialAMQP(n.AMQPURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, client)
		qn := notify.NewQueueNotifier(n.QueueConfig, client, log)
		for _, q := range qn.Queues() {
			if err := client.DeclareQueue(q); err != nil {
				return nil, err
			}
		}
		log.Info("Delivering notifications over RabbitMQ", slog.Any("queues", qn.Queues()))
		return qn, nil
	case config.NotifyLog:
		if n.RevealSecrets {
			log.Warn("Signing links and one-time codes will be written to the log")
		}
		return notify.NewLogNotifier(log, n.SigningBaseURL, n.RevealSecrets), nil
	default:
		return nil, fmt.Errorf("unknown notification driver %q", n.Driver)
	}
}

func registerIntegrations(cfg config.IntegrationsConfig, e *engine, log *slog.Logger) error {
	var errs []error
	for _, wc := range cfg.Webhooks {
		hook, err := integrations.NewWebhook(wc)
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", wc.Name, err))
			continue
		}
		errs = append(errs, e.registry.Register(hook))
	}

	if cfg.Kafka.Brokers != "" {
		producer, err := messaging.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, producer)
		errs = append(errs, e.registry.Register(integrations.NewKafka("kafka", producer)))
	}

	if cfg.RabbitMQ.URL != "" {
		client, err := messaging.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, client)
		errs = append(errs, e.registry.Register(integrations.NewRabbitMQ("rabbitmq", cfg.RabbitMQ.Queue, client)))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("Integrations registered", slog.Any("names", e.registry.Names()))
	return nil
}

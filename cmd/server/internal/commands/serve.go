package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/tokenbroker/internal/bootstrap"
	"github.com/wolfeidau/tokenbroker/internal/broker"
	"github.com/wolfeidau/tokenbroker/internal/cipher"
	"github.com/wolfeidau/tokenbroker/internal/configsvc"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	"github.com/wolfeidau/tokenbroker/internal/logger"
	"github.com/wolfeidau/tokenbroker/internal/providers"
	"github.com/wolfeidau/tokenbroker/internal/server"
	"github.com/wolfeidau/tokenbroker/internal/ssmkeys"
	"github.com/wolfeidau/tokenbroker/internal/store"
	memorystore "github.com/wolfeidau/tokenbroker/internal/store/memory"
	postgresstore "github.com/wolfeidau/tokenbroker/internal/store/postgres"
	redisstore "github.com/wolfeidau/tokenbroker/internal/store/redis"
	"github.com/wolfeidau/tokenbroker/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"BROKER_LISTEN"`
	Cert        string   `help:"path to TLS cert file" default:"" env:"BROKER_TLS_CERT"`
	Key         string   `help:"path to TLS key file" default:"" env:"BROKER_TLS_KEY"`
	TrustProxy  bool     `help:"trust X-Forwarded-For from a fronting proxy" default:"false" env:"BROKER_TRUST_PROXY"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"BROKER_CORS_ORIGINS"`

	// Providers
	ProvidersFile   string        `help:"provider catalog YAML file" default:"providers.yaml" env:"BROKER_PROVIDERS_FILE" type:"existingfile"`
	ProviderTimeout time.Duration `help:"timeout for provider token calls" default:"10s" env:"BROKER_PROVIDER_TIMEOUT"`
	RefreshSkew     time.Duration `help:"refresh access tokens this long before expiry" default:"60s" env:"BROKER_REFRESH_SKEW"`

	// Handshake
	StateSecret        string        `help:"HMAC secret for signing handshake state cookies" env:"BROKER_STATE_SECRET"`
	LedgerType         string        `help:"consumed state ledger (memory, postgres or redis)" default:"memory" env:"BROKER_LEDGER_TYPE" enum:"memory,postgres,redis"`
	LedgerCleanupEvery time.Duration `help:"how often expired consumed states are purged" default:"5m" env:"BROKER_LEDGER_CLEANUP_INTERVAL"`

	// Development and operational modes
	Telemetry  bool     `help:"export OTLP metrics" default:"false" env:"BROKER_TELEMETRY"`
	Tracing    bool     `help:"export OTLP traces as well" default:"false" env:"BROKER_TRACING"`
	DevOrg     string   `help:"seed this organization slug on startup (development only)" default:"" env:"BROKER_DEV_ORG"`
	DevMembers []string `help:"emails seeded as members of the dev organization" env:"BROKER_DEV_MEMBERS"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"BROKER_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Redis         RedisFlags         `embed:"" prefix:"redis-"`
	Cipher        CipherFlags        `embed:"" prefix:"cipher-"`
	Identity      IdentityFlags      `embed:"" prefix:"identity-"`
}

type stores struct {
	connections   store.ConnectionStore
	organizations store.OrganizationStore
	ledger        store.StateLedger
	checks        []server.HealthCheck
	close         func()
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	logger := logger.Setup(globals.Debug)
	log.Logger = logger
	// stores and services log through zerolog.Ctx outside of requests too
	zerolog.DefaultContextLogger = &logger

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting token broker")

	if err := validateStateSecret(c.StateSecret); err != nil {
		return err
	}

	if c.Telemetry {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "tokenbroker",
			Version:     globals.Version,
			Tracing:     c.Tracing,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	keyring, err := ssmkeys.Load(ctx, c.Cipher.config())
	if err != nil {
		return fmt.Errorf("failed to load encryption keys: %w", err)
	}
	secrets, err := cipher.New(keyring)
	if err != nil {
		return err
	}
	logger.Info().Str("key_id", keyring.PrimaryKeyID()).Msg("Encryption keyring loaded")

	catalog, err := providers.LoadFile(c.ProvidersFile)
	if err != nil {
		return err
	}
	for _, p := range catalog.Capabilities() {
		logger.Info().
			Str("provider", p.Provider).
			Bool("oauth", p.OAuth).
			Bool("pat", p.PAT).
			Msg("Provider available")
	}

	st, err := c.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	if c.DevOrg != "" {
		logger.Warn().Msg("Seeding a development organization, do not use in production")
		if _, err := bootstrap.Bootstrap(ctx, st.organizations, bootstrap.Config{OrgSlug: c.DevOrg, Emails: c.DevMembers}); err != nil {
			return fmt.Errorf("failed to seed development organization: %w", err)
		}
	}

	signer, err := handshake.NewStateSigner([]byte(c.StateSecret))
	if err != nil {
		return err
	}

	verifier, err := c.Identity.verifier()
	if err != nil {
		return err
	}

	coordinator, err := handshake.NewCoordinator(handshake.Config{
		OAuth:           catalog,
		Memberships:     st.organizations,
		Connections:     st.connections,
		Ledger:          st.ledger,
		Cipher:          secrets,
		Signer:          signer,
		ProviderTimeout: c.ProviderTimeout,
	})
	if err != nil {
		return err
	}

	tokens, err := broker.New(broker.Config{
		Connections: st.connections,
		Memberships: st.organizations,
		Cipher:      secrets,
		Refresher:   coordinator,
		Dialects:    catalog,
		RefreshSkew: c.RefreshSkew,
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Config{
		Broker:        tokens,
		Configs:       configsvc.New(st.connections, st.organizations, providers.NewRegistry()),
		Handshake:     handshake.NewHandlers(coordinator),
		Verifier:      verifier,
		SessionCookie: c.Identity.SessionCookie,
		CORSOrigins:   c.CORSOrigins,
		TrustProxy:    c.TrustProxy,
		HealthChecks:  st.checks,
	})

	if expiring, ok := st.ledger.(store.ExpiringStateLedger); ok {
		go purgeConsumedStates(ctx, expiring, c.LedgerCleanupEvery)
	}

	httpServer := configureHTTPServer(c.Listen, srv.Handler(logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
		if c.Cert != "" && c.Key != "" {
			errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

func (c *ServeCmd) openStores(ctx context.Context) (*stores, error) {
	st := &stores{close: func() {}}

	var pool *pgxpool.Pool

	switch c.StoreType {
	case "postgres":
		var err error
		pool, err = c.PostgresStore.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		st.close = pool.Close
		st.connections = postgresstore.NewConnectionStore(pool)
		st.organizations = postgresstore.NewOrganizationStore(pool)
		st.checks = append(st.checks, server.HealthCheck{Name: "postgres", Check: pool.Ping})
		log.Info().Msg("Using PostgreSQL stores")

	default:
		st.connections = memorystore.NewConnectionStore()
		st.organizations = memorystore.NewOrganizationStore()
		log.Warn().Msg("Using in-memory stores, connections are lost on restart")
	}

	switch c.LedgerType {
	case "postgres":
		if pool == nil {
			st.close()
			return nil, errors.New("the postgres state ledger requires --store-type=postgres")
		}
		st.ledger = postgresstore.NewStateLedger(pool)

	case "redis":
		client, err := c.Redis.client()
		if err != nil {
			st.close()
			return nil, err
		}
		ledger := redisstore.NewStateLedger(client)
		st.ledger = ledger
		st.checks = append(st.checks, server.HealthCheck{Name: "redis", Check: ledger.Ping})

		closeStores := st.close
		st.close = func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close redis client")
			}
			closeStores()
		}

	default:
		st.ledger = memorystore.NewStateLedger()
	}

	log.Info().Str("ledger", c.LedgerType).Msg("Handshake state ledger ready")

	return st, nil
}

// purgeConsumedStates removes expired ledger entries until ctx is done.
func purgeConsumedStates(ctx context.Context, ledger store.ExpiringStateLedger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.DeleteExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to purge consumed handshake states")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("Purged consumed handshake states")
			}
		}
	}
}

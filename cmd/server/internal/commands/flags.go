package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	"github.com/wolfeidau/tokenbroker/internal/ssmkeys"
	postgresstore "github.com/wolfeidau/tokenbroker/internal/store/postgres"
)

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString   string        `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	StartupRetry time.Duration `help:"how long to retry the initial connection" default:"30s" env:"BROKER_POSTGRES_STARTUP_RETRY"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"BROKER_POSTGRES_AUTO_MIGRATE"`
}

// Validate checks the pool settings. The connection string is only required once the
// postgres store is selected, see connect.
func (s *PostgresStoreFlags) Validate() error {
	if s.MinConns > s.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", s.MinConns, s.MaxConns)
	}
	return nil
}

func (s *PostgresStoreFlags) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if s.ConnString == "" {
		return nil, errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}

	return postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
		StartupRetry:    s.StartupRetry,
		AutoMigrate:     s.AutoMigrate,
	})
}

// CipherFlags select where the token encryption keys come from.
type CipherFlags struct {
	Key             string   `help:"base64 primary encryption key (32 bytes)" env:"BROKER_ENCRYPTION_KEY"`
	PreviousKeys    []string `help:"base64 keys accepted for decryption only" env:"BROKER_ENCRYPTION_PREVIOUS_KEYS"`
	KeySSM          string   `help:"SSM parameter holding the primary key" env:"BROKER_ENCRYPTION_KEY_SSM"`
	PreviousKeysSSM []string `help:"SSM parameters holding previous keys" env:"BROKER_ENCRYPTION_PREVIOUS_KEYS_SSM"`
}

func (c *CipherFlags) Validate() error {
	if c.Key == "" && c.KeySSM == "" {
		return errors.New("an encryption key is required (--cipher-key or --cipher-key-ssm)")
	}
	if c.Key != "" && c.KeySSM != "" {
		return errors.New("set only one of --cipher-key and --cipher-key-ssm")
	}
	return nil
}

func (c *CipherFlags) config() ssmkeys.Config {
	return ssmkeys.Config{
		PrimaryKey:      c.Key,
		PreviousKeys:    c.PreviousKeys,
		PrimaryKeySSM:   c.KeySSM,
		PreviousKeysSSM: c.PreviousKeysSSM,
	}
}

// RedisFlags configure the Redis backed state ledger.
type RedisFlags struct {
	URL string `help:"Redis URL, e.g. redis://localhost:6379/0" env:"BROKER_REDIS_URL"`
}

// Validate checks the URL when one is set; it is only required for the redis ledger.
func (r *RedisFlags) Validate() error {
	if r.URL == "" {
		return nil
	}
	if _, err := redis.ParseURL(r.URL); err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	return nil
}

func (r *RedisFlags) client() (redis.UniversalClient, error) {
	if r.URL == "" {
		return nil, errors.New("redis URL is required for the redis state ledger (--redis-url or BROKER_REDIS_URL)")
	}

	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// IdentityFlags configure verification of identity tokens minted by the identity subsystem.
type IdentityFlags struct {
	Secret        string `help:"HMAC secret shared with the identity subsystem" env:"BROKER_IDENTITY_SECRET"`
	Issuer        string `help:"expected iss claim" default:"" env:"BROKER_IDENTITY_ISSUER"`
	Audience      string `help:"expected aud claim" default:"tokenbroker" env:"BROKER_IDENTITY_AUDIENCE"`
	SessionCookie string `help:"cookie carrying the identity token on browser routes" default:"__Host-session" env:"BROKER_IDENTITY_SESSION_COOKIE"`
}

func (i *IdentityFlags) Validate() error {
	if len(i.Secret) < auth.MinSecretLength {
		return fmt.Errorf("identity secret must be at least %d bytes (--identity-secret or BROKER_IDENTITY_SECRET)", auth.MinSecretLength)
	}
	return nil
}

func (i *IdentityFlags) verifier() (*auth.JWTVerifier, error) {
	return auth.NewJWTVerifier([]byte(i.Secret), i.Issuer, i.Audience)
}

// validateStateSecret checks the handshake state signing key.
func validateStateSecret(secret string) error {
	if len(secret) < handshake.MinSigningKeyLength {
		return fmt.Errorf("state signing secret must be at least %d bytes (--state-secret or BROKER_STATE_SECRET)", handshake.MinSigningKeyLength)
	}
	return nil
}

package storageaccess

import (
	"errors"
	"time"
)

// Config defines engine behavior. Instances are configured during
// initialization and treated as immutable afterwards.
type Config struct {
	Store       StoreConfig
	RemoteCheck RemoteCheckConfig
	Pending     PendingConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	Notify      NotifyConfig
}

// StoreConfig controls the Redis-backed permission store.
type StoreConfig struct {
	RedisPrefix string
	// CommitRetries bounds the policy-version CAS loop when a Permit
	// overwrite races a grant commit.
	CommitRetries int
}

// RemoteCheckConfig controls the remote allow-list probe.
type RemoteCheckConfig struct {
	Timeout      time.Duration
	CacheTTL     time.Duration
	MaxRedirects int
}

// PendingConfig controls the in-memory pending-request registry.
type PendingConfig struct {
	// MaxAge bounds how long an unresolved request marker may linger.
	// Zero keeps markers for the process lifetime.
	MaxAge time.Duration
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the lock-free counter set.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// NotifyConfig controls per-pair change delivery.
type NotifyConfig struct {
	BufferSize int
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			RedisPrefix:   "tsa",
			CommitRetries: 4,
		},
		RemoteCheck: RemoteCheckConfig{
			Timeout:      5 * time.Second,
			CacheTTL:     time.Minute,
			MaxRedirects: 3,
		},
		Pending: PendingConfig{
			MaxAge: 30 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Notify: NotifyConfig{
			BufferSize: 64,
		},
	}
}

// Validate rejects configurations the engine cannot honor.
func (c Config) Validate() error {
	if c.Store.CommitRetries <= 0 {
		return errors.New("Store.CommitRetries must be positive")
	}
	if c.RemoteCheck.Timeout <= 0 {
		return errors.New("RemoteCheck.Timeout must be positive")
	}
	if c.RemoteCheck.MaxRedirects < 0 {
		return errors.New("RemoteCheck.MaxRedirects must not be negative")
	}
	if c.Pending.MaxAge < 0 {
		return errors.New("Pending.MaxAge must not be negative")
	}
	if c.Audit.Enabled && c.Audit.BufferSize < 0 {
		return errors.New("Audit.BufferSize must not be negative")
	}
	if c.Notify.BufferSize <= 0 {
		return errors.New("Notify.BufferSize must be positive")
	}
	return nil
}

func cloneConfig(c Config) Config {
	// All sections are value types; a copy is a deep copy.
	return c
}

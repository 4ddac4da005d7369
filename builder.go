package storageaccess

import (
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/internal/match"
	"github.com/bvandersloot-mozilla/top-level-storage-access/internal/pending"
)

// Builder assembles an Engine from its collaborators. Configure during
// initialization and treat the result as immutable; a Builder is single
// use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	activation UserActivation
	dialog     ConsentDialog
	auditSink  AuditSink
	httpClient *http.Client

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the builder configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing the persistent permission store.
// Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserActivation sets the transient-activation oracle consulted before
// any consent prompt or policy write. Required.
func (b *Builder) WithUserActivation(ua UserActivation) *Builder {
	b.activation = ua
	return b
}

// WithConsentDialog sets the user-facing consent prompt. Required.
func (b *Builder) WithConsentDialog(d ConsentDialog) *Builder {
	b.dialog = d
	return b
}

// WithAuditSink sets the destination for audit events. Optional; without a
// sink audit dispatch is a no-op even when enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithHTTPClient overrides the client used for remote allow-list checks.
// The redirect policy is replaced to keep redirects same-origin.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// WithMetricsEnabled toggles counter collection.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles request latency buckets. Implies nothing
// unless metrics are enabled.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.activation == nil {
		return nil, errors.New("user activation provider required")
	}
	if b.dialog == nil {
		return nil, errors.New("consent dialog required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	remote := match.NewRemoteChecker(match.Config{
		Timeout:      cfg.RemoteCheck.Timeout,
		CacheTTL:     cfg.RemoteCheck.CacheTTL,
		MaxRedirects: cfg.RemoteCheck.MaxRedirects,
	}, b.httpClient)

	engine := &Engine{
		config:     cfg,
		grants:     grant.NewStore(b.redis, cfg.Store.RedisPrefix),
		pending:    pending.NewRegistry(cfg.Pending.MaxAge),
		matcher:    match.New(remote),
		notify:     newNotifier(cfg.Notify),
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:    NewMetrics(cfg.Metrics),
		activation: b.activation,
		dialog:     b.dialog,
	}

	b.built = true

	return engine, nil
}

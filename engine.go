package storageaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/internal/match"
	"github.com/bvandersloot-mozilla/top-level-storage-access/internal/pending"
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// Engine is the storage-access grant coordinator. It reconciles RP-side
// access requests with IDP-side allowance policies, enforces the
// user-interaction precondition, and persists/exposes grants with change
// notification. Engine methods are safe for concurrent use after
// initialization through [Builder.Build].
type Engine struct {
	config     Config
	grants     *grant.Store
	pending    *pending.Registry
	matcher    *match.Matcher
	notify     *notifier
	audit      *auditDispatcher
	metrics    *Metrics
	activation UserActivation
	dialog     ConsentDialog
}

// Close shuts down background dispatchers. In-flight operations should be
// allowed to finish first.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.notify != nil {
		e.notify.Close()
	}
}

// HasAccessFor reports whether a grant exists for (rpSite, idpOrigin).
// Pure read: no side effects, no interaction requirement.
func (e *Engine) HasAccessFor(ctx context.Context, rpSite, idpOrigin string) (bool, error) {
	status, err := e.Query(ctx, rpSite, idpOrigin)
	if err != nil {
		return false, err
	}
	return status.Granted, nil
}

// Query returns the grant state for (rpSite, idpOrigin), including grant
// metadata when one exists.
func (e *Engine) Query(ctx context.Context, rpSite, idpOrigin string) (AccessStatus, error) {
	if e == nil || e.grants == nil {
		return AccessStatus{}, ErrEngineNotReady
	}

	rp, err := site.Parse(rpSite)
	if err != nil {
		return AccessStatus{}, fmt.Errorf("%w: rp site %q", ErrInvalidArgument, rpSite)
	}
	idp, err := site.ParseOrigin(idpOrigin)
	if err != nil {
		return AccessStatus{}, fmt.Errorf("%w: idp origin %q", ErrInvalidArgument, idpOrigin)
	}

	g, err := e.grants.GetGrant(ctx, rp, idp)
	if err != nil {
		if errors.Is(err, grant.ErrGrantNotFound) {
			return AccessStatus{}, nil
		}
		return AccessStatus{}, err
	}

	return AccessStatus{
		Granted:       true,
		GrantedAt:     time.Unix(g.GrantedAt, 0).UTC(),
		ConsentOrigin: g.ConsentOrigin,
	}, nil
}

// Subscribe registers fn for grant create/delete events affecting the
// pair. Delivery is at-least-once and strictly ordered per pair; ordering
// across pairs is not guaranteed. Returns nil when the engine is closed.
func (e *Engine) Subscribe(rpSite, idpOrigin string, fn func(AccessChange)) (*Subscription, error) {
	if e == nil || e.notify == nil {
		return nil, ErrEngineNotReady
	}

	rp, err := site.Parse(rpSite)
	if err != nil {
		return nil, fmt.Errorf("%w: rp site %q", ErrInvalidArgument, rpSite)
	}
	idp, err := site.ParseOrigin(idpOrigin)
	if err != nil {
		return nil, fmt.Errorf("%w: idp origin %q", ErrInvalidArgument, idpOrigin)
	}

	return e.notify.Subscribe(rp.String(), idp.String(), fn), nil
}

// OnSiteDataCleared implements the external site-data-clear hook: every
// policy and grant the origin owns or participates in is removed, with a
// delete notification per removed grant.
func (e *Engine) OnSiteDataCleared(ctx context.Context, origin string) error {
	if e == nil || e.grants == nil {
		return ErrEngineNotReady
	}

	o, err := site.ParseOrigin(origin)
	if err != nil {
		return fmt.Errorf("%w: origin %q", ErrInvalidArgument, origin)
	}

	pairs, err := e.grants.ClearOriginData(ctx, o)
	e.pending.ClearOrigin(o)

	now := time.Now().UTC()
	for _, pair := range pairs {
		e.metricInc(MetricGrantDeleted)
		e.notify.Emit(AccessChange{
			RPSite:    pair.RPSite.String(),
			IDPOrigin: pair.IDPOrigin.String(),
			Granted:   false,
			At:        now,
		})
		e.emitAudit(ctx, auditEventGrantDeleted, true, pair.RPSite.String(), pair.IDPOrigin.String(), nil, func() map[string]string {
			return map[string]string{
				"reason": "site_data_cleared",
			}
		})
	}

	e.metricInc(MetricSiteDataCleared)
	e.emitAudit(ctx, auditEventSiteDataCleared, err == nil, "", o.String(), err, nil)
	return err
}

// RevokeAccess deletes the grant for (rpSite, idpOrigin) if present,
// emitting a delete notification. Returns whether a grant existed.
func (e *Engine) RevokeAccess(ctx context.Context, rpSite, idpOrigin string) (bool, error) {
	if e == nil || e.grants == nil {
		return false, ErrEngineNotReady
	}

	rp, err := site.Parse(rpSite)
	if err != nil {
		return false, fmt.Errorf("%w: rp site %q", ErrInvalidArgument, rpSite)
	}
	idp, err := site.ParseOrigin(idpOrigin)
	if err != nil {
		return false, fmt.Errorf("%w: idp origin %q", ErrInvalidArgument, idpOrigin)
	}

	existed, err := e.grants.DeleteGrant(ctx, rp, idp)
	if err != nil {
		return false, err
	}
	if existed {
		e.metricInc(MetricGrantDeleted)
		e.notify.Emit(AccessChange{
			RPSite:    rp.String(),
			IDPOrigin: idp.String(),
			Granted:   false,
			At:        time.Now().UTC(),
		})
		e.emitAudit(ctx, auditEventGrantDeleted, true, rp.String(), idp.String(), nil, func() map[string]string {
			return map[string]string{
				"reason": "revoked",
			}
		})
	}
	return existed, nil
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// PendingRequests returns the number of in-flight pending requests.
func (e *Engine) PendingRequests() int {
	if e == nil || e.pending == nil {
		return 0
	}
	return e.pending.Len()
}

// Ping checks permission store availability.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.grants == nil {
		return 0, ErrEngineNotReady
	}
	return e.grants.Ping(ctx)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeLatency(id MetricID, start time.Time) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, time.Since(start))
}

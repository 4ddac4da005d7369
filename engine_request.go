package storageaccess

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// errPolicyRejected is the internal outcome of a commit-time re-check that
// found no accepting policy. Surfaced to callers as success(false).
var errPolicyRejected = errors.New("policy rejects requesting site")

// RequestAccess is the RP-side entry point. The calling top-level
// document's site requests use of targetOrigin's unpartitioned cookies.
//
// Returns (true, nil) when a grant exists or was created, (false, nil)
// when the IDP's policy does not (yet) accept the caller — the caller is
// expected to send the user to the IDP — and an error only for precondition
// failures (ErrNoUserActivation, ErrUserDeclined, ErrRequestCancelled) or
// store breakage.
//
// A denial leaves an ephemeral in-process marker for the pair. The marker
// is observability only: it records nothing durable, consumes no
// interaction, and a later policy write never converts it to a grant —
// only a request whose consent dialog already resolved can be completed
// retroactively.
func (e *Engine) RequestAccess(ctx context.Context, doc Document, targetOrigin string) (bool, error) {
	if e == nil || e.grants == nil {
		return false, ErrEngineNotReady
	}
	start := time.Now()
	defer e.observeLatency(MetricRequestLatency, start)

	rpOrigin, err := site.ParseOrigin(doc.Origin)
	if err != nil {
		return false, fmt.Errorf("%w: document origin %q", ErrInvalidArgument, doc.Origin)
	}
	idp, err := site.ParseOrigin(targetOrigin)
	if err != nil {
		return false, fmt.Errorf("%w: target origin %q", ErrInvalidArgument, targetOrigin)
	}
	rp := rpOrigin.Site()

	// Same-site callers already have their own cookies: no-op success.
	if site.SameSite(rp, idp.Site()) {
		e.metricInc(MetricRequestSameSite)
		e.emitAudit(ctx, auditEventRequestSameSite, true, rp.String(), idp.String(), nil, nil)
		return true, nil
	}

	// An existing grant resolves without interaction and without a dialog.
	if _, err := e.grants.GetGrant(ctx, rp, idp); err == nil {
		e.metricInc(MetricRequestAlreadyGranted)
		e.emitAudit(ctx, auditEventRequestAlreadyGrant, true, rp.String(), idp.String(), nil, nil)
		return true, nil
	} else if !errors.Is(err, grant.ErrGrantNotFound) {
		e.emitAudit(ctx, auditEventStoreFailure, false, rp.String(), idp.String(), err, nil)
		return false, err
	}

	req := e.pending.Register(rp, idp)

	policy, err := e.grants.GetPolicy(ctx, idp)
	if err != nil {
		if errors.Is(err, grant.ErrPolicyNotFound) {
			// No allowance yet; the unconsented marker stays so operators
			// can observe the half-open handshake, but no interaction is
			// consumed and nothing durable is written.
			e.metricInc(MetricRequestDeniedNoPolicy)
			e.emitAudit(ctx, auditEventRequestDeniedNoPol, false, rp.String(), idp.String(), nil, requestMetadata(req.ID))
			return false, nil
		}
		e.pending.Remove(rp, idp)
		e.emitAudit(ctx, auditEventStoreFailure, false, rp.String(), idp.String(), err, nil)
		return false, err
	}

	accepted, matchErr := e.matcher.Evaluate(ctx, policy, idp, rp)
	e.noteRemoteCheck(ctx, policy, rp, idp, accepted, matchErr)
	if matchErr != nil || !accepted {
		// Remote-check failures deliberately look identical to policy
		// rejections from the caller's side.
		e.metricInc(MetricRequestDeniedPolicy)
		e.emitAudit(ctx, auditEventRequestDeniedPolicy, false, rp.String(), idp.String(), matchErr, requestMetadata(req.ID))
		return false, nil
	}

	if e.activation == nil || !e.activation.IsActive(ctx, doc) {
		e.metricInc(MetricRequestNoActivation)
		e.emitAudit(ctx, auditEventRequestNoActivation, false, rp.String(), idp.String(), ErrNoUserActivation, requestMetadata(req.ID))
		return false, ErrNoUserActivation
	}

	decision, dialogErr := e.dialog.Show(ctx, rp.String(), idp.String())
	if dialogErr != nil {
		e.pending.Remove(rp, idp)
		if ctx.Err() != nil || errors.Is(dialogErr, context.Canceled) || errors.Is(dialogErr, context.DeadlineExceeded) {
			e.metricInc(MetricRequestCancelled)
			e.emitAudit(ctx, auditEventRequestCancelled, false, rp.String(), idp.String(), ErrRequestCancelled, requestMetadata(req.ID))
			return false, fmt.Errorf("%w: %v", ErrRequestCancelled, dialogErr)
		}
		e.emitAudit(ctx, auditEventRequestCancelled, false, rp.String(), idp.String(), ErrDialogFailed, requestMetadata(req.ID))
		return false, fmt.Errorf("%w: %v", ErrDialogFailed, dialogErr)
	}
	if decision != DialogAccepted {
		// Definitive rejection; nothing durable recorded, so the RP may
		// ask again on a later interaction.
		e.pending.Remove(rp, idp)
		e.metricInc(MetricRequestDeclined)
		e.emitAudit(ctx, auditEventRequestDeclined, false, rp.String(), idp.String(), ErrUserDeclined, requestMetadata(req.ID))
		return false, ErrUserDeclined
	}

	consentOrigin := rpOrigin.String()
	e.pending.MarkConsented(rp, idp, consentOrigin)

	created, err := e.commitGrant(ctx, rp, idp, consentOrigin)
	switch {
	case err == nil:
		e.pending.Remove(rp, idp)
		if created {
			e.metricInc(MetricGrantCreated)
			e.notify.Emit(AccessChange{
				RPSite:    rp.String(),
				IDPOrigin: idp.String(),
				Granted:   true,
				At:        time.Now().UTC(),
			})
		}
		e.metricInc(MetricRequestGranted)
		e.emitAudit(ctx, auditEventRequestGranted, true, rp.String(), idp.String(), nil, requestMetadata(req.ID))
		return true, nil
	case errors.Is(err, errPolicyRejected):
		// Policy changed between dialog-open and commit. The consent
		// stands: park the request so a later Permit that re-accepts the
		// site can complete it without re-prompting.
		e.metricInc(MetricRequestParked)
		e.emitAudit(ctx, auditEventRequestParked, false, rp.String(), idp.String(), grant.ErrPolicyChanged, requestMetadata(req.ID))
		return false, nil
	default:
		// Store failure mid-commit. The consented marker stays; nothing
		// durable was written.
		e.emitAudit(ctx, auditEventStoreFailure, false, rp.String(), idp.String(), err, requestMetadata(req.ID))
		return false, err
	}
}

// commitGrant re-validates the matcher against the current policy and
// writes the grant under a policy-version CAS, so a grant can never commit
// against a policy that no longer accepts the site. Returns whether a new
// record was created (false means an identical grant already existed).
func (e *Engine) commitGrant(ctx context.Context, rp site.Site, idp site.Origin, consentOrigin string) (bool, error) {
	retries := e.config.Store.CommitRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		policy, err := e.grants.GetPolicy(ctx, idp)
		if err != nil {
			if errors.Is(err, grant.ErrPolicyNotFound) {
				return false, errPolicyRejected
			}
			return false, err
		}

		accepted, matchErr := e.matcher.Evaluate(ctx, policy, idp, rp)
		e.noteRemoteCheck(ctx, policy, rp, idp, accepted, matchErr)
		if matchErr != nil || !accepted {
			return false, errPolicyRejected
		}

		g := &grant.Grant{
			RPSite:        rp,
			IDPOrigin:     idp,
			GrantedAt:     time.Now().Unix(),
			ConsentOrigin: consentOrigin,
		}
		created, err := e.grants.CreateGrantIfPolicyVersion(ctx, g, policy.Version)
		if errors.Is(err, grant.ErrPolicyChanged) {
			continue
		}
		if err != nil {
			return false, err
		}
		return created, nil
	}

	// The policy kept churning through every attempt; treat it like any
	// other commit-time rejection.
	return false, errPolicyRejected
}

func (e *Engine) noteRemoteCheck(ctx context.Context, policy *grant.Policy, rp site.Site, idp site.Origin, accepted bool, matchErr error) {
	if policy == nil || policy.Kind != grant.PolicyRemoteQuery {
		return
	}
	switch {
	case matchErr != nil:
		e.metricInc(MetricRemoteCheckFailed)
		e.emitAudit(ctx, auditEventRemoteCheckFailed, false, rp.String(), idp.String(), matchErr, nil)
	case accepted:
		e.metricInc(MetricRemoteCheckAllowed)
	default:
		e.metricInc(MetricRemoteCheckRejected)
	}
}

func requestMetadata(requestID uint64) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"request_id": strconv.FormatUint(requestID, 10),
		}
	}
}

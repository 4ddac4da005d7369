package storageaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

// PermitAccessFrom is the IDP-side entry point. The calling first-party
// document stores an allowance policy naming which RP sites may request
// its unpartitioned cookies, then completes any already-consented pending
// requests the new policy accepts.
//
// idpOrigin must equal the calling document's origin; policy must populate
// exactly one variant.
func (e *Engine) PermitAccessFrom(ctx context.Context, doc Document, idpOrigin string, policy Policy) error {
	if e == nil || e.grants == nil {
		return ErrEngineNotReady
	}

	docOrigin, err := site.ParseOrigin(doc.Origin)
	if err != nil {
		return fmt.Errorf("%w: document origin %q", ErrInvalidArgument, doc.Origin)
	}
	idp, err := site.ParseOrigin(idpOrigin)
	if err != nil {
		e.metricInc(MetricPermitInvalid)
		e.emitAudit(ctx, auditEventPermitInvalid, false, "", idpOrigin, ErrInvalidArgument, nil)
		return fmt.Errorf("%w: idp origin %q", ErrInvalidArgument, idpOrigin)
	}
	if docOrigin != idp {
		e.metricInc(MetricPermitInvalid)
		e.emitAudit(ctx, auditEventPermitInvalid, false, "", idp.String(), ErrNotFirstParty, nil)
		return ErrNotFirstParty
	}

	record, err := policy.compile()
	if err != nil {
		e.metricInc(MetricPermitInvalid)
		e.emitAudit(ctx, auditEventPermitInvalid, false, "", idp.String(), err, nil)
		return err
	}

	if e.activation == nil || !e.activation.IsActive(ctx, doc) {
		e.metricInc(MetricPermitNoActivation)
		e.emitAudit(ctx, auditEventPermitNoActivation, false, "", idp.String(), ErrNoUserActivation, nil)
		return ErrNoUserActivation
	}

	saved, err := e.grants.SavePolicy(ctx, idp, record, uuid.NewString())
	if err != nil {
		e.emitAudit(ctx, auditEventStoreFailure, false, "", idp.String(), err, nil)
		return err
	}

	e.metricInc(MetricPermitStored)
	e.emitAudit(ctx, auditEventPermitPolicyStored, true, "", idp.String(), nil, func() map[string]string {
		return map[string]string{
			"policy_kind":    policyKindLabel(saved.Kind),
			"policy_version": saved.Version,
		}
	})

	e.sweepPending(ctx, idp, &saved)
	return nil
}

// sweepPending completes consented pending requests the new policy
// accepts. This is the IDP-first-or-RP-first convergence step: an RP whose
// dialog already succeeded is retroactively satisfied without being
// re-prompted. Unconsented markers are never granted here — the sweep does
// not substitute for RP consent.
func (e *Engine) sweepPending(ctx context.Context, idp site.Origin, policy *grant.Policy) {
	for _, req := range e.pending.ConsentedForIDP(idp) {
		accepted, matchErr := e.matcher.Evaluate(ctx, policy, idp, req.RPSite)
		e.noteRemoteCheck(ctx, policy, req.RPSite, idp, accepted, matchErr)
		if matchErr != nil || !accepted {
			continue
		}

		created, err := e.commitGrant(ctx, req.RPSite, idp, req.ConsentOrigin)
		if err != nil {
			if !errors.Is(err, errPolicyRejected) {
				e.emitAudit(ctx, auditEventStoreFailure, false, req.RPSite.String(), idp.String(), err, nil)
			}
			continue
		}

		e.pending.Remove(req.RPSite, idp)
		if created {
			e.metricInc(MetricGrantCreated)
			e.metricInc(MetricSweepGrantCreated)
			e.notify.Emit(AccessChange{
				RPSite:    req.RPSite.String(),
				IDPOrigin: idp.String(),
				Granted:   true,
				At:        time.Now().UTC(),
			})
		}
		e.emitAudit(ctx, auditEventSweepGrantCreated, true, req.RPSite.String(), idp.String(), nil, requestMetadata(req.ID))
	}
}

func policyKindLabel(kind grant.PolicyKind) string {
	switch kind {
	case grant.PolicyAllowAll:
		return "allow_all"
	case grant.PolicySiteList:
		return "site_list"
	case grant.PolicyRemoteQuery:
		return "remote_query"
	default:
		return "unknown"
	}
}

package storageaccess

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
	"github.com/bvandersloot-mozilla/top-level-storage-access/internal/match"
)

const (
	auditEventRequestGranted       = "request_granted"
	auditEventRequestAlreadyGrant  = "request_already_granted"
	auditEventRequestSameSite      = "request_same_site"
	auditEventRequestDeniedNoPol   = "request_denied_no_policy"
	auditEventRequestDeniedPolicy  = "request_denied_policy"
	auditEventRequestNoActivation  = "request_no_activation"
	auditEventRequestDeclined      = "request_declined"
	auditEventRequestCancelled     = "request_cancelled"
	auditEventRequestParked        = "request_parked_consented"
	auditEventPermitPolicyStored   = "permit_policy_stored"
	auditEventPermitInvalid        = "permit_invalid"
	auditEventPermitNoActivation   = "permit_no_activation"
	auditEventSweepGrantCreated    = "sweep_grant_created"
	auditEventRemoteCheckFailed    = "remote_check_failed"
	auditEventGrantDeleted         = "grant_deleted"
	auditEventSiteDataCleared      = "site_data_cleared"
	auditEventStoreFailure         = "store_failure"
)

// AuditErrorCode is the normalized error label recorded on audit events.
type AuditErrorCode string

const (
	auditErrNoActivation    AuditErrorCode = "no_user_activation"
	auditErrUserDeclined    AuditErrorCode = "user_declined"
	auditErrInvalidArgument AuditErrorCode = "invalid_argument"
	auditErrNotFirstParty   AuditErrorCode = "not_first_party"
	auditErrCancelled       AuditErrorCode = "cancelled"
	auditErrDialogFailed    AuditErrorCode = "dialog_failed"
	auditErrRemoteCheck     AuditErrorCode = "remote_check_failed"
	auditErrPolicyChanged   AuditErrorCode = "policy_changed"
	auditErrUnavailable     AuditErrorCode = "store_unavailable"
	auditErrInternal        AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	rpSite string,
	idpOrigin string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		ID:              uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		EventType:       eventType,
		RPSite:          rpSite,
		IDPOrigin:       idpOrigin,
		BrowsingContext: browsingContextFromContext(ctx),
		Success:         success,
		Metadata:        metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrNoUserActivation):
		return auditErrNoActivation
	case errors.Is(err, ErrUserDeclined):
		return auditErrUserDeclined
	case errors.Is(err, ErrNotFirstParty):
		return auditErrNotFirstParty
	case errors.Is(err, ErrInvalidArgument):
		return auditErrInvalidArgument
	case errors.Is(err, ErrRequestCancelled):
		return auditErrCancelled
	case errors.Is(err, ErrDialogFailed):
		return auditErrDialogFailed
	case errors.Is(err, match.ErrRemoteCheckFailed):
		return auditErrRemoteCheck
	case errors.Is(err, grant.ErrPolicyChanged):
		return auditErrPolicyChanged
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

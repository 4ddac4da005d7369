package storageaccess

import (
	"errors"

	"github.com/bvandersloot-mozilla/top-level-storage-access/grant"
)

var (
	// ErrNoUserActivation is returned when the calling document has no
	// transient user activation. The caller must retry after a genuine
	// interaction; the precondition is never silently waived.
	ErrNoUserActivation = errors.New("no user activation")
	// ErrUserDeclined is returned when the user rejected the consent
	// dialog. It is recoverable and never persisted as a durable denial.
	ErrUserDeclined = errors.New("user declined access request")
	// ErrInvalidArgument is returned for malformed inputs, including a
	// Permit policy that does not populate exactly one variant.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFirstParty is returned when PermitAccessFrom names an origin
	// other than the calling document's own origin.
	ErrNotFirstParty = errors.New("permit must be called first-party")
	// ErrRequestCancelled is returned when the calling document goes away
	// (navigation, tab close) before the consent dialog resolves. No state
	// is mutated.
	ErrRequestCancelled = errors.New("access request cancelled")
	// ErrDialogFailed is returned when the consent dialog collaborator
	// fails for a reason other than cancellation.
	ErrDialogFailed = errors.New("consent dialog failed")
	// ErrEngineNotReady is returned when the engine was not initialized
	// through Builder.Build.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrStoreUnavailable marks permission store transport failures. It is
	// fatal to the single operation and never leaves a partial record.
	ErrStoreUnavailable = grant.ErrStoreUnavailable
)

// Package storageaccess provides a consent engine for cross-site
// unpartitioned storage access: RP-side access requests and IDP-side
// allowance policies converge on durable, Redis-backed grants keyed by
// (requesting site, identity-provider origin).
//
// The two contributions are order independent. An RP may request access
// before the IDP has permitted it; once the user has consented, the next
// matching policy write completes the dialog retroactively. Policies come
// in three variants — allow everyone, an explicit site list, or a remote
// HTTP allow-list endpoint — and are evaluated at site granularity
// (scheme plus registrable domain) on the RP side, exact origin on the
// IDP side.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// storageaccess is the public surface. It exposes [Engine], [Builder],
// [Config], the policy constructors ([AllowAll], [SiteList],
// [RemoteQuery]), and value types (AccessStatus, AccessChange,
// MetricsSnapshot). Persistence lives in grant/, origin and site parsing
// in site/, and internal coordination — pending-request tracking, policy
// matching, the remote checker — under internal/ and is never exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, record encodings, or internal registries in
//     its public API.
//   - Prompt the user for consent without a transient user activation on
//     the calling document. Policy evaluation may probe a remote
//     allow-list before the activation gate; the dialog never opens
//     without one.
//   - Import any sub-package that re-imports storageaccess (no import
//     cycles).
//
// # Concurrency contract
//
// Grant reads ([Engine.Query], [Engine.HasAccessFor]) are one Redis
// round-trip. Grant writes re-validate the stored policy under a
// compare-and-set on its version, so a policy overwritten mid-dialog can
// never be combined with consent collected against its predecessor.
// Change notifications are delivered at-least-once and in order per
// (site, origin) pair.
package storageaccess

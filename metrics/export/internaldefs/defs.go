package internaldefs

import (
	storageaccess "github.com/bvandersloot-mozilla/top-level-storage-access"
)

// CounterDef binds one engine counter to its stable exported name.
type CounterDef struct {
	ID   storageaccess.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine histogram to its stable exported name.
type HistogramDef struct {
	ID   storageaccess.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter. Order is the exposition order.
var CounterDefs = []CounterDef{
	{ID: storageaccess.MetricRequestGranted, Name: "storageaccess_request_granted_total", Help: "Access requests ending in a grant."},
	{ID: storageaccess.MetricRequestAlreadyGranted, Name: "storageaccess_request_already_granted_total", Help: "Access requests short-circuited on an existing grant."},
	{ID: storageaccess.MetricRequestSameSite, Name: "storageaccess_request_same_site_total", Help: "Same-site access requests resolved as no-ops."},
	{ID: storageaccess.MetricRequestDeniedNoPolicy, Name: "storageaccess_request_denied_no_policy_total", Help: "Access requests denied because no policy was stored."},
	{ID: storageaccess.MetricRequestDeniedPolicy, Name: "storageaccess_request_denied_policy_total", Help: "Access requests denied by policy evaluation."},
	{ID: storageaccess.MetricRequestNoActivation, Name: "storageaccess_request_no_activation_total", Help: "Access requests rejected for missing user activation."},
	{ID: storageaccess.MetricRequestDeclined, Name: "storageaccess_request_declined_total", Help: "Access requests declined by the user."},
	{ID: storageaccess.MetricRequestCancelled, Name: "storageaccess_request_cancelled_total", Help: "Access requests cancelled before the dialog resolved."},
	{ID: storageaccess.MetricRequestParked, Name: "storageaccess_request_parked_total", Help: "Consented requests parked for a later policy write."},
	{ID: storageaccess.MetricPermitStored, Name: "storageaccess_permit_stored_total", Help: "Accepted policy writes."},
	{ID: storageaccess.MetricPermitInvalid, Name: "storageaccess_permit_invalid_total", Help: "Policy writes rejected for invalid arguments."},
	{ID: storageaccess.MetricPermitNoActivation, Name: "storageaccess_permit_no_activation_total", Help: "Policy writes rejected for missing user activation."},
	{ID: storageaccess.MetricSweepGrantCreated, Name: "storageaccess_sweep_grant_created_total", Help: "Grants created by the permit-time pending sweep."},
	{ID: storageaccess.MetricRemoteCheckAllowed, Name: "storageaccess_remote_check_allowed_total", Help: "Remote allow-list probes answered HTTP 200."},
	{ID: storageaccess.MetricRemoteCheckRejected, Name: "storageaccess_remote_check_rejected_total", Help: "Remote allow-list probes answered non-200."},
	{ID: storageaccess.MetricRemoteCheckFailed, Name: "storageaccess_remote_check_failed_total", Help: "Remote allow-list probes that failed outright."},
	{ID: storageaccess.MetricGrantCreated, Name: "storageaccess_grant_created_total", Help: "Grant records written."},
	{ID: storageaccess.MetricGrantDeleted, Name: "storageaccess_grant_deleted_total", Help: "Grant records removed."},
	{ID: storageaccess.MetricSiteDataCleared, Name: "storageaccess_site_data_cleared_total", Help: "External site-data clear events processed."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: storageaccess.MetricRequestLatency, Name: "storageaccess_request_latency_seconds", Help: "RequestAccess latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds, as rendered.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with metric-name-safe
// suffixes.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

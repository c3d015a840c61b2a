package coord

import (
	"strings"
)

// Coordination keyspace. Every limiter key is namespaced by tenant so that one
// tenant's state can never be mutated through another tenant's operations.

const (
	tenantPrefix        = "tenant:"
	activeJobsSuffix    = ":active_jobs"
	crawlPendingSuffix  = ":crawl_pending"
	jobPrefix           = "job:"
	slotPreacquiredPart = ":slot_preacquired"
	startTimePart       = ":start_time"
	retryCountPart      = ":retry_count"

	// FeederLeaderKey is held by the single feeder allowed to run the orchestration loop.
	FeederLeaderKey = "crawl_feeder:leader"
)

// ActiveJobsKey returns the concurrency counter key: tenant:{id}:active_jobs
func ActiveJobsKey(tenantID string) string {
	return tenantPrefix + tenantID + activeJobsSuffix
}

// PendingKey returns the pending queue key: tenant:{id}:crawl_pending
func PendingKey(tenantID string) string {
	return tenantPrefix + tenantID + crawlPendingSuffix
}

// SlotPreacquiredKey returns the flag key: job:{id}:slot_preacquired
func SlotPreacquiredKey(jobID string) string {
	return jobPrefix + jobID + slotPreacquiredPart
}

// StartTimeKey returns job:{id}:start_time
func StartTimeKey(jobID string) string {
	return jobPrefix + jobID + startTimePart
}

// RetryCountKey returns job:{id}:retry_count
func RetryCountKey(jobID string) string {
	return jobPrefix + jobID + retryCountPart
}

// PendingPattern matches every tenant pending queue for SCAN.
const PendingPattern = tenantPrefix + "*" + crawlPendingSuffix

// ActiveJobsPattern matches every tenant counter for SCAN.
const ActiveJobsPattern = tenantPrefix + "*" + activeJobsSuffix

// TenantFromPendingKey extracts the tenant id from a pending queue key.
func TenantFromPendingKey(key string) (string, bool) {
	return tenantFromKey(key, crawlPendingSuffix)
}

// TenantFromActiveJobsKey extracts the tenant id from a counter key.
func TenantFromActiveJobsKey(key string) (string, bool) {
	return tenantFromKey(key, activeJobsSuffix)
}

func tenantFromKey(key, suffix string) (string, bool) {
	if !strings.HasPrefix(key, tenantPrefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	id := key[len(tenantPrefix) : len(key)-len(suffix)]
	if id == "" {
		return "", false
	}
	return id, true
}

package api

import (
	"sync"
	"time"
)

// submitLimiter throttles side-effecting submissions over a sliding
// one-minute window, counted per tenant and across all tenants. A max
// of zero disables that dimension.
type submitLimiter struct {
	mu           sync.Mutex
	perTenantMax int
	globalMax    int
	window       time.Duration
	tenants      map[string][]int64
	global       []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perTenant := getenvInt("TRADENEXUS_SUBMIT_RATE_LIMIT_PER_MIN", 600)
	global := getenvInt("TRADENEXUS_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 3000)
	if perTenant < 0 {
		perTenant = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perTenantMax: perTenant,
		globalMax:    global,
		window:       time.Minute,
		tenants:      map[string][]int64{},
	}
}

func (l *submitLimiter) allow(tenant string, now time.Time) bool {
	if l == nil {
		return true
	}
	if l.perTenantMax <= 0 && l.globalMax <= 0 {
		return true
	}
	if tenant == "" {
		tenant = "default"
	}
	stamp := now.UTC().Unix()
	oldest := stamp - int64(l.window/time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = pruneBefore(l.global, oldest)
	bucket := pruneBefore(l.tenants[tenant], oldest)
	l.tenants[tenant] = bucket

	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}
	if l.perTenantMax > 0 && len(bucket) >= l.perTenantMax {
		return false
	}
	l.tenants[tenant] = append(bucket, stamp)
	l.global = append(l.global, stamp)
	return true
}

func pruneBefore(stamps []int64, oldest int64) []int64 {
	keep := stamps[:0]
	for _, s := range stamps {
		if s > oldest {
			keep = append(keep, s)
		}
	}
	return keep
}

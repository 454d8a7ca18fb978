package api

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// adminSafety throttles destructive admin actions (kill-switch reset) and
// can demand a typed confirmation token.
type adminSafety struct {
	rateLimitPerMin int
	confirmToken    string
	mu              sync.Mutex
	recentUnix      []int64
}

func newAdminSafetyFromEnv() *adminSafety {
	return &adminSafety{
		rateLimitPerMin: getenvInt("TRADENEXUS_ADMIN_RESET_RATE_LIMIT_PER_MIN", 10),
		confirmToken:    os.Getenv("TRADENEXUS_ADMIN_RESET_CONFIRM_TOKEN"),
	}
}

func (a *adminSafety) allowReset(now time.Time) bool {
	if a.rateLimitPerMin <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-time.Minute).Unix()
	kept := a.recentUnix[:0]
	for _, ts := range a.recentUnix {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	a.recentUnix = kept
	if len(a.recentUnix) >= a.rateLimitPerMin {
		return false
	}
	a.recentUnix = append(a.recentUnix, now.Unix())
	return true
}

// confirmed checks the typed confirmation header when a token is configured.
func (a *adminSafety) confirmed(header string) bool {
	if a.confirmToken == "" {
		return true
	}
	return header == a.confirmToken
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

package config

import "time"

// MaxReservationCacheTTL caps RESERVATION_CACHE_TTL.  Changes made by
// the platform API (a cancellation, a reschedule) never reach this
// service's cache, so the TTL is exactly how long such a change can go
// unnoticed by the access policy.
const MaxReservationCacheTTL = time.Minute

// CacheConfig defines settings for the Redis read-through cache that sits
// in front of reservation lookups.  When Enabled is false or no Redis
// client is configured, lookups go straight to the database.  Status
// transitions made by this service invalidate the entry immediately;
// anything else is visible only once the entry expires.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Prefix  string
}

// LoadCacheConfig reads environment variables to build a CacheConfig.
// The TTL defaults to 10s and is clamped to MaxReservationCacheTTL.
func LoadCacheConfig() CacheConfig {
	ttl := parseDur(getenv("RESERVATION_CACHE_TTL", "10s"))
	if ttl > MaxReservationCacheTTL {
		ttl = MaxReservationCacheTTL
	}
	return CacheConfig{
		Enabled: envBool("RESERVATION_CACHE_ENABLED", true),
		TTL:     ttl,
		Prefix:  getenv("RESERVATION_CACHE_PREFIX", "resv"),
	}
}

func parseDur(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Second
	}
	return d
}

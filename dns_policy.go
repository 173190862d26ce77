package carbonrelay

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrInvalidDNSPolicy indicates the DNSPolicy configuration is invalid.
	ErrInvalidDNSPolicy = errors.New("invalid DNS policy configuration")
)

// DNSRefreshMode controls how the collector host name is turned into a dial address.
type DNSRefreshMode uint8

const (
	// DNSRefreshDefault hands the host name to the dialer, which resolves it on every connect.
	DNSRefreshDefault DNSRefreshMode = iota
	// DNSRefreshStatic dials a literal address, bypassing DNS entirely.
	DNSRefreshStatic
	// DNSRefreshSingleLookup performs one DNS lookup on first connect and reuses it indefinitely.
	DNSRefreshSingleLookup
	// DNSRefreshTTL refreshes the address when the observed record TTL expires.
	DNSRefreshTTL
	// DNSRefreshCadence refreshes the address on a fixed cadence, regardless of TTL.
	DNSRefreshCadence
)

// String returns the name of the mode.
func (m DNSRefreshMode) String() string {
	switch m {
	case DNSRefreshDefault:
		return "default"
	case DNSRefreshStatic:
		return "static"
	case DNSRefreshSingleLookup:
		return "single_lookup"
	case DNSRefreshTTL:
		return "ttl"
	case DNSRefreshCadence:
		return "cadence"
	default:
		return "unknown"
	}
}

// GuardRailPolicy forces a fresh DNS lookup after repeated connect or write failures, so a
// collector that moved to a new address is found before the cached answer expires.
type GuardRailPolicy struct {
	// ConsecutiveErrorThreshold triggers the guard rail after this many sequential failures.
	// Zero disables guard rails.
	ConsecutiveErrorThreshold int
	// Window is the rolling time window used for counting errors. Zero means no windowing.
	Window time.Duration
}

// Enabled reports whether the guard rail is active.
func (p GuardRailPolicy) Enabled() bool {
	return p.ConsecutiveErrorThreshold > 0
}

// DNSPolicy encapsulates the DNS refresh behaviour for the collector address.
type DNSPolicy struct {
	Mode DNSRefreshMode

	// StaticAddr is dialed when Mode is DNSRefreshStatic. A non-zero port overrides Config.Port.
	StaticAddr netip.AddrPort

	// Cadence defines how often the address is refreshed in cadence mode.
	Cadence time.Duration

	// TTLMin and TTLMax clamp the observed TTL when using DNSRefreshTTL.
	TTLMin time.Duration
	TTLMax time.Duration

	// AllowFallback retains the last known address if a refresh fails.
	AllowFallback bool

	// GuardRail configures optional guard rail behaviour.
	GuardRail GuardRailPolicy

	// Resolver optionally overrides the default TTL resolver implementation.
	Resolver TTLResolver
}

// TTLResolver looks up host records and returns associated TTL information.
type TTLResolver interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)
}

// DNSDecisionCallback records decisions made by the policy engine.
type DNSDecisionCallback func(ctx context.Context, decision DNSDecision)

// DNSDecision captures metadata about a DNS refresh decision.
type DNSDecision struct {
	Host               string
	Mode               DNSRefreshMode
	ResolvedAddrs      []netip.Addr
	TTL                time.Duration
	ExpiresAt          time.Time
	GuardRailTriggered bool
	Err                error
}

// Validate ensures the DNS policy fields are coherent.
func (p DNSPolicy) Validate() error {
	switch p.Mode {
	case DNSRefreshDefault, DNSRefreshSingleLookup:
		// No additional requirements.
	case DNSRefreshStatic:
		if (p.StaticAddr == netip.AddrPort{}) {
			return errors.Join(ErrInvalidDNSPolicy, errors.New("static mode requires StaticAddr"))
		}
	case DNSRefreshTTL:
		if p.TTLMax > 0 && p.TTLMin > p.TTLMax {
			return errors.Join(ErrInvalidDNSPolicy, errors.New("TTLMin must be <= TTLMax"))
		}
	case DNSRefreshCadence:
		if p.Cadence <= 0 {
			return errors.Join(ErrInvalidDNSPolicy, errors.New("cadence mode requires positive Cadence"))
		}
	default:
		return errors.Join(ErrInvalidDNSPolicy, errors.New("unknown DNS refresh mode"))
	}
	if p.GuardRail.ConsecutiveErrorThreshold < 0 {
		return errors.Join(ErrInvalidDNSPolicy, errors.New("guard rail threshold cannot be negative"))
	}
	return nil
}

// normalizeTTL bounds TTL durations ensuring sane defaults and ordering.
func (p DNSPolicy) normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return p.TTLMin
	}
	if p.TTLMin > 0 && ttl < p.TTLMin {
		return p.TTLMin
	}
	if p.TTLMax > 0 && ttl > p.TTLMax {
		return p.TTLMax
	}
	return ttl
}

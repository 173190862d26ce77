package carbonrelay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

type dnsCacheEntry struct {
	addrs      []netip.Addr
	expiresAt  time.Time
	lastLookup time.Time
}

type guardRailState struct {
	policy       GuardRailPolicy
	count        int
	firstFailure time.Time
	triggered    bool
}

// dnsPolicyManager turns the collector host into a dial address according to a DNSPolicy.
// It is safe for concurrent use, although the Forwarder only calls it under its own lock.
type dnsPolicyManager struct {
	policy   DNSPolicy
	resolver TTLResolver
	hook     DNSDecisionCallback
	now      func() time.Time

	mu          sync.Mutex
	cache       dnsCacheEntry
	cadenceNext time.Time
	forceLookup bool
	guard       guardRailState
}

// newDNSPolicyManager wires the supplied policy and optional decision hook into a manager ready
// to drive dial decisions.
func newDNSPolicyManager(policy DNSPolicy, hook DNSDecisionCallback) *dnsPolicyManager {
	mgr := &dnsPolicyManager{policy: policy, hook: hook, now: time.Now}
	if policy.Resolver != nil {
		mgr.resolver = policy.Resolver
	} else {
		mgr.resolver = newSystemTTLResolver()
	}
	mgr.guard.policy = policy.GuardRail
	return mgr
}

// resolveAddr returns the host:port to dial, reporting the decision to the hook when one is set.
func (m *dnsPolicyManager) resolveAddr(ctx context.Context, host, port string) (string, error) {
	decision, addr, err := m.resolve(ctx, host, port)
	if decision == nil && m.hook != nil {
		decision = &DNSDecision{Host: host, Mode: m.policy.Mode}
	}
	if decision != nil && m.hook != nil {
		if err != nil {
			decision.Err = err
		}
		m.hook(ctx, *decision)
	}
	return addr, err
}

// resolve selects the address for host/port based on the configured refresh mode.
func (m *dnsPolicyManager) resolve(ctx context.Context, host, port string) (*DNSDecision, string, error) {
	guardTriggered := m.consumeGuardTrigger()

	var (
		decision *DNSDecision
		addr     string
		err      error
	)
	switch m.policy.Mode {
	case DNSRefreshDefault:
		addr = net.JoinHostPort(host, port)
	case DNSRefreshStatic:
		static := m.policy.StaticAddr
		if (static == netip.AddrPort{}) {
			return nil, "", errors.Join(ErrInvalidDNSPolicy, errors.New("static address missing"))
		}
		decision = &DNSDecision{Host: host, Mode: m.policy.Mode, ResolvedAddrs: []netip.Addr{static.Addr()}}
		addr = static.String()
		if static.Port() == 0 {
			addr = net.JoinHostPort(static.Addr().String(), port)
		}
	case DNSRefreshSingleLookup:
		decision, addr, err = m.resolveSingle(ctx, host, port)
	case DNSRefreshTTL:
		decision, addr, err = m.resolveTTL(ctx, host, port)
	case DNSRefreshCadence:
		decision, addr, err = m.resolveCadence(ctx, host, port)
	default:
		return nil, "", errors.Join(ErrInvalidDNSPolicy, errors.New("unsupported DNS mode"))
	}

	if guardTriggered {
		if decision == nil {
			decision = &DNSDecision{Host: host, Mode: m.policy.Mode}
		}
		decision.GuardRailTriggered = true
	}
	return decision, addr, err
}

// resolveSingle caches the first lookup result and reuses it for subsequent connects, unless the
// guard rail asked for a fresh lookup.
func (m *dnsPolicyManager) resolveSingle(ctx context.Context, host, port string) (*DNSDecision, string, error) {
	m.mu.Lock()
	cached := m.cache
	force := m.forceLookup
	m.forceLookup = false
	m.mu.Unlock()

	if len(cached.addrs) > 0 && !force {
		decision := &DNSDecision{Host: host, Mode: m.policy.Mode, ResolvedAddrs: cached.addrs}
		return decision, net.JoinHostPort(cached.addrs[0].String(), port), nil
	}

	addrs, ttl, err := m.lookup(ctx, host)
	if err != nil {
		return m.fallback(host, cached, time.Time{}, err, port)
	}

	m.mu.Lock()
	m.cache = dnsCacheEntry{addrs: addrs, lastLookup: m.now()}
	m.mu.Unlock()

	decision := &DNSDecision{Host: host, Mode: m.policy.Mode, ResolvedAddrs: addrs, TTL: ttl}
	return decision, net.JoinHostPort(addrs[0].String(), port), nil
}

// resolveTTL refreshes addresses when the stored TTL expires while optionally preserving the
// last good answer.
func (m *dnsPolicyManager) resolveTTL(ctx context.Context, host, port string) (*DNSDecision, string, error) {
	now := m.now()
	m.mu.Lock()
	cached := m.cache
	force := m.forceLookup || len(cached.addrs) == 0 ||
		(!cached.expiresAt.IsZero() && now.After(cached.expiresAt))
	m.forceLookup = false
	m.mu.Unlock()

	if !force {
		decision := &DNSDecision{
			Host:          host,
			Mode:          m.policy.Mode,
			ResolvedAddrs: cached.addrs,
			TTL:           nonNegativeDuration(cached.expiresAt.Sub(cached.lastLookup)),
			ExpiresAt:     cached.expiresAt,
		}
		return decision, net.JoinHostPort(cached.addrs[0].String(), port), nil
	}

	addrs, ttl, err := m.lookup(ctx, host)
	if err != nil {
		return m.fallback(host, cached, cached.expiresAt, err, port)
	}

	ttl = m.policy.normalizeTTL(ttl)
	entry := dnsCacheEntry{addrs: addrs, lastLookup: now, expiresAt: now.Add(ttl)}

	m.mu.Lock()
	m.cache = entry
	m.mu.Unlock()

	decision := &DNSDecision{
		Host:          host,
		Mode:          m.policy.Mode,
		ResolvedAddrs: addrs,
		TTL:           ttl,
		ExpiresAt:     entry.expiresAt,
	}
	return decision, net.JoinHostPort(addrs[0].String(), port), nil
}

// resolveCadence forces DNS refreshes on a fixed schedule independent of observed TTLs.
func (m *dnsPolicyManager) resolveCadence(ctx context.Context, host, port string) (*DNSDecision, string, error) {
	now := m.now()

	m.mu.Lock()
	cached := m.cache
	cadenceNext := m.cadenceNext
	force := m.forceLookup || len(cached.addrs) == 0 ||
		(!cadenceNext.IsZero() && now.After(cadenceNext))
	m.forceLookup = false
	m.mu.Unlock()

	if !force {
		decision := &DNSDecision{
			Host:          host,
			Mode:          m.policy.Mode,
			ResolvedAddrs: cached.addrs,
			ExpiresAt:     cadenceNext,
		}
		return decision, net.JoinHostPort(cached.addrs[0].String(), port), nil
	}

	addrs, ttl, err := m.lookup(ctx, host)
	if err != nil {
		return m.fallback(host, cached, cadenceNext, err, port)
	}

	next := now.Add(m.policy.Cadence)
	m.mu.Lock()
	m.cache = dnsCacheEntry{addrs: addrs, lastLookup: now}
	m.cadenceNext = next
	m.mu.Unlock()

	decision := &DNSDecision{
		Host:          host,
		Mode:          m.policy.Mode,
		ResolvedAddrs: addrs,
		TTL:           ttl,
		ExpiresAt:     next,
	}
	return decision, net.JoinHostPort(addrs[0].String(), port), nil
}

// fallback reuses the cached answer after a failed lookup when the policy allows it.
func (m *dnsPolicyManager) fallback(
	host string,
	cached dnsCacheEntry,
	expiresAt time.Time,
	lookupErr error,
	port string,
) (*DNSDecision, string, error) {
	if len(cached.addrs) == 0 || !m.policy.AllowFallback {
		return &DNSDecision{Host: host, Mode: m.policy.Mode}, "", lookupErr
	}
	decision := &DNSDecision{
		Host:          host,
		Mode:          m.policy.Mode,
		ResolvedAddrs: cached.addrs,
		ExpiresAt:     expiresAt,
		Err:           lookupErr,
	}
	return decision, net.JoinHostPort(cached.addrs[0].String(), port), nil
}

// lookup delegates to the configured resolver and ensures a non-empty address list is returned.
func (m *dnsPolicyManager) lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	if m.resolver == nil {
		return nil, 0, errors.New("resolver not configured")
	}
	addrs, ttl, err := m.resolver.Lookup(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	if len(addrs) == 0 {
		return nil, 0, errors.New("resolver returned no addresses")
	}
	return addrs, ttl, nil
}

// observeResult records connect and write outcomes to drive guard-rail thresholds.
func (m *dnsPolicyManager) observeResult(resultErr error) {
	if !m.guard.policy.Enabled() {
		return
	}
	if resultErr != nil {
		m.registerGuardFailure(m.now())
		return
	}
	m.resetGuard()
}

// registerGuardFailure increments guard counters and forces a fresh lookup once the threshold
// is met.
func (m *dnsPolicyManager) registerGuardFailure(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy := m.guard.policy
	if policy.Window > 0 {
		if m.guard.firstFailure.IsZero() || now.Sub(m.guard.firstFailure) > policy.Window {
			m.guard.count = 0
			m.guard.firstFailure = now
		}
	} else if m.guard.firstFailure.IsZero() {
		m.guard.firstFailure = now
	}

	m.guard.count++
	if m.guard.count >= policy.ConsecutiveErrorThreshold {
		m.guard.triggered = true
		m.guard.count = 0
		m.guard.firstFailure = time.Time{}
		m.forceLookup = true
	}
}

// resetGuard clears the failure counters after a success.
func (m *dnsPolicyManager) resetGuard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard.count = 0
	m.guard.firstFailure = time.Time{}
}

// consumeGuardTrigger reports whether the guard rail fired since the last resolve, and resets
// the flag.
func (m *dnsPolicyManager) consumeGuardTrigger() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.guard.triggered {
		return false
	}
	m.guard.triggered = false
	return true
}

func nonNegativeDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

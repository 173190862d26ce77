package carbonrelay

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testResolver implements TTLResolver for testing purposes.
type testResolver struct {
	mu    sync.Mutex
	addrs []netip.Addr
	ttl   time.Duration
	err   error
	calls int
}

func newTestResolver(addrs []netip.Addr, ttl time.Duration) *testResolver {
	return &testResolver{addrs: append([]netip.Addr(nil), addrs...), ttl: ttl}
}

func (r *testResolver) Lookup(
	ctx context.Context,
	host string,
) ([]netip.Addr, time.Duration, error) {
	_ = ctx
	_ = host
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	addrsCopy := append([]netip.Addr(nil), r.addrs...)
	return addrsCopy, r.ttl, r.err
}

func (r *testResolver) SetResult(addrs []netip.Addr, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs = append([]netip.Addr(nil), addrs...)
	r.ttl = ttl
	r.err = nil
}

func (r *testResolver) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *testResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// startTestDNSServer serves fixed A and AAAA answers on a local UDP port.
func startTestDNSServer(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		for _, q := range req.Question {
			for _, rr := range records[q.Name] {
				if rr.Header().Rrtype == q.Qtype {
					resp.Answer = append(resp.Answer, rr)
				}
			}
		}
		if len(resp.Answer) == 0 {
			resp.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return strconv.Itoa(pc.LocalAddr().(*net.UDPAddr).Port)
}

func newLocalTTLResolver(port string) *systemTTLResolver {
	r := newSystemTTLResolver()
	r.once.Do(func() {
		r.cfg = &dns.ClientConfig{Servers: []string{"127.0.0.1"}, Port: port}
	})
	return r
}

func TestSystemTTLResolverLookup(t *testing.T) {
	a1, err := dns.NewRR("graphite.test. 300 IN A 192.0.2.10")
	require.NoError(t, err)
	a2, err := dns.NewRR("graphite.test. 60 IN A 192.0.2.11")
	require.NoError(t, err)
	aaaa, err := dns.NewRR("graphite.test. 120 IN AAAA 2001:db8::10")
	require.NoError(t, err)

	port := startTestDNSServer(t, map[string][]dns.RR{"graphite.test.": {a1, a2, aaaa}})
	r := newLocalTTLResolver(port)

	addrs, ttl, err := r.Lookup(context.Background(), "graphite.test.")
	require.NoError(t, err)
	assert.ElementsMatch(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("192.0.2.11"),
		netip.MustParseAddr("2001:db8::10"),
	}, addrs)
	assert.Equal(t, 60*time.Second, ttl, "minimum TTL across answers")
}

func TestSystemTTLResolverIPLiteral(t *testing.T) {
	r := newSystemTTLResolver()
	addrs, ttl, err := r.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("198.51.100.7")}, addrs)
	assert.Zero(t, ttl)
}

func TestSystemTTLResolverFallsBackToStandardResolver(t *testing.T) {
	port := startTestDNSServer(t, nil)
	r := newLocalTTLResolver(port)

	addrs, ttl, err := r.Lookup(context.Background(), "localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, addrs)
	assert.Zero(t, ttl)
}

func TestSystemTTLResolverConfigError(t *testing.T) {
	r := newSystemTTLResolver()
	r.confPath = filepath.Join(t.TempDir(), "missing-resolv.conf")

	_, _, err := r.lookupWithTTL(context.Background(), "graphite.test")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

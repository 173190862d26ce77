package carbonrelay

// WithDNSPolicy sets how the collector host name is resolved before each connect.
func WithDNSPolicy(policy DNSPolicy) Option {
	return func(f *Forwarder) {
		f.dnsPolicy = policy
	}
}

// WithDNSDecisionHook registers a callback invoked for each DNS decision.
func WithDNSDecisionHook(cb DNSDecisionCallback) Option {
	return func(f *Forwarder) {
		f.dnsDecisionHook = cb
	}
}

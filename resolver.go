package wsstream

import (
	"context"
	"net"
	"sync"

	"github.com/getlantern/ops"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ResolveMode tells a Resolver how a pending resolution relates to
// resolver shutdown.
type ResolveMode int

const (
	// AbortOnShutdown cancels the pending resolution when the
	// resolver is closed. Connect attempts always use this mode.
	AbortOnShutdown ResolveMode = iota
	// ContinueOnShutdown lets the pending resolution run to
	// completion even after the resolver is closed.
	ContinueOnShutdown
)

// ResolveHandler receives the outcome of a resolution. The addresses
// are in the order the resolver produced them; the connect stage
// consumes them in reverse (see dialEndpoints).
type ResolveHandler func(addrs []net.IP, err error)

// Resolver turns a hostname into an ordered address list,
// asynchronously. A Conn issues at most one resolution per connect
// attempt. Implementations invoke the handler from an arbitrary
// goroutine; the Conn reposts it onto its Loop.
type Resolver interface {
	Resolve(hostname string, mode ResolveMode, onResolved ResolveHandler)

	// Close aborts resolutions pending in AbortOnShutdown mode.
	Close() error
}

// SystemResolver resolves through the operating system resolver.
type SystemResolver struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Resolver = &SystemResolver{}

func NewSystemResolver() *SystemResolver {
	ctx, cancel := context.WithCancel(context.Background())
	return &SystemResolver{ctx: ctx, cancel: cancel}
}

// implements Resolver.Resolve
func (r *SystemResolver) Resolve(hostname string, mode ResolveMode, onResolved ResolveHandler) {
	ctx := context.Background()
	if mode == AbortOnShutdown {
		ctx = r.ctx
	}
	ops.Go(func() {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
		if err != nil {
			onResolved(nil, err)
			return
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		onResolved(ips, nil)
	})
}

// implements Resolver.Close
func (r *SystemResolver) Close() error {
	r.cancel()
	return nil
}

// DNSResolver resolves by querying a DNS server directly for A and
// AAAA records, bypassing the system resolver.
type DNSResolver struct {
	server string
	client *dns.Client
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Resolver = &DNSResolver{}

// NewDNSResolver creates a resolver that queries the DNS server at
// addr, eg "8.8.8.8:53".
func NewDNSResolver(addr string) *DNSResolver {
	ctx, cancel := context.WithCancel(context.Background())
	return &DNSResolver{
		server: addr,
		client: &dns.Client{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// implements Resolver.Resolve
func (r *DNSResolver) Resolve(hostname string, mode ResolveMode, onResolved ResolveHandler) {
	ctx := context.Background()
	if mode == AbortOnShutdown {
		ctx = r.ctx
	}
	ops.Go(func() {
		onResolved(r.lookup(ctx, hostname))
	})
}

func (r *DNSResolver) lookup(ctx context.Context, hostname string) ([]net.IP, error) {
	// A records first, then AAAA
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(hostname), qtype)
		in, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			return nil, err
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("no addresses for %s", hostname)
	}
	return ips, nil
}

// implements Resolver.Close
func (r *DNSResolver) Close() error {
	r.cancel()
	return nil
}

// StaticResolver resolves from a fixed hostname to address table.
// Useful for tests and for callers that pin addresses out of band.
type StaticResolver struct {
	mu    sync.RWMutex
	hosts map[string][]net.IP
}

var _ Resolver = &StaticResolver{}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{hosts: make(map[string][]net.IP)}
}

// Set replaces the addresses for hostname, preserving order.
func (r *StaticResolver) Set(hostname string, addrs ...net.IP) {
	r.mu.Lock()
	r.hosts[hostname] = append([]net.IP(nil), addrs...)
	r.mu.Unlock()
}

// implements Resolver.Resolve
func (r *StaticResolver) Resolve(hostname string, mode ResolveMode, onResolved ResolveHandler) {
	ops.Go(func() {
		r.mu.RLock()
		addrs, ok := r.hosts[hostname]
		ips := append([]net.IP(nil), addrs...)
		r.mu.RUnlock()
		if !ok {
			onResolved(nil, errors.Errorf("unknown host %s", hostname))
			return
		}
		onResolved(ips, nil)
	})
}

// implements Resolver.Close
func (r *StaticResolver) Close() error {
	return nil
}

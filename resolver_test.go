package wsstream

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func resolveAndWait(t *testing.T, r Resolver, hostname string) ([]net.IP, error) {
	type result struct {
		addrs []net.IP
		err   error
	}
	ch := make(chan result, 1)
	r.Resolve(hostname, AbortOnShutdown, func(addrs []net.IP, err error) {
		ch <- result{addrs, err}
	})
	select {
	case res := <-ch:
		return res.addrs, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resolution")
		return nil, nil
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Set("a.test", net.ParseIP("10.1.0.1"), net.ParseIP("10.1.0.2"))

	addrs, err := resolveAndWait(t, r, "a.test")
	if !assert.NoError(t, err) {
		return
	}
	// order is preserved
	assert.Equal(t, []net.IP{net.ParseIP("10.1.0.1"), net.ParseIP("10.1.0.2")}, addrs)

	_, err = resolveAndWait(t, r, "b.test")
	assert.Error(t, err)
}

func TestStaticResolverReplace(t *testing.T) {
	r := NewStaticResolver()
	r.Set("a.test", net.ParseIP("10.1.0.1"))
	r.Set("a.test", net.ParseIP("10.2.0.1"))

	addrs, err := resolveAndWait(t, r, "a.test")
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, []net.IP{net.ParseIP("10.2.0.1")}, addrs)
}

func startTestDNSServer(t *testing.T) (*dns.Server, string) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	mux := dns.NewServeMux()
	mux.HandleFunc("known.test.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		switch req.Question[0].Qtype {
		case dns.TypeA:
			rr, _ := dns.NewRR("known.test. 60 IN A 127.0.0.9")
			m.Answer = append(m.Answer, rr)
		case dns.TypeAAAA:
			rr, _ := dns.NewRR("known.test. 60 IN AAAA ::1")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return srv, pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	_, addr := startTestDNSServer(t)
	r := NewDNSResolver(addr)
	defer r.Close()

	addrs, err := resolveAndWait(t, r, "known.test")
	if !assert.NoError(t, err) {
		return
	}
	// A records precede AAAA records
	if assert.Len(t, addrs, 2) {
		assert.True(t, addrs[0].Equal(net.ParseIP("127.0.0.9")))
		assert.True(t, addrs[1].Equal(net.ParseIP("::1")))
	}
}

func TestDNSResolverNoAddresses(t *testing.T) {
	_, addr := startTestDNSServer(t)
	r := NewDNSResolver(addr)
	defer r.Close()

	_, err := resolveAndWait(t, r, "unknown.test")
	assert.Error(t, err)
}

func TestDNSResolverAbortOnShutdown(t *testing.T) {
	// no server behind this address; the query would block until its
	// own timeout, but closing the resolver aborts it
	r := NewDNSResolver("127.0.0.1:1")
	errs := make(chan error, 1)
	r.Resolve("slow.test", AbortOnShutdown, func(addrs []net.IP, err error) {
		errs <- err
	})
	r.Close()
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resolution not aborted on shutdown")
	}
}

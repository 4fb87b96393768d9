package wsstream

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/getlantern/netx"
	"github.com/getlantern/ops"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// DialFN is the type used for providing a custom raw dialer.
type DialFN func(ctx context.Context, network, addr string) (net.Conn, error)

// DialFN instances that can be provided
var netDialer net.Dialer
var DialWithNet = netDialer.DialContext
var DialWithNetx = netx.DialContext

const defaultMaxPendingDials = 1024

// transportKind is the closed set of transport variants. It is chosen
// once per connect attempt, before resolution, and never changes.
type transportKind int

const (
	transportPlain transportKind = iota
	transportTLS
)

func (k transportKind) String() string {
	if k == transportTLS {
		return "tls"
	}
	return "plain"
}

// stream is the uniform capability set over the transport variants:
// read, write, close, plus access to the raw connection used for the
// connect step.
type stream interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	raw() net.Conn
}

type plainStream struct {
	net.Conn
}

var _ stream = &plainStream{}

func (s *plainStream) raw() net.Conn { return s.Conn }

type tlsStream struct {
	*tls.Conn
	rawConn net.Conn
}

var _ stream = &tlsStream{}

func (s *tlsStream) raw() net.Conn { return s.rawConn }

// clientTLSConfig prepares the configuration used for the TLS
// handshake stage, filling the SNI ServerName from the dialed
// hostname when no explicit name is given.
func clientTLSConfig(conf *tls.Config, hostname string) (*tls.Config, error) {
	if conf == nil {
		conf = &tls.Config{}
	}
	c := conf.Clone()
	if c.ServerName == "" {
		c.ServerName = hostname
	}
	if c.ServerName == "" && !c.InsecureSkipVerify {
		return nil, errors.New("no server name for certificate verification")
	}
	return c, nil
}

type endpoint struct {
	addr net.IP
	port int
}

func (e endpoint) String() string {
	return net.JoinHostPort(e.addr.String(), strconv.Itoa(e.port))
}

// dialEndpoints attempts a raw connection to each endpoint, in
// reverse of the order given (last-resolved address first), returning
// the first connection established. The reverse order is a
// compatibility guarantee, not an accident of iteration; endpoints
// after the first success are never attempted.
func dialEndpoints(ctx context.Context, dial DialFN, endpoints []endpoint) (net.Conn, error) {
	var lastErr error
	for i := len(endpoints) - 1; i >= 0; i-- {
		conn, err := dial(ctx, "tcp", endpoints[i].String())
		if err == nil {
			return conn, nil
		}
		log.Debugf("endpoint %s: %s", endpoints[i], err)
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints to dial")
	}
	return nil, lastErr
}

// dialGate caps the number of dial goroutines pending at any time. If
// the cap is exhausted the dial fails immediately rather than queueing
// without bound.
type dialGate struct {
	slots *semaphore.Weighted
}

func newDialGate(maxDials int64) *dialGate {
	if maxDials <= 0 {
		maxDials = defaultMaxPendingDials
	}
	return &dialGate{
		slots: semaphore.NewWeighted(maxDials),
	}
}

func (g *dialGate) run(ctx context.Context, fn func(ctx context.Context) (net.Conn, error), done func(net.Conn, error)) {
	if !g.slots.TryAcquire(1) {
		done(nil, errors.New("maximum pending dials reached"))
		return
	}
	ops.Go(func() {
		defer g.slots.Release(1)
		done(fn(ctx))
	})
}

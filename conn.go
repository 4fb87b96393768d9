package wsstream

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/getlantern/ops"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Configuration options for NewConn
type ConnOpts struct {
	Resolver Resolver

	// TLSConf enables the wss scheme. When nil, connecting to a wss
	// URL fails with ErrNoProtocolOption.
	TLSConf *tls.Config

	Dial            DialFN // default DialWithNetx
	MaxPendingDials int64
	UserAgent       string
}

// Conn is a client websocket connection. Its lifecycle moves along
// idle -> connecting -> open -> closed, with connecting -> closed and
// open -> closed as the abort and close shortcuts; no other
// transition occurs. At most one connect attempt is outstanding at a
// time.
//
// All callbacks are delivered through the Loop, never inline, and
// every completion re-checks the lifecycle before acting: a
// completion that arrives after the Conn has left the state it was
// issued for is discarded.
type Conn struct {
	loop     *Loop
	resolver Resolver
	tlsConf  *tls.Config
	dial     DialFN
	gate     *dialGate

	// mu guards the two fields readable off-loop. Everything below is
	// only touched on the loop goroutine.
	mu          sync.Mutex
	state       State
	closeReason CloseReason

	kind      transportKind
	strm      stream
	rawConn   net.Conn
	hostname  string
	port      int
	path      string
	userAgent string
	endpoints []endpoint
	onConnect ConnectHandler
	attempt   string
	cancel    context.CancelFunc
	ctx       context.Context
}

// NewConn constructs an idle Conn driven by the given loop.
func NewConn(loop *Loop, opts *ConnOpts) *Conn {
	dial := opts.Dial
	if dial == nil {
		dial = DialWithNetx
	}
	return &Conn{
		loop:      loop,
		resolver:  opts.Resolver,
		tlsConf:   opts.TLSConf,
		dial:      dial,
		gate:      newDialGate(opts.MaxPendingDials),
		state:     StateIdle,
		userAgent: opts.UserAgent,
	}
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason reports why the connection closed, or CloseReasonNone
// while it has not.
func (c *Conn) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) setCloseReason(r CloseReason) {
	c.mu.Lock()
	if c.closeReason == CloseReasonNone {
		c.closeReason = r
	}
	c.mu.Unlock()
}

// SetUserAgent sets the User-Agent attached to the websocket upgrade
// request. It has no effect on a handshake already issued.
func (c *Conn) SetUserAgent(ua string) {
	c.loop.Post(func() {
		c.userAgent = ua
	})
}

// Connect begins a connect attempt against rawurl. The handler is
// always invoked via the loop, never inline; a nil error means the
// connection is open. Calling Connect while a previous attempt is in
// flight reports ErrAlreadyConnecting without disturbing it; calling
// it on an open connection reports ErrAlreadyOpen.
func (c *Conn) Connect(rawurl string, onConnect ConnectHandler) {
	c.loop.Post(func() {
		c.doConnect(rawurl, onConnect)
	})
}

func (c *Conn) doConnect(rawurl string, onConnect ConnectHandler) {
	switch c.state {
	case StateOpen:
		c.loop.Post(func() { onConnect(ErrAlreadyOpen) })
		return
	case StateConnecting:
		c.loop.Post(func() { onConnect(ErrAlreadyConnecting) })
		return
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		c.loop.Post(func() { onConnect(err) })
		return
	}

	switch {
	case u.Scheme == "ws":
		c.kind = transportPlain
	case u.Scheme == "wss" && c.tlsConf != nil:
		c.kind = transportTLS
	default:
		c.loop.Post(func() { onConnect(ErrNoProtocolOption) })
		return
	}

	c.hostname = u.Hostname()
	c.port = 443
	if p := u.Port(); p != "" {
		if c.port, err = strconv.Atoi(p); err != nil {
			c.loop.Post(func() { onConnect(err) })
			return
		}
	}
	c.path = u.RequestURI()
	if c.path == "" {
		c.path = "/"
	}

	c.setState(StateConnecting)
	c.mu.Lock()
	c.closeReason = CloseReasonNone
	c.mu.Unlock()
	c.onConnect = onConnect
	c.attempt = uuid.New().String()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	log.Debugf("(%s) connecting %s over %s transport", c.attempt, rawurl, c.kind)
	c.doResolve()
}

func (c *Conn) doResolve() {
	hostname := c.hostname
	c.resolver.Resolve(hostname, AbortOnShutdown, func(addrs []net.IP, err error) {
		c.loop.Post(func() {
			c.onResolve(addrs, err)
		})
	})
}

func (c *Conn) onResolve(addrs []net.IP, err error) {
	if c.state != StateConnecting {
		log.Debugf("(%s) discarding resolve completion in state %s", c.attempt, c.state)
		return
	}
	if err == nil && len(addrs) == 0 {
		err = errors.Errorf("no addresses for %s", c.hostname)
	}
	if err != nil {
		c.abort(wrapCode(ErrResolution, err))
		return
	}

	c.endpoints = make([]endpoint, 0, len(addrs))
	for _, addr := range addrs {
		c.endpoints = append(c.endpoints, endpoint{addr: addr, port: c.port})
	}
	log.Debugf("(%s) resolved %s to %d address(es)", c.attempt, c.hostname, len(addrs))
	c.doTCPConnect()
}

func (c *Conn) doTCPConnect() {
	endpoints := c.endpoints
	dial := c.dial
	c.gate.run(c.ctx,
		func(ctx context.Context) (net.Conn, error) {
			return dialEndpoints(ctx, dial, endpoints)
		},
		func(conn net.Conn, err error) {
			c.loop.Post(func() {
				c.onTCPConnect(conn, err)
			})
		})
}

func (c *Conn) onTCPConnect(conn net.Conn, err error) {
	if c.state != StateConnecting {
		log.Debugf("(%s) discarding connect completion in state %s", c.attempt, c.state)
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.abort(wrapCode(ErrConnect, err))
		return
	}

	c.rawConn = conn
	log.Debugf("(%s) connected to %s", c.attempt, conn.RemoteAddr())
	if c.kind == transportTLS {
		c.doTLSHandshake()
	} else {
		c.strm = &plainStream{Conn: conn}
		c.doUpgrade()
	}
}

func (c *Conn) doTLSHandshake() {
	conf, err := clientTLSConfig(c.tlsConf, c.hostname)
	if err != nil {
		c.abort(wrapCode(ErrTLSConfig, err))
		return
	}

	tconn := tls.Client(c.rawConn, conf)
	ops.Go(func() {
		err := tconn.Handshake()
		c.loop.Post(func() {
			c.onTLSHandshake(tconn, err)
		})
	})
}

func (c *Conn) onTLSHandshake(tconn *tls.Conn, err error) {
	if c.state != StateConnecting {
		log.Debugf("(%s) discarding tls completion in state %s", c.attempt, c.state)
		tconn.Close()
		return
	}
	if err != nil {
		c.abort(wrapCode(ErrTLSHandshake, err))
		return
	}

	log.Debugf("(%s) tls handshake complete", c.attempt)
	c.strm = &tlsStream{Conn: tconn, rawConn: c.rawConn}
	c.doUpgrade()
}

func (c *Conn) doUpgrade() {
	wskey, err := genKey()
	if err != nil {
		c.abort(err)
		return
	}
	req, err := upgradeRequest(c.hostname, c.path, c.userAgent, wskey)
	if err != nil {
		c.abort(err)
		return
	}

	s := c.strm
	ops.Go(func() {
		err := performUpgrade(s, req, wskey)
		c.loop.Post(func() {
			c.onUpgrade(err)
		})
	})
}

func (c *Conn) onUpgrade(err error) {
	// Guards the final stage against a Close that raced it; the
	// pending handler has already fired with ErrOperationAborted.
	if c.state != StateConnecting {
		log.Debugf("(%s) discarding upgrade completion in state %s", c.attempt, c.state)
		return
	}
	if err != nil {
		c.abort(err)
		return
	}

	log.Debugf("(%s) open", c.attempt)
	c.setState(StateOpen)
	c.endpoints = nil
	c.cancel()
	c.cancel = nil
	h := c.onConnect
	c.onConnect = nil
	c.loop.Post(func() { h(nil) })
}

// abort terminates the in-flight connect attempt: the lifecycle goes
// to closed, the transport is cleared and the pending handler fires
// with the stage's error.
func (c *Conn) abort(err error) {
	log.Debugf("(%s) connect failed: %s", c.attempt, err)
	c.setState(StateClosed)
	c.setCloseReason(CloseReasonError)
	c.clearTransport()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	h := c.onConnect
	c.onConnect = nil
	if h != nil {
		c.loop.Post(func() { h(err) })
	}
}

func (c *Conn) clearTransport() {
	s := c.strm
	raw := c.rawConn
	c.strm = nil
	c.rawConn = nil
	c.endpoints = nil
	if s != nil {
		// best-effort close; the completion is a no-op
		ops.Go(func() {
			if err := s.Close(); err != nil {
				log.Debugf("closing transport: %s", err)
			}
		})
	} else if raw != nil {
		raw.Close()
	}
}

// Close tears the connection down. From connecting or open it issues
// a best-effort close on the active transport and marks the Conn
// closed immediately, without waiting for the peer to acknowledge; a
// pending connect handler fires with ErrOperationAborted. From idle
// or closed it is a no-op. After Close returns no further read or
// write completions are delivered.
func (c *Conn) Close() {
	c.loop.Post(c.doClose)
}

func (c *Conn) doClose() {
	if c.state != StateConnecting && c.state != StateOpen {
		return
	}
	log.Debugf("(%s) closing in state %s", c.attempt, c.state)
	c.setState(StateClosed)
	c.setCloseReason(CloseReasonLocal)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	h := c.onConnect
	c.onConnect = nil
	if h != nil {
		c.loop.Post(func() { h(ErrOperationAborted) })
	}
	c.clearTransport()
}

// Read reads into buf from the active transport. The handler is
// delivered via the loop only while the connection is still open at
// completion time; a completion racing Close is dropped. A read that
// observes a clean close from the peer closes the Conn and reports
// ErrRemoteClosed; that is the last completion delivered.
func (c *Conn) Read(buf []byte, onRead IOHandler) {
	c.loop.Post(func() {
		c.doRead(buf, onRead)
	})
}

func (c *Conn) doRead(buf []byte, onRead IOHandler) {
	if c.state != StateOpen {
		c.loop.Post(func() { onRead(0, ErrNotOpen) })
		return
	}
	s := c.strm
	ops.Go(func() {
		n, err := s.Read(buf)
		c.loop.Post(func() {
			c.onRead(n, err, onRead)
		})
	})
}

func (c *Conn) onRead(n int, err error, onRead IOHandler) {
	if c.state != StateOpen {
		return
	}
	if err == io.EOF {
		// clean close from remote
		log.Debugf("(%s) remote closed", c.attempt)
		c.setState(StateClosed)
		c.setCloseReason(CloseReasonRemote)
		c.clearTransport()
		err = ErrRemoteClosed
	}
	c.loop.Post(func() { onRead(n, err) })
}

// Write writes buf to the active transport, with the same delivery
// rules as Read.
func (c *Conn) Write(buf []byte, onWrite IOHandler) {
	c.loop.Post(func() {
		c.doWrite(buf, onWrite)
	})
}

func (c *Conn) doWrite(buf []byte, onWrite IOHandler) {
	if c.state != StateOpen {
		c.loop.Post(func() { onWrite(0, ErrNotOpen) })
		return
	}
	s := c.strm
	ops.Go(func() {
		n, err := s.Write(buf)
		c.loop.Post(func() {
			c.onWrite(n, err, onWrite)
		})
	})
}

func (c *Conn) onWrite(n int, err error, onWrite IOHandler) {
	if c.state != StateOpen {
		return
	}
	c.loop.Post(func() { onWrite(n, err) })
}

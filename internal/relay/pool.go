package relay

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/zetian/internal/smtpclient"
)

// pooledConn wraps a live SMTP client with its reuse accounting.
type pooledConn struct {
	client   *smtpclient.Client
	target   Target
	messages int
}

// pool manages per-host connection reuse, honoring MaxConnectionsPerHost
// (total live connections, in-use or idle) and MaxMessagesPerConn (how
// many deliveries a single connection serves before it is retired),
// generalizing chasquid's one-shot dial-per-delivery courier into a
// reusable pool.
type pool struct {
	mu    sync.Mutex
	idle  map[string][]*pooledConn
	inUse map[string]int
	cfg   Config
}

func newPool(cfg Config) *pool {
	return &pool{
		idle:  map[string][]*pooledConn{},
		inUse: map[string]int{},
		cfg:   cfg,
	}
}

func hostKey(t Target) string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// acquire returns an idle connection for t if one is available, else
// dials a new one if under the per-host cap, else reports busy=true so
// the caller can try the next candidate target instead of blocking.
func (p *pool) acquire(t Target) (conn *pooledConn, busy bool, err error) {
	key := hostKey(t)

	p.mu.Lock()
	if conns := p.idle[key]; len(conns) > 0 {
		conn = conns[len(conns)-1]
		p.idle[key] = conns[:len(conns)-1]
		p.inUse[key]++
		p.mu.Unlock()
		return conn, false, nil
	}
	if p.inUse[key] >= p.cfg.MaxConnectionsPerHost {
		p.mu.Unlock()
		return nil, true, nil
	}
	p.inUse[key]++
	p.mu.Unlock()

	client, err := dial(t, p.cfg)
	if err != nil {
		p.mu.Lock()
		p.inUse[key]--
		p.mu.Unlock()
		return nil, false, err
	}
	return &pooledConn{client: client, target: t}, false, nil
}

// release returns conn to the idle pool, or closes it if it has served
// its MaxMessagesPerConn quota or ok is false (a protocol error means
// the connection is no longer trustworthy).
func (p *pool) release(conn *pooledConn, ok bool) {
	key := hostKey(conn.target)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse[key]--

	if !ok || conn.messages >= p.cfg.MaxMessagesPerConn {
		conn.client.Close()
		return
	}
	p.idle[key] = append(p.idle[key], conn)
}

// closeAll closes every idle connection, for shutdown.
func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conns := range p.idle {
		for _, c := range conns {
			c.client.Close()
		}
		delete(p.idle, key)
	}
}

// dial opens a fresh connection to t, performing EHLO, optional
// STARTTLS/implicit TLS, and optional SASL authentication.
func dial(t Target, cfg Config) (*smtpclient.Client, error) {
	addr := net.JoinHostPort(t.Host, portOrDefault(t.Port))

	rawConn, err := net.DialTimeout("tcp", addr, cfg.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	rawConn.SetDeadline(time.Now().Add(cfg.ConnectionTimeout))

	if t.UseTLS {
		tlsConn := tls.Client(rawConn, &tls.Config{ServerName: t.Host})
		if err := tlsConn.Handshake(); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("implicit TLS handshake with %s: %w", t.Host, err)
		}
		c, err := smtpclient.NewClient(tlsConn, t.Host)
		if err != nil {
			tlsConn.Close()
			return nil, err
		}
		if err := c.Hello(cfg.HelloDomain); err != nil {
			c.Close()
			return nil, err
		}
		return finishAuth(c, t)
	}

	c, err := smtpclient.NewClient(rawConn, t.Host)
	if err != nil {
		rawConn.Close()
		return nil, err
	}
	if err := c.Hello(cfg.HelloDomain); err != nil {
		c.Close()
		return nil, err
	}

	if t.UseStartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: t.Host}); err != nil {
				c.Close()
				return nil, fmt.Errorf("STARTTLS with %s: %w", t.Host, err)
			}
		} else if cfg.RequireTLS {
			c.Close()
			return nil, fmt.Errorf("%s does not offer STARTTLS and RequireTLS is set", t.Host)
		}
	}

	return finishAuth(c, t)
}

func finishAuth(c *smtpclient.Client, t Target) (*smtpclient.Client, error) {
	if t.Username != "" {
		if err := c.AuthPlain("", t.Username, t.Password); err != nil {
			c.Close()
			return nil, fmt.Errorf("authenticating to %s: %w", t.Host, err)
		}
	}
	return c, nil
}

func portOrDefault(p int) string {
	if p == 0 {
		p = 25
	}
	return fmt.Sprintf("%d", p)
}

// Package stream intercepts outbound connection establishment to route name
// resolution through a pluggable resolver and to count the bytes moved on
// every connection.
package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes outbound dialing.
type Config struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

// Manager owns the byte counters and active-connection set shared by every
// HTTP client built from it.
type Manager struct {
	resolver Resolver
	dialer   net.Dialer
	logger   *zap.Logger

	sent     atomic.Int64
	received atomic.Int64
	active   sync.Map
	activeN  atomic.Int64
}

// NewManager constructs a Manager. A nil resolver uses net.DefaultResolver.
func NewManager(cfg Config, resolver Resolver, logger *zap.Logger) *Manager {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &Manager{
		resolver: resolver,
		dialer:   net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive},
		logger:   logger,
	}
}

// DialContext resolves address through the Manager's resolver, connects with
// Nagle disabled and returns a counting connection registered in the active
// set. Resolution errors are returned unchanged and register nothing.
func (m *Manager) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return nil, &net.AddrError{Err: "invalid port", Addr: address}
	}

	var addrs []netip.Addr
	if ip, perr := netip.ParseAddr(host); perr == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = m.resolver.LookupNetIP(ctx, ipNetwork(network), host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
	}

	var lastErr error
	for _, addr := range addrs {
		target := netip.AddrPortFrom(addr.Unmap(), uint16(port)).String()
		conn, err := m.dialer.DialContext(ctx, network, target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				m.logger.Debug("set no delay", zap.String("address", target), zap.Error(err))
			}
		}
		return m.track(conn), nil
	}
	return nil, lastErr
}

func ipNetwork(network string) string {
	switch network {
	case "tcp4", "udp4":
		return "ip4"
	case "tcp6", "udp6":
		return "ip6"
	default:
		return "ip"
	}
}

func (m *Manager) track(conn net.Conn) net.Conn {
	cc := &countingConn{Conn: conn, m: m}
	m.active.Store(cc, struct{}{})
	m.activeN.Add(1)
	return cc
}

func (m *Manager) forget(cc *countingConn) {
	if _, loaded := m.active.LoadAndDelete(cc); loaded {
		m.activeN.Add(-1)
	}
}

// Transport returns an HTTP transport that dials through the Manager.
func (m *Manager) Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{DialContext: m.DialContext}
	}
	t := base.Clone()
	t.Proxy = nil
	t.DialContext = m.DialContext
	return t
}

// Client returns an HTTP client using Transport. redirects is consulted on
// every redirect when non-nil.
func (m *Manager) Client(timeout time.Duration, redirects func(req *http.Request, via []*http.Request) error) *http.Client {
	return &http.Client{Transport: m.Transport(), Timeout: timeout, CheckRedirect: redirects}
}

// BytesSent returns the total bytes written on all connections.
func (m *Manager) BytesSent() int64 { return m.sent.Load() }

// BytesReceived returns the total bytes read on all connections.
func (m *Manager) BytesReceived() int64 { return m.received.Load() }

// Traffic returns both counters.
func (m *Manager) Traffic() (sent, received int64) {
	return m.sent.Load(), m.received.Load()
}

// ActiveConnections returns the number of open connections.
func (m *Manager) ActiveConnections() int { return int(m.activeN.Load()) }

// CloseAll closes every active connection.
func (m *Manager) CloseAll() error {
	var errs []error
	m.active.Range(func(key, _ any) bool {
		if err := key.(*countingConn).Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

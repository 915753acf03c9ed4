package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

type failingResolver struct {
	err   error
	calls int
}

func (r *failingResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	r.calls++
	return nil, r.err
}

func loopback(t *testing.T) *StaticResolver {
	t.Helper()
	r, err := NewStaticResolver(map[string]string{"example.test": "127.0.0.1"}, &failingResolver{err: errors.New("unexpected lookup")})
	require.NoError(t, err)
	return r
}

func TestCountersAreExact(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		if _, err := io.CopyN(io.Discard, conn, 500); err != nil {
			serverDone <- err
			return
		}
		_, err = conn.Write(make([]byte, 300))
		serverDone <- err
	}()

	m := NewManager(Config{}, loopback(t), zap.NewNop())
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := m.DialContext(ctx, "tcp", net.JoinHostPort("example.test", port))
	require.NoError(t, err)
	require.Equal(t, 1, m.ActiveConnections())

	n, err := conn.Write(make([]byte, 500))
	require.NoError(t, err)
	require.Equal(t, 500, n)
	_, err = io.ReadFull(conn, make([]byte, 300))
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	require.Equal(t, int64(500), m.BytesSent())
	require.Equal(t, int64(300), m.BytesReceived())

	require.NoError(t, conn.Close())
	require.Equal(t, 0, m.ActiveConnections())
	_ = conn.Close()
	require.Equal(t, 0, m.ActiveConnections(), "a second close does not decrement again")
}

func TestResolverErrorPropagatesUnchanged(t *testing.T) {
	t.Parallel()

	dnsErr := &net.DNSError{Err: "no such host", Name: "nowhere.test", IsNotFound: true}
	resolver := &failingResolver{err: dnsErr}
	m := NewManager(Config{}, resolver, zap.NewNop())

	_, err := m.DialContext(context.Background(), "tcp", "nowhere.test:80")
	require.Same(t, dnsErr, err)

	client := m.Client(5*time.Second, nil)
	_, err = client.Get("http://nowhere.test/")
	require.Error(t, err)
	var got *net.DNSError
	require.ErrorAs(t, err, &got)
	require.Same(t, dnsErr, got)
	require.Equal(t, crawler.FailureNetworkConnectivity, crawler.ClassifyError(err))
	require.Equal(t, 0, m.ActiveConnections())
	require.Zero(t, m.BytesSent())
}

func TestClientRoutesThroughOverrides(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "host="+r.Host)
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	m := NewManager(Config{}, loopback(t), zap.NewNop())
	client := m.Client(5*time.Second, nil)
	resp, err := client.Get("http://example.test:" + port + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, "host=example.test:"+port, string(body))
	sent, received := m.Traffic()
	require.Positive(t, sent)
	require.Positive(t, received)

	client.CloseIdleConnections()
	require.Eventually(t, func() bool { return m.ActiveConnections() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStaticResolver(t *testing.T) {
	t.Parallel()

	fallback := &failingResolver{err: errors.New("fallback")}
	r, err := NewStaticResolver(map[string]string{"A.Test.": "10.0.0.1, 10.0.0.2"}, fallback)
	require.NoError(t, err)

	addrs, err := r.LookupNetIP(context.Background(), "ip", "a.test")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, addrs)

	_, err = r.LookupNetIP(context.Background(), "ip", "b.test")
	require.EqualError(t, err, "fallback")
	require.Equal(t, 1, fallback.calls)

	_, err = NewStaticResolver(map[string]string{"bad.test": "not-an-ip"}, nil)
	require.Error(t, err)
}

func TestCloseAllEmptiesActiveSet(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(io.Discard, conn)
				_ = conn.Close()
			}()
		}
	}()

	m := NewManager(Config{}, nil, zap.NewNop())
	for range 3 {
		_, err := m.DialContext(context.Background(), "tcp", ln.Addr().String())
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.ActiveConnections())
	require.NoError(t, m.CloseAll())
	require.Equal(t, 0, m.ActiveConnections())
}

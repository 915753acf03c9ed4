package ingester

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/queue/memory"
	memstore "github.com/JakeFAU/stagecrawler/internal/storage/memory"
	"github.com/JakeFAU/stagecrawler/internal/stream"
)

type site struct {
	srv  *httptest.Server
	port string
	hits atomic.Int32
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<a href="/next">next</a>`))
	})
	mux.HandleFunc("/r1", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/r2", http.StatusFound) })
	mux.HandleFunc("/r2", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/page", http.StatusFound) })
	mux.HandleFunc("/missing", http.NotFound)
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	})
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		for range 4 {
			_, _ = w.Write([]byte(strings.Repeat("y", 512)))
			w.(http.Flusher).Flush()
		}
	})
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.srv.Close)
	_, s.port, _ = net.SplitHostPort(strings.TrimPrefix(s.srv.URL, "http://"))
	return s
}

func (s *site) url(host, path string) string {
	return fmt.Sprintf("http://%s:%s%s", host, s.port, path)
}

type fixture struct {
	ing   *Ingester
	parse *memory.Queue
	store *memstore.BlobStore
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	resolver, err := stream.NewStaticResolver(map[string]string{"a.test": "127.0.0.1", "b.test": "127.0.0.1"}, nil)
	require.NoError(t, err)
	streams := stream.NewManager(stream.Config{}, resolver, zap.NewNop())
	parse := memory.NewQueue(0)
	store := memstore.NewBlobStore()
	cfg.RequestTimeout = 5 * time.Second
	ing, err := New(cfg, streams.Transport(), store, parse, zap.NewNop())
	require.NoError(t, err)
	return fixture{ing: ing, parse: parse, store: store}
}

func redirects(n int) *int { return &n }

func TestNegativeRedirectLimitRejected(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxRedirects: redirects(-1)}, http.DefaultTransport, memstore.NewBlobStore(), memory.NewQueue(0), zap.NewNop())
	require.Error(t, err)
}

func ingest(t *testing.T, ing *Ingester, uri string, depth int, exceeded bool) crawler.Result {
	t.Helper()
	res, err := ing.Process(context.Background(), &crawler.IngestRequest{
		RequestMeta:     crawler.NewRequestMeta(time.Now()),
		URI:             uri,
		Depth:           depth,
		MaxDepthReached: exceeded,
	})
	require.NoError(t, err)
	return res
}

func TestSuccessfulIngestStoresAndForwards(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	f := newFixture(t, Config{UserAgent: "stagecrawler-test", StoragePrefix: "pages"})

	res := ingest(t, f.ing, s.url("a.test", "/page"), 1, false)
	ok, isSuccess := res.(crawler.IngestSuccess)
	require.True(t, isSuccess, "got %#v", res)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	require.Equal(t, "text/html", ok.MediaType)
	require.Equal(t, 1, ok.Depth)

	req, found, err := f.parse.TryDequeue(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	pr := req.(*crawler.ParseRequest)
	require.Equal(t, ok.ContentHandle, pr.ContentHandle)
	require.Equal(t, 1, pr.Depth)

	body, err := f.store.Get(context.Background(), pr.ContentHandle)
	require.NoError(t, err)
	require.Contains(t, string(body), `href="/next"`)
}

func TestRedirectLimit(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	limited := newFixture(t, Config{MaxRedirects: redirects(1)})
	res := ingest(t, limited.ing, s.url("a.test", "/r1"), 0, false)
	require.Equal(t, crawler.FailureMaxRedirectsReached, res.Reason())

	none := newFixture(t, Config{MaxRedirects: redirects(0)})
	res = ingest(t, none.ing, s.url("a.test", "/r2"), 0, false)
	require.Equal(t, crawler.FailureMaxRedirectsReached, res.Reason(), "zero follows no redirects")
	require.Empty(t, res.(crawler.IngestFailure).Redirects)

	defaulted := newFixture(t, Config{})
	res = ingest(t, defaulted.ing, s.url("a.test", "/r1"), 0, false)
	require.Equal(t, crawler.FailureNone, res.Reason(), "nil uses the default limit")

	generous := newFixture(t, Config{MaxRedirects: redirects(5)})
	res = ingest(t, generous.ing, s.url("a.test", "/r1"), 0, false)
	ok := res.(crawler.IngestSuccess)
	require.Equal(t, []string{s.url("a.test", "/r2"), s.url("a.test", "/page")}, ok.Redirects)

	req, _, err := generous.parse.TryDequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, s.url("a.test", "/page"), req.(*crawler.ParseRequest).URI)
}

func TestStatusAndContentPolicies(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	f := newFixture(t, Config{MaxContentBytes: 1024})

	cases := []struct {
		path   string
		reason crawler.FailureReason
		status int
	}{
		{"/missing", crawler.FailureHTTP4xx, http.StatusNotFound},
		{"/broken", crawler.FailureUnknown, http.StatusServiceUnavailable},
		{"/image", crawler.FailureMediaTypeNotPermitted, http.StatusOK},
		{"/big", crawler.FailureContentTooLarge, http.StatusOK},
		{"/chunked", crawler.FailureContentTooLarge, http.StatusOK},
	}
	for _, tc := range cases {
		res := ingest(t, f.ing, s.url("a.test", tc.path), 0, false)
		failure, isFailure := res.(crawler.IngestFailure)
		require.True(t, isFailure, "%s: got %#v", tc.path, res)
		require.Equal(t, tc.reason, failure.Reason(), tc.path)
		require.Equal(t, tc.status, failure.StatusCode, tc.path)
	}
	count, err := f.parse.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, f.store.Len())
}

func TestDomainLimit(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	f := newFixture(t, Config{MaxDomainsToCrawl: 1})

	require.Equal(t, crawler.FailureNone, ingest(t, f.ing, s.url("a.test", "/page"), 0, false).Reason())
	require.Equal(t, crawler.FailureNone, ingest(t, f.ing, s.url("a.test", "/page"), 0, false).Reason())
	res := ingest(t, f.ing, s.url("b.test", "/page"), 0, false)
	require.Equal(t, crawler.FailureDomainLimitReached, res.Reason())
	require.True(t, res.Reason().IsPolicy())
}

func TestFlaggedRequestIsNotFetched(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	f := newFixture(t, Config{})
	res := ingest(t, f.ing, s.url("a.test", "/page"), 3, true)
	require.Equal(t, crawler.FailureMaxDepthReached, res.Reason())
	require.Equal(t, 3, res.(crawler.IngestFailure).Depth)
	require.Zero(t, s.hits.Load())
}

func TestFetchHonorsItemDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Header().Set("Content-Type", "text/html")
	}))
	defer srv.Close()
	defer close(release)
	_, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := f.ing.Process(ctx, &crawler.IngestRequest{
		RequestMeta: crawler.NewRequestMeta(time.Now()),
		URI:         fmt.Sprintf("http://a.test:%s/slow", port),
	})
	require.NoError(t, err)
	require.Equal(t, crawler.FailureTimeout, res.Reason())
}

func TestConnectivityFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/"
	srv.Close()

	f := newFixture(t, Config{})
	res := ingest(t, f.ing, url, 0, false)
	require.Equal(t, crawler.FailureNetworkConnectivity, res.Reason())
}

package parser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/queue/memory"
	memstore "github.com/JakeFAU/stagecrawler/internal/storage/memory"
)

const page = `<html><head><title>t</title></head><body>
<a href="/a">a</a>
<a href="b?x=1#frag">b</a>
<a href="/a#again">dup</a>
<a href="http://other.test/c">c</a>
<a href="mailto:x@a.test">mail</a>
<a href="javascript:void(0)">js</a>
<a href="#top">top</a>
<a href="ftp://files.a.test/f">ftp</a>
<map><area href="/d" /></map>
</body></html>`

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	links, err := NewHTMLExtractor(0).ExtractLinks(context.Background(), "http://a.test/dir/index.html", []byte(page))
	require.NoError(t, err)
	require.Equal(t, []string{
		"http://a.test/a",
		"http://a.test/dir/b?x=1",
		"http://other.test/c",
		"http://a.test/d",
	}, links)
}

func TestExtractLinksHonoursBaseAndLimit(t *testing.T) {
	t.Parallel()

	doc := `<html><head><base href="http://cdn.test/root/"></head><body>
<a href="x">x</a><a href="y">y</a><a href="z">z</a></body></html>`
	links, err := NewHTMLExtractor(2).ExtractLinks(context.Background(), "http://a.test/", []byte(doc))
	require.NoError(t, err)
	require.Equal(t, []string{"http://cdn.test/root/x", "http://cdn.test/root/y"}, links)
}

func TestProcessGroupsByAuthorityOneLevelDeeper(t *testing.T) {
	t.Parallel()

	store := memstore.NewBlobStore()
	handle, err := store.Put(context.Background(), "k", "text/html", []byte(page))
	require.NoError(t, err)
	sched := memory.NewQueue(0)
	p, err := New(NewHTMLExtractor(0), store, sched, zap.NewNop())
	require.NoError(t, err)

	res, err := p.Process(context.Background(), &crawler.ParseRequest{
		RequestMeta:   crawler.NewRequestMeta(time.Now()),
		URI:           "http://a.test/dir/index.html",
		ContentHandle: handle,
		MediaType:     "text/html",
		Depth:         2,
	})
	require.NoError(t, err)
	ok := res.(crawler.ParseSuccess)
	require.Equal(t, 4, ok.LinksFound)
	require.Equal(t, 2, ok.SchedulerRequests)

	first, found, err := sched.TryDequeue(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	a := first.(*crawler.SchedulerRequest)
	require.Equal(t, "http://a.test", a.Authority)
	require.Equal(t, []string{"/a", "/dir/b?x=1", "/d"}, a.Paths)
	require.Equal(t, 3, a.Depth)

	second, _, err := sched.TryDequeue(context.Background())
	require.NoError(t, err)
	o := second.(*crawler.SchedulerRequest)
	require.Equal(t, "http://other.test", o.Authority)
	require.Equal(t, []string{"/c"}, o.Paths)
}

func TestProcessMissingContentFails(t *testing.T) {
	t.Parallel()

	p, err := New(NewHTMLExtractor(0), memstore.NewBlobStore(), memory.NewQueue(0), zap.NewNop())
	require.NoError(t, err)
	res, err := p.Process(context.Background(), &crawler.ParseRequest{
		RequestMeta:   crawler.NewRequestMeta(time.Now()),
		URI:           "http://a.test/",
		ContentHandle: "memory://gone",
	})
	require.NoError(t, err)
	require.Equal(t, crawler.FailureUnknown, res.Reason())
}

package seeder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/queue/memory"
)

func TestNewValidatesSource(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	_, err := New(Config{Source: "s3"}, q, nil)
	require.Error(t, err)
	_, err = New(Config{Source: SourceFile}, q, nil)
	require.Error(t, err)
	_, err = New(Config{Source: SourceConfig}, nil, nil)
	require.Error(t, err)
}

func TestSeedFromConfigGroupsByAuthority(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	s, err := New(Config{Source: SourceConfig, URIs: []string{
		"http://a.test/",
		"HTTP://A.test/about",
		"not a uri",
		"http://b.test/x?q=1",
		"http://a.test/",
		"ftp://files.test/",
	}}, q, zap.NewNop())
	require.NoError(t, err)

	report, err := s.Seed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Seeds)
	require.Equal(t, 2, report.Requests)
	require.Equal(t, []string{"not a uri", "ftp://files.test/"}, report.Rejected)

	first, _, err := q.TryDequeue(context.Background())
	require.NoError(t, err)
	a := first.(*crawler.SchedulerRequest)
	require.Equal(t, "http://a.test", a.Authority)
	require.Equal(t, []string{"/", "/about"}, a.Paths)
	require.Zero(t, a.Depth)

	second, _, err := q.TryDequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"/x?q=1"}, second.(*crawler.SchedulerRequest).Paths)
}

func TestSeedFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seeds\n\nhttp://example.test/\n  http://example.test/b  \n"), 0o600))
	q := memory.NewQueue(0)
	s, err := New(Config{Source: SourceFile, FilePath: path}, q, zap.NewNop())
	require.NoError(t, err)

	report, err := s.Seed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Seeds)
	require.Equal(t, 1, report.Requests)

	_, err = (&Seeder{cfg: Config{Source: SourceFile, FilePath: filepath.Join(t.TempDir(), "missing")}}).Load()
	require.Error(t, err)
}

func TestReadLines(t *testing.T) {
	t.Parallel()

	lines, err := ReadLines(strings.NewReader("a\n#b\n\n c \n"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, lines)
}

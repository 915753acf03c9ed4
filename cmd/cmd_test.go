package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawler/internal/app"
	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

type fakeRunner struct {
	summary app.Summary
	err     error
}

func (f fakeRunner) Run(context.Context) (app.Summary, error) { return f.summary, f.err }

// swapRunner replaces the factory for one test; tests using it are not parallel.
func swapRunner(t *testing.T, fn func(context.Context, config.Config) (Runner, error)) {
	t.Helper()
	orig := newRunner
	newRunner = fn
	t.Cleanup(func() { newRunner = orig })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCrawlAppliesFlagsAndPrintsSummary(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  respects_robots_txt: false\nseeder:\n  uris: [\"http://from-config.test/\"]\n")

	var got config.Config
	swapRunner(t, func(_ context.Context, cfg config.Config) (Runner, error) {
		got = cfg
		return fakeRunner{summary: app.Summary{
			RunID: "run-1",
			Statuses: []crawler.ComponentStatus{{
				Info:      crawler.ComponentInfo{Name: "ingester"},
				State:     crawler.StateCompleted,
				Processed: 3,
			}},
		}}, nil
	})

	out, err := execute("crawl", "--config", path, "--seed", "http://a.test/", "--seed", "http://b.test/", "--paused", "--no-admin")
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test/", "http://b.test/"}, got.Seeder.URIs)
	require.Equal(t, "config", got.Seeder.Source)
	require.Equal(t, "paused", got.Manager.InitialState)
	require.Zero(t, got.Admin.Port)
	require.Contains(t, out, "run run-1")
	require.Contains(t, out, "ingester")
	require.Contains(t, out, "processed=3")
}

func TestCrawlRequiresRobotsChoice(t *testing.T) {
	path := writeConfig(t, "seeder:\n  uris: [\"http://a.test/\"]\n")
	swapRunner(t, func(context.Context, config.Config) (Runner, error) {
		t.Fatal("runner built despite invalid config")
		return nil, nil
	})

	_, err := execute("crawl", "--config", path)
	require.ErrorContains(t, err, "respects_robots_txt")
}

func TestCrawlReportsRunFailure(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  respects_robots_txt: true\nseeder:\n  uris: [\"http://a.test/\"]\n")
	swapRunner(t, func(context.Context, config.Config) (Runner, error) {
		return fakeRunner{summary: app.Summary{RunID: "run-2"}, err: errors.New("boom")}, nil
	})

	out, err := execute("crawl", "--config", path)
	require.ErrorContains(t, err, "boom")
	require.Contains(t, out, "run run-2", "the summary is printed even when the run fails")
}

func TestVersion(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	require.Equal(t, "stagecrawler dev\n", out)
}

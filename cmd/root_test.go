package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/orchestrator"
)

type fakeApp struct {
	mu      sync.Mutex
	ran     bool
	closed  int
	req     orchestrator.Request
	result  orchestrator.BatchResult
	err     error
	runErr  error
	cfgPath string
}

func (f *fakeApp) Run(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = true
	return f.runErr
}

func (f *fakeApp) Scrape(_ context.Context, req orchestrator.Request) (orchestrator.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	return f.result, f.err
}

func (f *fakeApp) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// useFakeApp swaps the factory for the duration of the test.
func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfgPath string) (App, error) {
		app.cfgPath = cfgPath
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScrapeCommandPrintsBatch(t *testing.T) {
	app := &fakeApp{result: orchestrator.BatchResult{
		BatchID:    "b-1",
		SearchTerm: "usb cable",
		Results:    []crawler.Product{{URL: "https://shop.test/dp/1", Title: "Cable"}},
		Duration:   1500 * time.Millisecond,
	}}
	useFakeApp(t, app)

	out, err := execute(t, "--config", "cfg.yaml", "scrape", "usb", "cable", "--limit", "2")
	require.NoError(t, err)
	require.Equal(t, "cfg.yaml", app.cfgPath)
	require.Equal(t, orchestrator.Request{SearchTerm: "usb cable", Limit: 2}, app.req)
	require.Equal(t, 1, app.closed)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, "b-1", decoded["batch_id"])
	require.InDelta(t, 1500, decoded["duration_ms"], 0)
	require.NotContains(t, decoded, "error")
}

func TestScrapeCommandPrintsPartialBatchOnError(t *testing.T) {
	app := &fakeApp{
		result: orchestrator.BatchResult{BatchID: "b-2", SearchTerm: "lamp"},
		err:    crawler.ErrQueueUnavailable,
	}
	useFakeApp(t, app)

	out, err := execute(t, "scrape", "lamp")
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	require.Contains(t, out, `"batch_id": "b-2"`)
	require.Contains(t, out, `"error"`)
}

func TestScrapeCommandFailsWithoutBatch(t *testing.T) {
	app := &fakeApp{err: orchestrator.ErrInvalidRequest}
	useFakeApp(t, app)

	out, err := execute(t, "scrape", "x", "--limit", "-1")
	require.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	require.NotContains(t, out, "batch_id")
}

func TestScrapeCommandRequiresTerm(t *testing.T) {
	useFakeApp(t, &fakeApp{})
	_, err := execute(t, "scrape")
	require.Error(t, err)
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.Equal(t, 1, app.closed)

	app.runErr = errors.New("listen: address in use")
	_, err = execute(t, "serve")
	require.ErrorContains(t, err, "address in use")
}

func TestAppFactoryErrorAborts(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "failed to initialize application services: bad config")
}

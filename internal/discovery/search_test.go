package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

var _ crawler.Discoverer = (*SearchDiscoverer)(nil)

const searchHTML = `<html><body>
<a class="a-link-normal s-no-outline" href="/Lighter-One/dp/B001?ref=sr_1_1&keywords=lighter">one</a>
<a class="a-link-normal s-faceout-link" href="/Lighter-Two/dp/B002#reviews">two</a>
<a class="a-link-normal s-no-outline" href="/Lighter-One/dp/B001?ref=sr_1_9">dup</a>
<a class="a-link-normal s-no-outline" href="/gp/help/customer">help</a>
<a class="other" href="/Lighter-Three/dp/B003">not a result</a>
</body></html>`

func newServer(t *testing.T, status int, body string, gotQuery *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotQuery != nil {
			*gotQuery = r.URL.Query().Get("k")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverCollectsProductLinks(t *testing.T) {
	t.Parallel()

	var query string
	srv := newServer(t, http.StatusOK, searchHTML, &query)
	d, err := NewSearchDiscoverer(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	links, err := d.Discover(context.Background(), "gas lighter")
	require.NoError(t, err)
	require.Equal(t, "gas lighter", query)
	require.Equal(t, []string{
		srv.URL + "/Lighter-One/dp/B001",
		srv.URL + "/Lighter-Two/dp/B002",
	}, links)
}

func TestDiscoverNoMatchesIsEmpty(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusOK, `<html><body><p>No results</p></body></html>`, nil)
	d, err := NewSearchDiscoverer(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	links, err := d.Discover(context.Background(), "zzz")
	require.NoError(t, err)
	require.NotNil(t, links)
	require.Empty(t, links)
}

func TestDiscoverHTTPErrorIsDiscoveryError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusServiceUnavailable, "busy", nil)
	d, err := NewSearchDiscoverer(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = d.Discover(context.Background(), "lighter")
	var discErr *crawler.DiscoveryError
	require.ErrorAs(t, err, &discErr)
	require.Equal(t, "lighter", discErr.Term)
	require.Contains(t, err.Error(), "status 503")
}

func TestDiscoverUnreachableIsDiscoveryError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	d, err := NewSearchDiscoverer(Config{BaseURL: addr, Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = d.Discover(context.Background(), "lighter")
	var discErr *crawler.DiscoveryError
	require.ErrorAs(t, err, &discErr)
}

func TestNewSearchDiscovererDefaults(t *testing.T) {
	t.Parallel()

	d, err := NewSearchDiscoverer(Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, "https://www.amazon.in/s?k=gas+lighter", d.SearchURL("gas lighter"))

	_, err = NewSearchDiscoverer(Config{BaseURL: "not a url"}, nil)
	require.Error(t, err)
}

package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

const productHTML = `<html><body>
<span id="productTitle">
   Butane Gas Lighter,
   Refillable
</span>
<div class="a-price"><span class="a-offscreen">₹199</span></div>
<div class="a-price"><span class="a-offscreen">₹249</span></div>
<span class="a-icon-alt">4.1 out of 5 stars</span>
<span id="acrCustomerReviewText">1,024 ratings</span>
</body></html>`

func TestExtractAllFields(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := NewProductExtractor(Selectors{}, fixedClock{now})
	p, err := e.Extract(crawler.Page{URL: "https://www.amazon.in/dp/B01", StatusCode: 200, Body: []byte(productHTML)})
	require.NoError(t, err)
	require.Equal(t, crawler.Product{
		URL:       "https://www.amazon.in/dp/B01",
		Title:     "Butane Gas Lighter, Refillable",
		Price:     "₹199",
		Rating:    "4.1 out of 5 stars",
		Reviews:   "1,024 ratings",
		FetchedAt: now,
	}, p)
}

func TestExtractMissingFieldsBecomeNA(t *testing.T) {
	t.Parallel()

	e := NewProductExtractor(Selectors{}, nil)
	p, err := e.Extract(crawler.Page{URL: "u", Body: []byte(`<html><span id="productTitle">Only title</span></html>`)})
	require.NoError(t, err)
	require.Equal(t, "Only title", p.Title)
	require.Equal(t, Missing, p.Price)
	require.Equal(t, Missing, p.Rating)
	require.Equal(t, Missing, p.Reviews)
	require.False(t, p.FetchedAt.IsZero())
}

func TestExtractEmptyBodyIsRetryable(t *testing.T) {
	t.Parallel()

	e := NewProductExtractor(Selectors{}, nil)
	_, err := e.Extract(crawler.Page{URL: "u", StatusCode: 200, Body: []byte("  \n")})
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "u", fetchErr.URL)
}

func TestExtractCustomSelectors(t *testing.T) {
	t.Parallel()

	e := NewProductExtractor(Selectors{Title: "h1.name"}, nil)
	p, err := e.Extract(crawler.Page{URL: "u", Body: []byte(`<h1 class="name">Custom</h1><span id="productTitle">Ignored</span>`)})
	require.NoError(t, err)
	require.Equal(t, "Custom", p.Title)
}

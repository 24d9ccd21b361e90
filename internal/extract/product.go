// Package extract pulls product fields out of rendered product pages.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

// Missing is recorded for fields the page does not contain.
const Missing = "N/A"

// Selectors locate each product field. Only the first match is used.
type Selectors struct {
	Title   string `mapstructure:"title"`
	Price   string `mapstructure:"price"`
	Rating  string `mapstructure:"rating"`
	Reviews string `mapstructure:"reviews"`
}

// DefaultSelectors match Amazon product detail pages.
func DefaultSelectors() Selectors {
	return Selectors{
		Title:   "#productTitle",
		Price:   ".a-price .a-offscreen",
		Rating:  "span.a-icon-alt",
		Reviews: "#acrCustomerReviewText",
	}
}

// ProductExtractor implements crawler.Extractor with goquery.
type ProductExtractor struct {
	sel Selectors
	now func() time.Time
}

// NewProductExtractor fills empty selectors from DefaultSelectors.
func NewProductExtractor(sel Selectors, clock crawler.Clock) *ProductExtractor {
	def := DefaultSelectors()
	if sel.Title == "" {
		sel.Title = def.Title
	}
	if sel.Price == "" {
		sel.Price = def.Price
	}
	if sel.Rating == "" {
		sel.Rating = def.Rating
	}
	if sel.Reviews == "" {
		sel.Reviews = def.Reviews
	}
	e := &ProductExtractor{sel: sel, now: time.Now}
	if clock != nil {
		e.now = clock.Now
	}
	return e
}

// Extract parses page.Body. An empty body is a retryable FetchError.
func (e *ProductExtractor) Extract(page crawler.Page) (crawler.Product, error) {
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return crawler.Product{}, &crawler.FetchError{
			URL:        page.URL,
			StatusCode: page.StatusCode,
			Err:        errors.New("empty body"),
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.Product{}, fmt.Errorf("parse product page %s: %w", page.URL, err)
	}
	return crawler.Product{
		URL:       page.URL,
		Title:     text(doc, e.sel.Title),
		Price:     text(doc, e.sel.Price),
		Rating:    text(doc, e.sel.Rating),
		Reviews:   text(doc, e.sel.Reviews),
		FetchedAt: e.now().UTC(),
	}, nil
}

func text(doc *goquery.Document, selector string) string {
	v := strings.Join(strings.Fields(doc.Find(selector).First().Text()), " ")
	if v == "" {
		return Missing
	}
	return v
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

// ProductStore implements crawler.ProductStore keyed by URL.
type ProductStore struct {
	mu    sync.RWMutex
	ids   crawler.IDGenerator
	byURL map[string]crawler.Product
}

// NewProductStore returns an empty store that assigns IDs with ids.
func NewProductStore(ids crawler.IDGenerator) *ProductStore {
	return &ProductStore{ids: ids, byURL: make(map[string]crawler.Product)}
}

// Exists reports whether url has been saved.
func (s *ProductStore) Exists(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byURL[url]
	return ok, nil
}

// Save stores p unless its URL is already present and returns the stored ID.
func (s *ProductStore) Save(_ context.Context, p crawler.Product) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byURL[p.URL]; ok {
		return existing.ID, nil
	}
	if p.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("product id: %w", err)
		}
		p.ID = id
	}
	s.byURL[p.URL] = p
	return p.ID, nil
}

// Get returns the product saved for url.
func (s *ProductStore) Get(url string) (crawler.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byURL[url]
	return p, ok
}

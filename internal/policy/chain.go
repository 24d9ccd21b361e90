// Package policy composes fetch gates into one crawler.Policy.
package policy

import (
	"context"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

// Chain runs each policy in order and stops at the first error.
type Chain []crawler.Policy

// Wait implements crawler.Policy.
func (c Chain) Wait(ctx context.Context, rawURL string) error {
	for _, p := range c {
		if p == nil {
			continue
		}
		if err := p.Wait(ctx, rawURL); err != nil {
			return err
		}
	}
	return nil
}

// Compose drops nil entries. It returns nil when nothing is left and the
// single policy when only one remains.
func Compose(policies ...crawler.Policy) crawler.Policy {
	var out Chain
	for _, p := range policies {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

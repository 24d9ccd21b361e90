// Package challenge recognizes anti-bot interstitials such as captcha pages.
package challenge

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

// Config lists what marks a page as a challenge.
type Config struct {
	Signatures []string `mapstructure:"signatures"`
	Selectors  []string `mapstructure:"selectors"`
}

// DefaultConfig matches the Amazon robot check.
func DefaultConfig() Config {
	return Config{
		Signatures: []string{"Enter the characters you see below"},
		Selectors:  []string{`form[action*="validateCaptcha"]`},
	}
}

// Detector implements crawler.ChallengeDetector.
type Detector struct {
	signatures [][]byte
	selectors  []string
}

// NewDetector lowercases signatures once. Blank entries are ignored.
func NewDetector(cfg Config) *Detector {
	d := &Detector{}
	for _, sig := range cfg.Signatures {
		if sig = strings.TrimSpace(sig); sig != "" {
			d.signatures = append(d.signatures, bytes.ToLower([]byte(sig)))
		}
	}
	for _, sel := range cfg.Selectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			d.selectors = append(d.selectors, sel)
		}
	}
	return d
}

// IsChallenge reports whether the page body contains a signature
// (case-insensitive) or an element matching one of the selectors.
func (d *Detector) IsChallenge(page crawler.Page) bool {
	if len(page.Body) == 0 {
		return false
	}
	lower := bytes.ToLower(page.Body)
	for _, sig := range d.signatures {
		if bytes.Contains(lower, sig) {
			return true
		}
	}
	if len(d.selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return false
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

package challenge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

var _ crawler.ChallengeDetector = (*Detector)(nil)

func TestDetectorDefaults(t *testing.T) {
	t.Parallel()

	d := NewDetector(DefaultConfig())
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"signature", `<p>Enter the characters you see below</p>`, true},
		{"signature any case", `<p>ENTER THE CHARACTERS YOU SEE BELOW</p>`, true},
		{"captcha form", `<form method="get" action="/errors/validateCaptcha"><input name="x"></form>`, true},
		{"product page", `<span id="productTitle">Gas Lighter</span>`, false},
		{"empty", ``, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, d.IsChallenge(crawler.Page{Body: []byte(tc.body)}))
		})
	}
}

func TestDetectorCustomConfig(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Signatures: []string{"  ", "verify you are human"}, Selectors: []string{"", "#cf-challenge"}})
	require.True(t, d.IsChallenge(crawler.Page{Body: []byte("Please Verify you are human")}))
	require.True(t, d.IsChallenge(crawler.Page{Body: []byte(`<div id="cf-challenge"></div>`)}))
	require.False(t, d.IsChallenge(crawler.Page{Body: []byte("Enter the characters you see below")}))

	none := NewDetector(Config{})
	require.False(t, none.IsChallenge(crawler.Page{Body: []byte("Enter the characters you see below")}))
}

// Package scrape is the boundary to the scraping target: the Scraper
// interface consumed by the scheduler and a rod-based browser implementation
// that also drives login flows for the session manager.
package scrape

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"scrapius/internal/feed"
)

// ErrScrape marks recoverable transport/browser failures. The scheduler
// aborts the cycle and retries on the next tick without backoff.
var ErrScrape = errors.New("scrape: fetch failed")

// Scraper produces raw candidates from one source feed.
type Scraper interface {
	FetchCandidates(ctx context.Context, source string, limit int) ([]feed.Candidate, error)
}

// ContentID derives the stable dedup key for a scraped post: SHA-256 over
// the whitespace-normalized, case-folded content. The same post rediscovered
// on a later pass always hashes to the same ID.
func ContentID(content string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

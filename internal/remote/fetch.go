// Package remote fetches the concordance document from the configured
// endpoint and extracts records from its row markup. A sqlite-backed cache
// keeps the last successful result across restarts so a flaky endpoint never
// blanks displays.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/astromechza/versecast/internal/record"
	"github.com/astromechza/versecast/internal/retry"
)

// Fetcher performs the remote concordance fetch. Safe for concurrent use.
type Fetcher struct {
	URL string

	// Schedule bounds the per-fetch network retries.
	Schedule retry.Schedule

	client *http.Client
	cache  *Cache
	logger *slog.Logger

	mu   sync.Mutex
	last record.Set
}

// NewFetcher builds a fetcher. cache may be nil. When a cache is present the
// last-known-good set is warmed from it immediately.
func NewFetcher(url string, cache *Cache, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		URL: url,
		Schedule: retry.Schedule{
			MaxAttempts: 3,
			Delays:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
		},
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  cache,
		logger: logger,
	}
	if cache != nil {
		if set, err := cache.Load(); err != nil {
			logger.Warn("failed to warm concordance cache", "err", err)
		} else if len(set) > 0 {
			f.last = set
			logger.Info("warmed concordance from cache", "records", len(set))
		}
	}
	return f
}

// Last returns the most recent successfully fetched set.
func (f *Fetcher) Last() record.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last.Clone()
}

// Fetch retrieves and parses the concordance. Retries run in best-effort
// mode: after exhausting the schedule the previous set comes back unchanged,
// because stale content beats a cleared display.
func (f *Fetcher) Fetch(ctx context.Context) record.Set {
	if f.URL == "" {
		return f.Last()
	}
	return retry.DoValueFallback(ctx, f.logger, "remote fetch", f.Schedule, f.Last(), func(ctx context.Context) (record.Set, error) {
		set, err := f.fetchOnce(ctx)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.last = set.Clone()
		f.mu.Unlock()
		if f.cache != nil {
			if err := f.cache.Replace(set); err != nil {
				f.logger.Warn("failed to update concordance cache", "err", err)
			}
		}
		return set, nil
	})
}

func (f *Fetcher) fetchOnce(ctx context.Context) (record.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", f.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from %s: %d", f.URL, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return f.extract(doc), nil
}

// extract scans the repeating row pattern. Each row holds an anchor whose
// data-ref attribute carries a version:book:chapter:verse path and a text
// cell. Malformed rows are skipped individually; whatever parsed is returned.
func (f *Fetcher) extract(doc *goquery.Document) record.Set {
	var set record.Set
	doc.Find("tr").Each(func(i int, row *goquery.Selection) {
		rec, err := parseRow(row)
		if err != nil {
			f.logger.Debug("skipping concordance row", "row", i, "err", err)
			return
		}
		set = append(set, rec)
	})
	return set
}

func parseRow(row *goquery.Selection) (record.Record, error) {
	anchor := row.Find("a[data-ref]").First()
	if anchor.Length() == 0 {
		return record.Record{}, fmt.Errorf("no reference anchor")
	}
	ref, _ := anchor.Attr("data-ref")
	parts := strings.Split(ref, ":")
	if len(parts) != 4 {
		return record.Record{}, fmt.Errorf("malformed reference path %q", ref)
	}
	cell := row.Find("td.text").First()
	text := strings.TrimSpace(cell.Text())
	if text == "" {
		return record.Record{}, fmt.Errorf("empty text cell for %q", ref)
	}
	rec := record.New(parts[1], parts[2], parts[3], text)
	if html, err := cell.Html(); err == nil {
		rec.HTML = strings.TrimSpace(html)
	}
	return rec, nil
}

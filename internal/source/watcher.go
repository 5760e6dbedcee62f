// Package source watches the local verse file and feeds settled changes into
// the state store.
package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/astromechza/versecast/internal/record"
	"github.com/astromechza/versecast/internal/retry"
	"github.com/astromechza/versecast/internal/state"
)

// Watcher observes the source file for changes and applies parsed records to
// the store. Rapid successive writes collapse into one read via a settle
// window; a write only counts once the file has been quiet for Settle.
type Watcher struct {
	Path string

	// Settle is how long the file must stay unchanged before it is read.
	Settle time.Duration
	// Poll is the granularity at which the settle window is checked.
	Poll time.Duration
	// Schedule bounds the read+parse retries for one change event.
	Schedule retry.Schedule

	store  *state.Store
	logger *slog.Logger
}

// NewWatcher builds a watcher with the default 300ms settle window polled
// every 100ms.
func NewWatcher(path string, store *state.Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Path:   path,
		Settle: 300 * time.Millisecond,
		Poll:   100 * time.Millisecond,
		Schedule: retry.Schedule{
			MaxAttempts: 3,
			Delays:      []time.Duration{100 * time.Millisecond, 250 * time.Millisecond},
		},
		store:  store,
		logger: logger,
	}
}

// Run watches until the context is cancelled. The parent directory is
// watched rather than the file itself so that editors which replace the file
// (write temp, rename over) keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.Path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("watching source", "path", w.Path)

	ticker := time.NewTicker(w.Poll)
	defer ticker.Stop()

	var (
		pending   bool
		lastWrite time.Time
	)
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.Path) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// A rename may be an editor replacing the file; only a
				// file that is actually gone clears the display.
				if _, statErr := os.Stat(w.Path); os.IsNotExist(statErr) {
					pending = false
					w.logger.Info("source removed, clearing current record")
					w.store.ApplySourceUpdate(nil)
					continue
				}
			}
			pending = true
			lastWrite = time.Now()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		case <-ticker.C:
			if !pending || time.Since(lastWrite) < w.Settle {
				continue
			}
			pending = false
			w.apply(ctx)
		case <-ctx.Done():
			w.logger.Info("source watcher stopping")
			return nil
		}
	}
}

// apply reads the settled file and pushes the result into the store. Failure
// abandons this change event only; the watcher keeps running.
func (w *Watcher) apply(ctx context.Context) {
	rec, err := w.ReadNow(ctx)
	if err != nil {
		w.logger.Warn("skipping unreadable source change", "path", w.Path, "err", err)
		return
	}
	w.store.ApplySourceUpdate(rec)
}

// ReadNow reads and parses the source file immediately, outside the debounce
// loop. It returns (nil, nil) when the file does not exist, which callers
// treat as a cleared display.
func (w *Watcher) ReadNow(ctx context.Context) (*record.Record, error) {
	return retry.DoValue(ctx, w.logger, "source read", w.Schedule, func(context.Context) (*record.Record, error) {
		f, err := os.Open(w.Path)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open source: %w", err)
		}
		defer f.Close()
		rec, err := Parse(f)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
}

type sourceDoc struct {
	XMLName xml.Name    `xml:"display"`
	Verse   sourceVerse `xml:"verse"`
}

type sourceVerse struct {
	Book    string `xml:"book,attr"`
	Chapter string `xml:"chapter,attr"`
	Verse   string `xml:"verse,attr"`
	Text    string `xml:",chardata"`
}

// Parse decodes the source document. All four fields are required; anything
// missing is a parse error and the change is treated as "no update" upstream.
func Parse(r io.Reader) (record.Record, error) {
	var doc sourceDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return record.Record{}, fmt.Errorf("failed to parse source document: %w", err)
	}
	v := doc.Verse
	text := strings.TrimSpace(v.Text)
	if v.Book == "" || v.Chapter == "" || v.Verse == "" || text == "" {
		return record.Record{}, fmt.Errorf("source document missing required fields (book=%q chapter=%q verse=%q)", v.Book, v.Chapter, v.Verse)
	}
	return record.New(v.Book, v.Chapter, v.Verse, text), nil
}

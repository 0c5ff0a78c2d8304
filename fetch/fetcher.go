// Package fetch downloads batches of direct links into the local backend
// and catalogs each finished file.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metrics"
	"github.com/jkaberg/skyeupload/storage"
)

type Cataloger interface {
	Catalog(ctx context.Context, e library.MediaEntry) (library.MediaEntry, bool, error)
}

// Fetcher runs every accepted URL as its own task, bounded by the
// configured concurrency. Tasks live as long as the fetcher's context, not
// the request that submitted them.
type Fetcher struct {
	ctx       context.Context
	dst       storage.Backend
	cat       Cataloger
	client    *http.Client
	userAgent string
	log       zerolog.Logger

	g        errgroup.Group
	dispatch sync.WaitGroup
}

func New(ctx context.Context, dst storage.Backend, cat Cataloger, c *config.Fetch) *Fetcher {
	f := &Fetcher{
		ctx:       ctx,
		dst:       dst,
		cat:       cat,
		client:    &http.Client{Timeout: time.Duration(c.TimeoutSeconds) * time.Second},
		userAgent: c.UserAgent,
		log:       log.Logger.With().Str("component", "fetcher").Logger(),
	}
	if c.Concurrency > 0 {
		f.g.SetLimit(c.Concurrency)
	}
	return f
}

// SubmitBatch schedules the valid http(s) URLs among urls and returns how
// many were accepted. It does not wait for any download.
func (f *Fetcher) SubmitBatch(urls []string, t library.MediaType) int {
	accepted := Accept(urls)
	if len(accepted) == 0 {
		return 0
	}

	f.dispatch.Add(1)
	go func() {
		defer f.dispatch.Done()
		for _, u := range accepted {
			u := u
			f.g.Go(func() error {
				f.fetch(u, t)
				// a failed link never cancels its siblings
				return nil
			})
		}
	}()

	f.log.Info().Int("accepted", len(accepted)).Int("submitted", len(urls)).Str("type", string(t)).Msg("batch accepted")
	return len(accepted)
}

// Wait blocks until every submitted fetch has finished.
func (f *Fetcher) Wait() {
	f.dispatch.Wait()
	_ = f.g.Wait()
}

// Accept trims, validates and deduplicates a batch of links.
func Accept(urls []string) []*url.URL {
	seen := make(map[string]bool)
	var out []*url.URL
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		seen[raw] = true
		out = append(out, u)
	}
	return out
}

func (f *Fetcher) fetch(u *url.URL, t library.MediaType) {
	l := f.log.With().Str("url", u.Redacted()).Logger()
	start := time.Now()

	name := path.Base(u.Path)
	title := library.TitleFromFilename(name)
	if title == "" {
		title = u.Host
	}
	key := storage.NewKey(name)

	size, err := f.download(u, key)
	if err != nil {
		l.Error().Err(err).Msg("error fetching link")
		f.cleanup(key)
		metrics.IngestTotal.WithLabelValues("batch-link", "error").Inc()
		return
	}

	entry, added, err := f.cat.Catalog(f.ctx, library.MediaEntry{
		Title:   title,
		Type:    t,
		Locator: library.LocalFile{Path: key},
	})
	switch {
	case err != nil:
		l.Error().Err(err).Str("title", title).Msg("error cataloging fetched file")
		f.cleanup(key)
		metrics.IngestTotal.WithLabelValues("batch-link", "error").Inc()
	case !added:
		f.cleanup(key)
		metrics.IngestTotal.WithLabelValues("batch-link", "duplicate").Inc()
	default:
		l.Info().Int64("id", entry.ID).Str("title", title).Int64("bytes", size).Dur("took", time.Since(start)).Msg("link fetched")
		metrics.IngestTotal.WithLabelValues("batch-link", "ok").Inc()
	}
}

func (f *Fetcher) download(u *url.URL, key string) (int64, error) {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if err := f.dst.Put(f.ctx, key, resp.Body, resp.ContentLength, resp.Header.Get("Content-Type")); err != nil {
		return 0, err
	}
	return resp.ContentLength, nil
}

func (f *Fetcher) cleanup(key string) {
	// the fetcher context may already be done at shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.dst.Delete(ctx, key); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("error removing fetched file")
	}
}

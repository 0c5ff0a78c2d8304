// Package metadata looks up poster, overview and release date for titles
// on TMDB.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/library"
)

const (
	defaultBaseURL  = "https://api.themoviedb.org"
	defaultCacheTTL = 24 * time.Hour
)

type Details struct {
	PosterPath  string
	Overview    string
	ReleaseDate string
}

// Apply copies non-empty details onto e.
func (d *Details) Apply(e *library.MediaEntry) {
	if d == nil {
		return
	}
	e.PosterPath = d.PosterPath
	e.Overview = d.Overview
	e.ReleaseDate = d.ReleaseDate
}

type searchResult struct {
	PosterPath   string `json:"poster_path"`
	Overview     string `json:"overview"`
	ReleaseDate  string `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	cache      *cache
	log        zerolog.Logger
}

type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = newCache(ttl)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: newCache(defaultCacheTTL),
		log:   log.Logger.With().Str("component", "metadata").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func NewClientFromConfig(c *config.Metadata) *Client {
	return NewClient(c.TMDBAPIKey,
		WithBaseURL(c.BaseURL),
		WithCacheTTL(time.Duration(c.CacheTTLHours)*time.Hour),
	)
}

// Lookup returns details of the first search match. Lookups are best
// effort: without an API key, on any failure or without a match it returns
// nil.
func (c *Client) Lookup(ctx context.Context, title string, t library.MediaType) *Details {
	title = strings.TrimSpace(title)
	if c == nil || c.apiKey == "" || title == "" {
		return nil
	}

	key := string(t) + "|" + strings.ToLower(title)
	if d, ok := c.cache.get(key); ok {
		return d
	}

	d, err := c.search(ctx, title, t)
	if err != nil {
		c.log.Warn().Err(err).Str("title", title).Msg("metadata lookup failed")
		return nil
	}
	if d == nil {
		c.log.Debug().Str("title", title).Msg("no metadata match")
		return nil
	}

	c.cache.set(key, d)
	return d
}

func (c *Client) search(ctx context.Context, title string, t library.MediaType) (*Details, error) {
	kind := "movie"
	if t == library.Show {
		kind = "tv"
	}

	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("query", title)
	u := fmt.Sprintf("%s/3/search/%s?%s", c.baseURL, kind, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TMDB API error: %s", resp.Status)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(sr.Results) == 0 {
		return nil, nil
	}

	r := sr.Results[0]
	d := &Details{PosterPath: r.PosterPath, Overview: r.Overview, ReleaseDate: r.ReleaseDate}
	if t == library.Show {
		d.ReleaseDate = r.FirstAirDate
	}
	return d, nil
}

type cacheEntry struct {
	d       *Details
	expires time.Time
}

type cache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]cacheEntry
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, items: make(map[string]cacheEntry)}
}

func (c *cache) get(key string) (*Details, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.d, true
}

func (c *cache) set(key string, d *Details) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheEntry{d: d, expires: time.Now().Add(c.ttl)}
}

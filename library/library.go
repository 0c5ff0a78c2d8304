package library

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Persister writes the whole document to durable storage.
type Persister interface {
	Save(d *Document) error
}

// Library owns the in-memory Document. Every mutation runs under one mutex
// and is persisted before the call returns, so concurrent background
// completions can not lose each other's updates.
type Library struct {
	mu  sync.Mutex
	doc *Document
	p   Persister

	lastID int64
	dirty  bool
	now    func() time.Time

	log zerolog.Logger
}

func New(doc *Document, p Persister) *Library {
	if doc == nil {
		doc = NewDocument()
	}
	doc.normalize()

	l := &Library{
		doc: doc,
		p:   p,
		now: time.Now,
		log: log.Logger.With().Str("component", "library").Logger(),
	}

	for _, e := range doc.MediaLibrary.Movies {
		l.lastID = max(l.lastID, e.ID)
	}
	for _, e := range doc.MediaLibrary.TVShows {
		l.lastID = max(l.lastID, e.ID)
	}
	for _, r := range doc.ContentRequests {
		l.lastID = max(l.lastID, r.ID)
	}

	return l
}

// mutate applies fn and persists the result. fn errors abort without
// persisting; persistence errors are logged and retried by the next mutation.
func (l *Library) mutate(fn func(d *Document) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := fn(l.doc); err != nil {
		return err
	}

	l.persist()
	return nil
}

func (l *Library) persist() {
	if l.p == nil {
		return
	}
	if err := l.p.Save(l.doc); err != nil {
		l.dirty = true
		l.log.Error().Err(err).Msg("error persisting library document, will retry on next change")
		return
	}
	if l.dirty {
		l.log.Info().Msg("library document persisted after previous failure")
	}
	l.dirty = false
}

// Dirty reports whether the last persist attempt failed.
func (l *Library) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// nextID returns a wall-clock millisecond id, bumped to stay strictly
// increasing. Caller must hold l.mu.
func (l *Library) nextID() int64 {
	id := l.now().UnixMilli()
	if id <= l.lastID {
		id = l.lastID + 1
	}
	l.lastID = id
	return id
}

// Snapshot returns a deep copy of the whole document.
func (l *Library) Snapshot() *Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Clone()
}

func (l *Library) Catalog() Catalog {
	return l.Snapshot().MediaLibrary
}

func (l *Library) Counts() (movies, shows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.MediaLibrary.Movies), len(l.doc.MediaLibrary.TVShows)
}

func (l *Library) Get(id int64) (MediaEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, list := range [][]MediaEntry{l.doc.MediaLibrary.Movies, l.doc.MediaLibrary.TVShows} {
		for _, e := range list {
			if e.ID == id {
				return e, nil
			}
		}
	}
	return MediaEntry{}, fmt.Errorf("media %d: %w", id, ErrNotFound)
}

func (l *Library) HasTitle(t MediaType, title string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return indexOfTitle(*l.doc.MediaLibrary.list(t), title) >= 0
}

// FindTorrent returns the entry streaming from the torrent with the given
// infohash, if any.
func (l *Library) FindTorrent(infoHash string) (MediaEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, list := range [][]MediaEntry{l.doc.MediaLibrary.Movies, l.doc.MediaLibrary.TVShows} {
		for _, e := range list {
			if ref, ok := e.Locator.(TorrentRef); ok && strings.EqualFold(ref.InfoHash, infoHash) {
				return e, true
			}
		}
	}
	return MediaEntry{}, false
}

func indexOfTitle(list []MediaEntry, title string) int {
	title = strings.TrimSpace(title)
	for i, e := range list {
		if strings.EqualFold(strings.TrimSpace(e.Title), title) {
			return i
		}
	}
	return -1
}

// AddMedia appends e to the list of its type. A title already present in
// that list (case-insensitive) is dropped: it returns false and no error.
func (l *Library) AddMedia(e MediaEntry) (MediaEntry, bool, error) {
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return MediaEntry{}, false, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if e.Type != Movie && e.Type != Show {
		return MediaEntry{}, false, fmt.Errorf("%w: unknown media type %q", ErrInvalid, e.Type)
	}
	if e.Locator == nil {
		return MediaEntry{}, false, fmt.Errorf("%w: locator is required", ErrInvalid)
	}

	added := false
	err := l.mutate(func(d *Document) error {
		list := d.MediaLibrary.list(e.Type)
		if indexOfTitle(*list, e.Title) >= 0 {
			return ErrDuplicate
		}
		if e.ID == 0 {
			e.ID = l.nextID()
		}
		*list = append(*list, e)
		added = true
		return nil
	})
	if errors.Is(err, ErrDuplicate) {
		l.log.Warn().Str("title", e.Title).Str("type", string(e.Type)).Msg("duplicate title, entry not added")
		return MediaEntry{}, false, nil
	}
	if err != nil {
		return MediaEntry{}, false, err
	}

	l.log.Info().Int64("id", e.ID).Str("title", e.Title).Str("stream", string(e.StreamType())).Msg("media added")
	return e, added, nil
}

// Search matches titles case-insensitively. An empty query matches nothing.
func (l *Library) Search(query string) Catalog {
	out := Catalog{Movies: []MediaEntry{}, TVShows: []MediaEntry{}}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return out
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.doc.MediaLibrary.Movies {
		if strings.Contains(strings.ToLower(e.Title), q) {
			out.Movies = append(out.Movies, e)
		}
	}
	for _, e := range l.doc.MediaLibrary.TVShows {
		if strings.Contains(strings.ToLower(e.Title), q) {
			out.TVShows = append(out.TVShows, e)
		}
	}
	return out
}

func (l *Library) RemoveMedia(t MediaType, id int64) (MediaEntry, error) {
	var removed MediaEntry
	err := l.mutate(func(d *Document) error {
		list := d.MediaLibrary.list(t)
		for i, e := range *list {
			if e.ID == id {
				removed = e
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%s %d: %w", t, id, ErrNotFound)
	})
	if err != nil {
		return MediaEntry{}, err
	}

	l.log.Info().Int64("id", id).Str("title", removed.Title).Msg("media removed")
	return removed, nil
}

func (l *Library) Requests() []ContentRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ContentRequest{}, l.doc.ContentRequests...)
}

func (l *Library) PendingRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, r := range l.doc.ContentRequests {
		if r.Status == Pending {
			n++
		}
	}
	return n
}

func (l *Library) AddRequest(title, details string) (ContentRequest, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return ContentRequest{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}

	var r ContentRequest
	err := l.mutate(func(d *Document) error {
		r = ContentRequest{
			ID:        l.nextID(),
			Title:     title,
			Details:   strings.TrimSpace(details),
			Status:    Pending,
			Timestamp: l.now().UTC(),
		}
		d.ContentRequests = append(d.ContentRequests, r)
		return nil
	})
	if err != nil {
		return ContentRequest{}, err
	}

	l.log.Info().Int64("id", r.ID).Str("title", r.Title).Msg("content request received")
	return r, nil
}

// ToggleRequest flips a request between pending and fulfilled.
func (l *Library) ToggleRequest(id int64) (ContentRequest, error) {
	var out ContentRequest
	err := l.mutate(func(d *Document) error {
		for i := range d.ContentRequests {
			r := &d.ContentRequests[i]
			if r.ID != id {
				continue
			}
			if r.Status == Fulfilled {
				r.Status = Pending
			} else {
				r.Status = Fulfilled
			}
			out = *r
			return nil
		}
		return fmt.Errorf("request %d: %w", id, ErrNotFound)
	})
	return out, err
}

func (l *Library) DeleteRequest(id int64) error {
	return l.mutate(func(d *Document) error {
		for i, r := range d.ContentRequests {
			if r.ID == id {
				d.ContentRequests = append(d.ContentRequests[:i:i], d.ContentRequests[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("request %d: %w", id, ErrNotFound)
	})
}

func (l *Library) Usage() UsageSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(UsageSnapshot, len(l.doc.StorageUsage))
	for k, v := range l.doc.StorageUsage {
		out[k] = v
	}
	return out
}

// SetUsage replaces the recorded usage of the given backends, leaving
// others untouched.
func (l *Library) SetUsage(s UsageSnapshot) {
	_ = l.mutate(func(d *Document) error {
		for k, v := range s {
			d.StorageUsage[k] = v
		}
		return nil
	})
}

// AddUsage accounts for bytes placed on a backend since the last refresh.
// It is not persisted on its own; the next refresh or mutation carries it.
func (l *Library) AddUsage(backend string, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.StorageUsage[backend] += delta
}

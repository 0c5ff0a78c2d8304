package torrent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metrics"
	"github.com/jkaberg/skyeupload/torrent/loader"
)

var (
	ErrNotReady       = errors.New("torrent not ready")
	ErrNotFound       = errors.New("torrent not found")
	ErrInvalidMagnet  = errors.New("invalid magnet link")
	ErrInvalidTorrent = errors.New("invalid torrent file")
)

type State string

const (
	StateAdded       State = "added"
	StateReady       State = "ready"
	StateDownloading State = "downloading"
	StateDone        State = "done"
	StateError       State = "error"
)

// Cataloger creates library entries for torrents once their metadata is
// known.
type Cataloger interface {
	Catalog(ctx context.Context, e library.MediaEntry) (library.MediaEntry, bool, error)
	FindTorrent(infoHash string) (library.MediaEntry, bool)
}

type Options struct {
	ReadTimeout time.Duration
	Readahead   int64
	// MetadataTimeout of 0 waits for metadata until shutdown.
	MetadataTimeout time.Duration
	ReadyTimeout    time.Duration
	ReclaimInterval time.Duration
	IdleAfter       time.Duration
}

func OptionsFromConfig(c *config.TorrentGlobal) Options {
	return Options{
		ReadTimeout:     time.Duration(c.ReadTimeout) * time.Second,
		Readahead:       int64(c.ReadaheadMB) * 1024 * 1024,
		MetadataTimeout: time.Duration(c.MetadataTimeout) * time.Second,
		ReadyTimeout:    time.Duration(c.ReadyTimeout) * time.Second,
		ReclaimInterval: time.Duration(c.ReclaimIntervalMinutes) * time.Minute,
		IdleAfter:       time.Duration(c.IdleAfterMinutes) * time.Minute,
	}
}

type TorrentStatus struct {
	InfoHash     string            `json:"infoHash"`
	Name         string            `json:"name"`
	Title        string            `json:"title"`
	Type         library.MediaType `json:"type"`
	State        State             `json:"state"`
	Progress     float64           `json:"progress"`
	DownloadRate float64           `json:"downloadRate"`
	UploadRate   float64           `json:"uploadRate"`
	Peers        int               `json:"peers"`
	Seeders      int               `json:"seeders"`
	AddedAt      time.Time         `json:"addedAt"`
}

type session struct {
	t   *torrent.Torrent
	rec loader.Record

	state      State
	lastAccess time.Time
	readers    int

	ready     chan struct{}
	readyOnce sync.Once
}

func (s *session) closeReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) source() string {
	return recordSource(&s.rec)
}

func recordSource(rec *loader.Record) string {
	if rec.TorrentPath != "" {
		return "torrent-file"
	}
	return "magnet"
}

// Engine owns every torrent session: it binds new torrents to catalog
// entries, reclaims finished ones and brings them back when streamed again.
type Engine struct {
	c     *torrent.Client
	idx   loader.Index
	cat   Cataloger
	stats *Stats
	opts  Options
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(c *torrent.Client, idx loader.Index, cat Cataloger, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		c:        c,
		idx:      idx,
		cat:      cat,
		stats:    NewStats(),
		opts:     opts,
		log:      log.Logger.With().Str("component", "torrent-engine").Logger(),
		now:      time.Now,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the idle reclamation sweep until Close.
func (e *Engine) Start() {
	if e.opts.ReclaimInterval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.opts.ReclaimInterval)
		defer t.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-t.C:
				e.sweep()
			}
		}
	}()
}

// Close cancels every background wait and returns once they are gone.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// ParseMagnet validates a magnet link and returns its hex infohash.
func ParseMagnet(m string) (string, error) {
	m = strings.TrimSpace(m)
	if !strings.HasPrefix(strings.ToLower(m), "magnet:?") {
		return "", fmt.Errorf("%w: not a magnet uri", ErrInvalidMagnet)
	}
	mag, err := metainfo.ParseMagnetUri(m)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}
	if mag.InfoHash == (metainfo.Hash{}) {
		return "", fmt.Errorf("%w: missing infohash", ErrInvalidMagnet)
	}
	return mag.InfoHash.HexString(), nil
}

// AddMagnet only validates the link; metadata discovery and cataloging
// happen in the background.
func (e *Engine) AddMagnet(magnet, title string, t library.MediaType) (string, error) {
	hash, err := ParseMagnet(magnet)
	if err != nil {
		return "", err
	}

	return hash, e.add(&loader.Record{
		InfoHash: hash,
		Magnet:   strings.TrimSpace(magnet),
		Title:    title,
		Type:     t,
		AddedAt:  e.now().UTC(),
	})
}

// AddTorrentFile ingests a .torrent file. The file must stay at p, it is
// used to add the torrent again after reclamation.
func (e *Engine) AddTorrentFile(p, title string, t library.MediaType) (string, error) {
	mi, err := metainfo.LoadFromFile(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTorrent, err)
	}
	hash := mi.HashInfoBytes().HexString()

	return hash, e.add(&loader.Record{
		InfoHash:    hash,
		TorrentPath: p,
		Title:       title,
		Type:        t,
		AddedAt:     e.now().UTC(),
	})
}

func (e *Engine) add(rec *loader.Record) error {
	e.mu.Lock()
	_, active := e.sessions[rec.InfoHash]
	e.mu.Unlock()
	if active {
		e.log.Info().Str("hash", rec.InfoHash).Msg("torrent already active, ignoring")
		return nil
	}

	prev, err := e.idx.Get(rec.InfoHash)
	switch {
	case err == nil:
		rec = mergeRecord(prev, rec)
	case errors.Is(err, loader.ErrNotFound):
		prev = nil
	default:
		return fmt.Errorf("error reading torrent record: %w", err)
	}

	if err := e.idx.Put(rec); err != nil {
		return fmt.Errorf("error recording torrent: %w", err)
	}

	s, created, err := e.start(rec)
	if err != nil {
		if prev == nil {
			_ = e.idx.Delete(rec.InfoHash)
		} else {
			_ = e.idx.Put(prev)
		}
		return err
	}
	if created {
		e.log.Info().Str("hash", rec.InfoHash).Str("title", rec.Title).Msg("getting torrent info")
		e.wait(s)
	}
	return nil
}

// mergeRecord keeps what is already known about a torrent when it is added
// again: its catalog binding, completion and every source seen so far.
func mergeRecord(prev, next *loader.Record) *loader.Record {
	out := *prev
	if out.TorrentPath == "" {
		out.TorrentPath = next.TorrentPath
	}
	if out.Magnet == "" {
		out.Magnet = next.Magnet
	}
	if !out.Cataloged {
		out.Title = next.Title
		out.Type = next.Type
		out.AddedAt = next.AddedAt
	}
	return &out
}

// start adds the record's torrent to the client. created is false when a
// session for it already existed.
func (e *Engine) start(rec *loader.Record) (*session, bool, error) {
	var (
		t   *torrent.Torrent
		err error
	)
	// a kept .torrent file needs no peers for metadata
	if rec.TorrentPath != "" {
		t, err = e.c.AddTorrentFromFile(rec.TorrentPath)
		if err != nil && rec.Magnet != "" {
			e.log.Warn().Err(err).Str("hash", rec.InfoHash).Msg("torrent file unusable, falling back to magnet")
		}
	}
	if t == nil && rec.Magnet != "" {
		t, err = e.c.AddMagnet(rec.Magnet)
	}
	if t == nil && err == nil {
		err = fmt.Errorf("torrent %s has no source", rec.InfoHash)
	}
	if err != nil && t == nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[rec.InfoHash]; ok {
		return s, false, nil
	}

	s := &session{
		t:          t,
		rec:        *rec,
		state:      StateAdded,
		lastAccess: e.now(),
		ready:      make(chan struct{}),
	}
	e.sessions[rec.InfoHash] = s
	metrics.ActiveTorrents.Set(float64(len(e.sessions)))

	return s, true, nil
}

func (e *Engine) wait(s *session) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		var timeout <-chan time.Time
		if e.opts.MetadataTimeout > 0 {
			timer := time.NewTimer(e.opts.MetadataTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-s.t.GotInfo():
		case <-s.t.Closed():
			s.closeReady()
			return
		case <-e.ctx.Done():
			return
		case <-timeout:
			e.fail(s, errors.New("timeout getting torrent info"))
			return
		}

		if err := e.onInfo(s); err != nil {
			e.fail(s, err)
		}
	}()
}

func (e *Engine) onInfo(s *session) error {
	e.mu.Lock()
	rec := s.rec
	current := e.sessions[rec.InfoHash] == s
	e.mu.Unlock()
	if !current {
		return nil
	}

	files := s.t.Files()
	if !rec.Cataloged {
		spans := make([]FileSpan, len(files))
		for i, f := range files {
			spans[i] = FileSpan{Path: f.Path(), Length: f.Length()}
		}
		if err := e.bind(&rec, spans); err != nil {
			return err
		}
	}

	if rec.FileIndex < 0 || rec.FileIndex >= len(files) {
		return fmt.Errorf("file index %d out of range", rec.FileIndex)
	}
	files[rec.FileIndex].Download()

	e.mu.Lock()
	s.rec = rec
	if s.state == StateAdded {
		s.state = StateReady
	}
	e.mu.Unlock()
	s.closeReady()

	e.log.Info().Str("hash", rec.InfoHash).Str("name", s.t.Name()).Str("file", files[rec.FileIndex].DisplayPath()).Msg("obtained torrent info")
	return nil
}

// bind creates the catalog entry for the largest file and records it.
func (e *Engine) bind(rec *loader.Record, files []FileSpan) error {
	if entry, ok := e.cat.FindTorrent(rec.InfoHash); ok {
		// cataloged before the index could record it
		rec.FileIndex = entry.Locator.(library.TorrentRef).FileIndex
		rec.Cataloged = true
		return e.idx.Put(rec)
	}

	idx := LargestFile(files)
	if idx < 0 {
		return errors.New("torrent has no files")
	}

	source := recordSource(rec)

	entry, added, err := e.cat.Catalog(e.ctx, library.MediaEntry{
		Title: rec.Title,
		Type:  rec.Type,
		Locator: library.TorrentRef{
			InfoHash:  rec.InfoHash,
			FileIndex: idx,
			AddedAt:   rec.AddedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("error cataloging torrent: %w", err)
	}
	if !added {
		metrics.IngestTotal.WithLabelValues(source, "duplicate").Inc()
		return fmt.Errorf("title %q: %w", rec.Title, library.ErrDuplicate)
	}
	metrics.IngestTotal.WithLabelValues(source, "ok").Inc()

	rec.FileIndex = idx
	rec.Cataloged = true
	if err := e.idx.Put(rec); err != nil {
		e.log.Warn().Err(err).Str("hash", rec.InfoHash).Msg("error recording catalog binding")
	}

	e.log.Info().Int64("id", entry.ID).Str("hash", rec.InfoHash).Str("title", entry.Title).Str("file", files[idx].Path).Msg("torrent cataloged")
	return nil
}

// fail drops the session. Torrents without a catalog entry are forgotten.
func (e *Engine) fail(s *session, err error) {
	e.mu.Lock()
	s.state = StateError
	rec := s.rec
	if e.sessions[rec.InfoHash] == s {
		delete(e.sessions, rec.InfoHash)
	}
	metrics.ActiveTorrents.Set(float64(len(e.sessions)))
	e.mu.Unlock()

	s.t.Drop()
	e.stats.Del(rec.InfoHash)
	s.closeReady()

	if !rec.Cataloged {
		if derr := e.idx.Delete(rec.InfoHash); derr != nil {
			e.log.Warn().Err(derr).Str("hash", rec.InfoHash).Msg("error deleting torrent record")
		}
		if !errors.Is(err, library.ErrDuplicate) {
			metrics.IngestTotal.WithLabelValues(s.source(), "error").Inc()
		}
	}

	e.log.Error().Err(err).Str("hash", rec.InfoHash).Str("title", rec.Title).Msg("torrent dropped")
}

// Open returns a reader for a file of a torrent, adding the torrent again
// when it was reclaimed.
func (e *Engine) Open(ctx context.Context, infoHash string, fileIndex int) (*File, error) {
	infoHash = strings.ToLower(infoHash)

	var timeout <-chan time.Time
	if e.opts.ReadyTimeout > 0 {
		timer := time.NewTimer(e.opts.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	// a sweep may reclaim the session between lookup and registering the
	// reader; look it up again when that happens
	for attempt := 0; attempt < openAttempts; attempt++ {
		s, err := e.session(infoHash)
		if err != nil {
			return nil, err
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("%s: metadata not available: %w", infoHash, ErrNotReady)
		}

		e.mu.Lock()
		if s.state == StateError {
			e.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", infoHash, ErrNotReady)
		}
		if e.sessions[infoHash] != s {
			e.mu.Unlock()
			continue
		}
		s.readers++
		s.lastAccess = e.now()
		e.mu.Unlock()

		files := s.t.Files()
		if fileIndex < 0 || fileIndex >= len(files) {
			e.mu.Lock()
			s.readers--
			e.mu.Unlock()
			return nil, fmt.Errorf("%s: file %d: %w", infoHash, fileIndex, ErrNotFound)
		}

		return newFile(files[fileIndex], e.opts.ReadTimeout, e.opts.Readahead, func() {
			e.mu.Lock()
			s.readers--
			s.lastAccess = e.now()
			e.mu.Unlock()
		}), nil
	}

	return nil, fmt.Errorf("%s: session kept being reclaimed: %w", infoHash, ErrNotReady)
}

const openAttempts = 3

func (e *Engine) session(infoHash string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[infoHash]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := e.idx.Get(infoHash)
	if errors.Is(err, loader.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", infoHash, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	s, created, err := e.start(rec)
	if err != nil {
		return nil, fmt.Errorf("error adding torrent %s again: %w", infoHash, err)
	}
	if created {
		e.log.Info().Str("hash", infoHash).Str("title", rec.Title).Msg("rehydrating reclaimed torrent")
		e.wait(s)
	}
	return s, nil
}

// Remove drops the session, if any, and forgets the torrent.
func (e *Engine) Remove(infoHash string) error {
	infoHash = strings.ToLower(infoHash)

	e.mu.Lock()
	s, ok := e.sessions[infoHash]
	delete(e.sessions, infoHash)
	metrics.ActiveTorrents.Set(float64(len(e.sessions)))
	e.mu.Unlock()

	if ok {
		s.t.Drop()
		e.stats.Del(infoHash)
		e.log.Info().Str("hash", infoHash).Msg("torrent removed")
	}

	return e.idx.Delete(infoHash)
}

// Restore resumes every recorded torrent that had not finished
// downloading. Finished ones are added again only when streamed.
func (e *Engine) Restore() error {
	recs, err := e.idx.List()
	if err != nil {
		return fmt.Errorf("error listing torrents: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		if rec.Done {
			continue
		}
		s, created, err := e.start(rec)
		if err != nil {
			e.log.Error().Err(err).Str("hash", rec.InfoHash).Msg("error restoring torrent")
			continue
		}
		if created {
			e.wait(s)
			restored++
		}
	}

	e.log.Info().Int("restored", restored).Int("known", len(recs)).Msg("torrents restored")
	return nil
}

// refresh updates the state of s from its download progress and returns it
// with the progress of the selected file.
func (e *Engine) refresh(s *session) (State, float64) {
	e.mu.Lock()
	state := s.state
	rec := s.rec
	e.mu.Unlock()

	if state == StateAdded || state == StateError || s.t.Info() == nil {
		return state, 0
	}

	files := s.t.Files()
	if rec.FileIndex >= len(files) {
		return state, 0
	}
	f := files[rec.FileIndex]
	progress := fileProgress(f.BytesCompleted(), f.Length())

	next := state
	switch {
	case progress >= 1:
		next = StateDone
	case f.BytesCompleted() > 0:
		next = StateDownloading
	}
	if next == state {
		return state, progress
	}

	e.mu.Lock()
	s.state = next
	if next == StateDone {
		s.rec.Done = true
		rec = s.rec
	}
	e.mu.Unlock()

	if next == StateDone {
		e.log.Info().Str("hash", rec.InfoHash).Str("title", rec.Title).Msg("torrent download complete")
		if err := e.idx.Put(&rec); err != nil {
			e.log.Warn().Err(err).Str("hash", rec.InfoHash).Msg("error recording finished torrent")
		}
	}
	return next, progress
}

func fileProgress(completed, length int64) float64 {
	if length <= 0 {
		return 1
	}
	p := float64(completed) / float64(length)
	if p > 1 {
		p = 1
	}
	return p
}

func (e *Engine) snapshot() []*session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) Status() []TorrentStatus {
	out := []TorrentStatus{}
	for _, s := range e.snapshot() {
		state, progress := e.refresh(s)
		tr := e.stats.transfer(s.t)

		e.mu.Lock()
		rec := s.rec
		e.mu.Unlock()

		out = append(out, TorrentStatus{
			InfoHash:     rec.InfoHash,
			Name:         s.t.Name(),
			Title:        rec.Title,
			Type:         rec.Type,
			State:        state,
			Progress:     progress,
			DownloadRate: tr.DownloadRate,
			UploadRate:   tr.UploadRate,
			Peers:        tr.Peers,
			Seeders:      tr.Seeders,
			AddedAt:      rec.AddedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// sweep drops finished sessions nobody has used for a while. Their catalog
// entries and records stay.
func (e *Engine) sweep() {
	now := e.now()
	for _, s := range e.snapshot() {
		state, _ := e.refresh(s)

		e.mu.Lock()
		ok := reclaimable(state, s.rec.AddedAt, s.lastAccess, s.readers, now, e.opts.IdleAfter)
		hash := s.rec.InfoHash
		if ok && e.sessions[hash] == s {
			delete(e.sessions, hash)
			metrics.ActiveTorrents.Set(float64(len(e.sessions)))
		} else {
			ok = false
		}
		e.mu.Unlock()

		if !ok {
			continue
		}
		s.t.Drop()
		e.stats.Del(hash)
		metrics.ReclaimedTorrents.Inc()
		e.log.Info().Str("hash", hash).Str("title", s.rec.Title).Msg("idle torrent reclaimed")
	}
}

func reclaimable(state State, addedAt, lastAccess time.Time, readers int, now time.Time, idleAfter time.Duration) bool {
	if state != StateDone || readers > 0 {
		return false
	}
	return now.Sub(addedAt) >= idleAfter && now.Sub(lastAccess) >= idleAfter
}

// FileSpan describes one file of a torrent.
type FileSpan struct {
	Path   string
	Length int64
}

// LargestFile returns the index of the biggest file, the first one on ties,
// or -1 for an empty list.
func LargestFile(files []FileSpan) int {
	best := -1
	for i, f := range files {
		if best < 0 || f.Length > files[best].Length {
			best = i
		}
	}
	return best
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metrics"
	"github.com/jkaberg/skyeupload/storage"
)

// Torrents is the part of the torrent engine ingestion needs.
type Torrents interface {
	AddMagnet(magnet, title string, t library.MediaType) (string, error)
	Remove(infoHash string) error
}

type Batcher interface {
	SubmitBatch(urls []string, t library.MediaType) int
}

// UsageTrigger asks for a storage usage refresh without waiting for it.
type UsageTrigger interface {
	Trigger()
}

type UploadFile struct {
	Title       string
	Type        library.MediaType
	Filename    string
	Size        int64
	ContentType string
	Body        io.Reader
}

type Service struct {
	lib      *library.Library
	reg      *storage.Registry
	cat      *Cataloger
	torrents Torrents
	batch    Batcher
	usage    UsageTrigger

	log zerolog.Logger
}

func NewService(lib *library.Library, reg *storage.Registry, cat *Cataloger, torrents Torrents, batch Batcher, usage UsageTrigger) *Service {
	return &Service{
		lib:      lib,
		reg:      reg,
		cat:      cat,
		torrents: torrents,
		batch:    batch,
		usage:    usage,
		log:      log.Logger.With().Str("component", "ingest").Logger(),
	}
}

func validate(title string, t library.MediaType) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", library.ErrInvalid)
	}
	if t != library.Movie && t != library.Show {
		return fmt.Errorf("%w: unknown media type %q", library.ErrInvalid, t)
	}
	return nil
}

// UploadFile stores the body on the first backend with headroom and
// catalogs it. A title already in the library is rejected with
// library.ErrDuplicate before any byte is moved.
func (s *Service) UploadFile(ctx context.Context, u UploadFile) (library.MediaEntry, error) {
	if err := validate(u.Title, u.Type); err != nil {
		return library.MediaEntry{}, err
	}
	if u.Body == nil {
		return library.MediaEntry{}, fmt.Errorf("%w: media file is required", library.ErrInvalid)
	}
	if s.lib.HasTitle(u.Type, u.Title) {
		metrics.IngestTotal.WithLabelValues("file", "duplicate").Inc()
		return library.MediaEntry{}, fmt.Errorf("%q: %w", u.Title, library.ErrDuplicate)
	}

	b, err := s.reg.Choose(s.lib.Usage())
	if err != nil {
		return library.MediaEntry{}, err
	}

	key := storage.NewKey(u.Filename)
	l := s.log.With().Str("title", u.Title).Str("backend", b.Name()).Str("key", key).Logger()
	start := time.Now()

	if err := b.Put(ctx, key, u.Body, u.Size, u.ContentType); err != nil {
		metrics.IngestTotal.WithLabelValues("file", "error").Inc()
		return library.MediaEntry{}, fmt.Errorf("error storing upload on %s: %w", b.Name(), err)
	}
	if u.Size > 0 {
		s.lib.AddUsage(b.Name(), u.Size)
	}

	var loc library.Locator = library.LocalFile{Path: key}
	if s3, ok := b.(*storage.S3); ok {
		loc = library.ObjectRef{Backend: s3.Name(), Bucket: s3.Bucket(), Key: key}
	} else if b.Kind() != storage.KindLocal {
		loc = library.ObjectRef{Backend: b.Name(), Key: key}
	}

	entry, added, err := s.cat.Catalog(ctx, library.MediaEntry{Title: u.Title, Type: u.Type, Locator: loc})
	if err == nil && !added {
		err = fmt.Errorf("%q: %w", u.Title, library.ErrDuplicate)
	}
	if err != nil {
		s.release(b, key)
		if u.Size > 0 {
			s.lib.AddUsage(b.Name(), -u.Size)
		}
		result := "error"
		if errors.Is(err, library.ErrDuplicate) {
			result = "duplicate"
		}
		metrics.IngestTotal.WithLabelValues("file", result).Inc()
		return library.MediaEntry{}, err
	}

	l.Info().Int64("id", entry.ID).Int64("bytes", u.Size).Dur("took", time.Since(start)).Msg("upload stored")
	metrics.IngestTotal.WithLabelValues("file", "ok").Inc()
	return entry, nil
}

// AddMagnet validates the magnet and starts metadata discovery in the
// background.
func (s *Service) AddMagnet(magnet, title string, t library.MediaType) (string, error) {
	if err := validate(title, t); err != nil {
		return "", err
	}
	if s.torrents == nil {
		return "", errors.New("torrent support is disabled")
	}
	hash, err := s.torrents.AddMagnet(strings.TrimSpace(magnet), strings.TrimSpace(title), t)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("magnet", "error").Inc()
		return "", err
	}
	metrics.IngestTotal.WithLabelValues("magnet", "accepted").Inc()
	return hash, nil
}

// SubmitBatch splits a newline separated list of links and schedules the
// valid ones.
func (s *Service) SubmitBatch(links string, t library.MediaType) (int, error) {
	if t != library.Movie && t != library.Show {
		return 0, fmt.Errorf("%w: unknown media type %q", library.ErrInvalid, t)
	}
	urls := strings.FieldsFunc(links, func(r rune) bool { return r == '\n' || r == '\r' })
	n := s.batch.SubmitBatch(urls, t)
	if n == 0 {
		return 0, fmt.Errorf("%w: no valid links", library.ErrInvalid)
	}
	return n, nil
}

// DeleteMedia removes the entry from the catalog and then releases its
// bytes. Failures to release are logged only.
func (s *Service) DeleteMedia(ctx context.Context, t library.MediaType, id int64) (library.MediaEntry, error) {
	e, err := s.lib.RemoveMedia(t, id)
	if err != nil {
		return library.MediaEntry{}, err
	}

	l := s.log.With().Int64("id", id).Str("title", e.Title).Logger()
	switch loc := e.Locator.(type) {
	case library.LocalFile:
		local := s.reg.Local()
		if local == nil {
			l.Warn().Msg("no local backend, file left in place")
			break
		}
		if err := local.Delete(ctx, loc.Path); err != nil {
			l.Error().Err(err).Str("path", loc.Path).Msg("error removing media file")
		}
	case library.ObjectRef:
		b, ok := s.reg.Get(loc.Backend)
		if !ok {
			l.Warn().Str("backend", loc.Backend).Msg("backend not configured, object left in place")
			break
		}
		if err := b.Delete(ctx, loc.Key); err != nil {
			l.Error().Err(err).Str("backend", loc.Backend).Str("key", loc.Key).Msg("error removing media object")
		}
		if s.usage != nil {
			s.usage.Trigger()
		}
	case library.TorrentRef:
		if s.torrents == nil {
			break
		}
		if err := s.torrents.Remove(loc.InfoHash); err != nil {
			l.Error().Err(err).Str("hash", loc.InfoHash).Msg("error removing torrent")
		}
	}

	return e, nil
}

// release drops a stored blob that did not make it into the catalog.
func (s *Service) release(b storage.Backend, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("backend", b.Name()).Str("key", key).Msg("error removing stored upload")
	}
}

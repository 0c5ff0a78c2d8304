// Package stream serves catalog entries as seekable byte streams wherever
// their bytes live.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metrics"
	"github.com/jkaberg/skyeupload/storage"
	"github.com/jkaberg/skyeupload/torrent"
)

// ErrUnavailable covers every reason the bytes of an entry cannot be found
// right now.
var ErrUnavailable = errors.New("media unavailable")

type TorrentOpener interface {
	Open(ctx context.Context, infoHash string, fileIndex int) (*torrent.File, error)
}

type source interface {
	io.ReadSeekCloser
	Size() int64
}

type Streamer struct {
	reg      *storage.Registry
	torrents TorrentOpener
	expiry   time.Duration
	log      zerolog.Logger
}

func New(reg *storage.Registry, torrents TorrentOpener, signedURLExpiry time.Duration) *Streamer {
	return &Streamer{
		reg:      reg,
		torrents: torrents,
		expiry:   signedURLExpiry,
		log:      log.Logger.With().Str("component", "streamer").Logger(),
	}
}

// Serve answers r with the bytes of e. Errors are returned before anything
// is written; ErrUnavailable means not found.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, e library.MediaEntry) error {
	ctx := r.Context()

	switch loc := e.Locator.(type) {
	case library.LocalFile:
		local := s.reg.Local()
		if local == nil {
			return fmt.Errorf("no local backend: %w", ErrUnavailable)
		}
		obj, err := local.Get(ctx, loc.Path)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err != nil {
			return err
		}
		return s.serveContent(w, r, obj, path.Base(loc.Path), library.StreamLocalFile)

	case library.TorrentRef:
		if s.torrents == nil {
			return fmt.Errorf("torrents disabled: %w", ErrUnavailable)
		}
		f, err := s.torrents.Open(ctx, loc.InfoHash, loc.FileIndex)
		if errors.Is(err, torrent.ErrNotReady) || errors.Is(err, torrent.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err != nil {
			return err
		}
		return s.serveContent(w, r, f, f.Name(), library.StreamTorrent)

	case library.ObjectRef:
		return s.redirect(w, r, loc)
	}

	return fmt.Errorf("entry %d has no locator: %w", e.ID, ErrUnavailable)
}

func (s *Streamer) redirect(w http.ResponseWriter, r *http.Request, loc library.ObjectRef) error {
	b, ok := s.reg.Get(loc.Backend)
	if !ok {
		return fmt.Errorf("backend %q not configured: %w", loc.Backend, ErrUnavailable)
	}

	signer, ok := b.(storage.Signer)
	if !ok {
		obj, err := b.Get(r.Context(), loc.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err != nil {
			return err
		}
		return s.serveContent(w, r, obj, path.Base(loc.Key), library.StreamObjectStore)
	}

	u, err := signer.SignedURL(r.Context(), loc.Key, s.expiry)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("error signing url: %w", err)
	}

	metrics.StreamRedirects.Inc()
	http.Redirect(w, r, u, http.StatusFound)
	return nil
}

func (s *Streamer) serveContent(w http.ResponseWriter, r *http.Request, src source, name string, kind library.StreamType) error {
	defer src.Close()

	size := src.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", ContentType(name))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		h.Del("Content-Type")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	status, start, length := http.StatusOK, int64(0), size
	if rng != nil {
		status, start, length = http.StatusPartialContent, rng.Start, rng.Length()
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
	}

	if start > 0 {
		if _, err := src.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("seek to %d: %w", start, err)
		}
	}

	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return nil
	}

	n, err := io.CopyN(w, src, length)
	metrics.StreamedBytes.WithLabelValues(string(kind)).Add(float64(n))
	if err != nil {
		// usually the player went away or seeked
		s.log.Debug().Err(err).Str("name", name).Int64("sent", n).Int64("want", length).Msg("stream interrupted")
	}
	return nil
}

// ContentType guesses the media type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	switch path.Ext(name) {
	case ".mkv":
		return "video/x-matroska"
	case ".mp4", ".m4v":
		return "video/mp4"
	}
	return "application/octet-stream"
}

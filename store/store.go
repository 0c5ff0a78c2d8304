// Package store persists the library document as a single JSON file.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/library"
)

var _ library.Persister = &JSONFile{}

type JSONFile struct {
	path string
	log  zerolog.Logger
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{
		path: path,
		log:  log.Logger.With().Str("component", "metadata-store").Str("path", path).Logger(),
	}
}

func (s *JSONFile) Path() string { return s.path }

// Load reads the document. A missing or empty file yields an empty
// document. A file that is not valid JSON is moved aside and an empty
// document is returned. Errors reading the medium itself are returned.
func (s *JSONFile) Load() (*library.Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info().Msg("no library document found, starting empty")
		return library.NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library document: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return library.NewDocument(), nil
	}

	d := library.NewDocument()
	if err := json.Unmarshal(data, d); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if rerr := os.Rename(s.path, backup); rerr != nil {
			return nil, fmt.Errorf("decode library document: %w (moving it aside failed: %v)", err, rerr)
		}
		s.log.Error().Err(err).Str("backup", backup).Msg("library document is corrupt, moved aside and starting empty")
		return library.NewDocument(), nil
	}

	// a document written by hand may omit whole sections
	out := library.NewDocument()
	if d.MediaLibrary.Movies != nil {
		out.MediaLibrary.Movies = d.MediaLibrary.Movies
	}
	if d.MediaLibrary.TVShows != nil {
		out.MediaLibrary.TVShows = d.MediaLibrary.TVShows
	}
	if d.ContentRequests != nil {
		out.ContentRequests = d.ContentRequests
	}
	if d.StorageUsage != nil {
		out.StorageUsage = d.StorageUsage
	}

	s.log.Info().
		Int("movies", len(out.MediaLibrary.Movies)).
		Int("shows", len(out.MediaLibrary.TVShows)).
		Int("requests", len(out.ContentRequests)).
		Msg("library document loaded")
	return out, nil
}

// Save writes the document to a temporary file and renames it over the
// previous one.
func (s *JSONFile) Save(d *library.Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open tmp: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode document: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp: %w", err)
	}
	return nil
}

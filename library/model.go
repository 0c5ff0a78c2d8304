package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate title")
	ErrInvalid   = errors.New("invalid input")
)

type MediaType string

const (
	Movie MediaType = "movie"
	Show  MediaType = "show"
)

// ParseMediaType accepts the singular and plural spellings used by the
// admin UI and the catalog document.
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie", "movies":
		return Movie, nil
	case "show", "shows", "tv", "tvshow", "tvshows":
		return Show, nil
	}
	return "", fmt.Errorf("%w: unknown media type %q", ErrInvalid, s)
}

type StreamType string

const (
	StreamLocalFile   StreamType = "localFile"
	StreamTorrent     StreamType = "torrent"
	StreamObjectStore StreamType = "objectStore"
)

// Locator describes where the bytes of an entry live. The set of
// implementations is closed: LocalFile, TorrentRef and ObjectRef.
type Locator interface {
	StreamType() StreamType
	locator()
}

// LocalFile is a path relative to the managed upload directory.
type LocalFile struct {
	Path string `json:"path"`
}

func (LocalFile) StreamType() StreamType { return StreamLocalFile }
func (LocalFile) locator()               {}

// TorrentRef identifies one file inside a torrent session.
type TorrentRef struct {
	InfoHash  string    `json:"infoHash"`
	FileIndex int       `json:"fileIndex"`
	AddedAt   time.Time `json:"addedAt"`
}

func (TorrentRef) StreamType() StreamType { return StreamTorrent }
func (TorrentRef) locator()               {}

type ObjectRef struct {
	Backend string `json:"backendName"`
	Bucket  string `json:"bucketName"`
	Key     string `json:"objectKey"`
}

func (ObjectRef) StreamType() StreamType { return StreamObjectStore }
func (ObjectRef) locator()               {}

type MediaEntry struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Type        MediaType `json:"type"`
	PosterPath  string    `json:"posterPath,omitempty"`
	Overview    string    `json:"overview,omitempty"`
	ReleaseDate string    `json:"releaseDate,omitempty"`
	Locator     Locator   `json:"-"`
}

func (e MediaEntry) StreamType() StreamType {
	if e.Locator == nil {
		return ""
	}
	return e.Locator.StreamType()
}

type mediaEntryJSON struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Type        MediaType       `json:"type"`
	PosterPath  string          `json:"posterPath,omitempty"`
	Overview    string          `json:"overview,omitempty"`
	ReleaseDate string          `json:"releaseDate,omitempty"`
	StreamType  StreamType      `json:"streamType"`
	Locator     json.RawMessage `json:"locator"`
}

func (e MediaEntry) MarshalJSON() ([]byte, error) {
	if e.Locator == nil {
		return nil, fmt.Errorf("media entry %d has no locator", e.ID)
	}
	loc, err := json.Marshal(e.Locator)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mediaEntryJSON{
		ID:          e.ID,
		Title:       e.Title,
		Type:        e.Type,
		PosterPath:  e.PosterPath,
		Overview:    e.Overview,
		ReleaseDate: e.ReleaseDate,
		StreamType:  e.Locator.StreamType(),
		Locator:     loc,
	})
}

func (e *MediaEntry) UnmarshalJSON(b []byte) error {
	var raw mediaEntryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var loc Locator
	switch raw.StreamType {
	case StreamLocalFile:
		var l LocalFile
		if err := json.Unmarshal(raw.Locator, &l); err != nil {
			return fmt.Errorf("decode localFile locator: %w", err)
		}
		loc = l
	case StreamTorrent:
		var l TorrentRef
		if err := json.Unmarshal(raw.Locator, &l); err != nil {
			return fmt.Errorf("decode torrent locator: %w", err)
		}
		loc = l
	case StreamObjectStore:
		var l ObjectRef
		if err := json.Unmarshal(raw.Locator, &l); err != nil {
			return fmt.Errorf("decode objectStore locator: %w", err)
		}
		loc = l
	default:
		return fmt.Errorf("media entry %d: unknown stream type %q", raw.ID, raw.StreamType)
	}

	*e = MediaEntry{
		ID:          raw.ID,
		Title:       raw.Title,
		Type:        raw.Type,
		PosterPath:  raw.PosterPath,
		Overview:    raw.Overview,
		ReleaseDate: raw.ReleaseDate,
		Locator:     loc,
	}
	return nil
}

type RequestStatus string

const (
	Pending   RequestStatus = "pending"
	Fulfilled RequestStatus = "fulfilled"
)

type ContentRequest struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	Details   string        `json:"details,omitempty"`
	Status    RequestStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

type Catalog struct {
	Movies  []MediaEntry `json:"movies"`
	TVShows []MediaEntry `json:"tvShows"`
}

func (c *Catalog) list(t MediaType) *[]MediaEntry {
	if t == Show {
		return &c.TVShows
	}
	return &c.Movies
}

// UsageSnapshot maps a backend name to the bytes it holds.
type UsageSnapshot map[string]int64

// Document is everything persisted by the metadata store.
type Document struct {
	MediaLibrary    Catalog          `json:"mediaLibrary"`
	ContentRequests []ContentRequest `json:"contentRequests"`
	StorageUsage    UsageSnapshot    `json:"storageUsage"`
}

func NewDocument() *Document {
	d := &Document{}
	d.normalize()
	return d
}

// normalize replaces nil collections so the document always encodes lists
// and objects rather than null.
func (d *Document) normalize() {
	if d.MediaLibrary.Movies == nil {
		d.MediaLibrary.Movies = []MediaEntry{}
	}
	if d.MediaLibrary.TVShows == nil {
		d.MediaLibrary.TVShows = []MediaEntry{}
	}
	if d.ContentRequests == nil {
		d.ContentRequests = []ContentRequest{}
	}
	if d.StorageUsage == nil {
		d.StorageUsage = UsageSnapshot{}
	}
}

// Clone returns a deep copy. Entries are values and locators immutable, so
// copying the slices is enough.
func (d *Document) Clone() *Document {
	out := &Document{
		MediaLibrary: Catalog{
			Movies:  append([]MediaEntry{}, d.MediaLibrary.Movies...),
			TVShows: append([]MediaEntry{}, d.MediaLibrary.TVShows...),
		},
		ContentRequests: append([]ContentRequest{}, d.ContentRequests...),
		StorageUsage:    make(UsageSnapshot, len(d.StorageUsage)),
	}
	for k, v := range d.StorageUsage {
		out.StorageUsage[k] = v
	}
	return out
}

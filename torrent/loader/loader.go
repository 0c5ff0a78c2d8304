// Package loader keeps the persistent torrent index: for every infohash the
// engine has seen, where it came from and which catalog entry it backs.
package loader

import (
	"errors"
	"time"

	"github.com/jkaberg/skyeupload/library"
)

var ErrNotFound = errors.New("torrent record not found")

// Record is the source of a torrent session plus its catalog binding. It
// survives reclamation so the torrent can be added again on demand.
type Record struct {
	InfoHash    string            `json:"infoHash"`
	Magnet      string            `json:"magnet,omitempty"`
	TorrentPath string            `json:"torrentPath,omitempty"`
	Title       string            `json:"title"`
	Type        library.MediaType `json:"type"`
	FileIndex   int               `json:"fileIndex"`
	AddedAt     time.Time         `json:"addedAt"`
	// Cataloged is set once the library entry exists.
	Cataloged bool `json:"cataloged"`
	// Done is set once the selected file is fully downloaded.
	Done bool `json:"done"`
}

type Index interface {
	Put(r *Record) error
	Get(hash string) (*Record, error)
	Delete(hash string) error
	List() ([]*Record, error)
}

// Package ingest turns uploads, magnet links and batches of direct links
// into catalog entries, and releases their bytes again on delete.
package ingest

import (
	"context"

	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metadata"
)

// Cataloger decorates entries with metadata before adding them to the
// library. It serves the torrent engine and the batch fetcher.
type Cataloger struct {
	lib  *library.Library
	meta *metadata.Client
}

func NewCataloger(lib *library.Library, meta *metadata.Client) *Cataloger {
	return &Cataloger{lib: lib, meta: meta}
}

func (c *Cataloger) Catalog(ctx context.Context, e library.MediaEntry) (library.MediaEntry, bool, error) {
	c.meta.Lookup(ctx, e.Title, e.Type).Apply(&e)
	return c.lib.AddMedia(e)
}

func (c *Cataloger) FindTorrent(infoHash string) (library.MediaEntry, bool) {
	return c.lib.FindTorrent(infoHash)
}

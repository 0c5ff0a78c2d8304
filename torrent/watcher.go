package torrent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/library"
)

// FileAdder ingests a .torrent file kept at path.
type FileAdder interface {
	AddTorrentFile(path, title string, t library.MediaType) (string, error)
}

var dropFolders = map[string]library.MediaType{
	"movies": library.Movie,
	"shows":  library.Show,
}

// DropWatcher ingests .torrent files placed in <root>/movies or
// <root>/shows. Ingested files are moved to dest, named by infohash.
type DropWatcher struct {
	root     string
	dest     string
	interval time.Duration
	a        FileAdder
	w        *fsnotify.Watcher
	log      zerolog.Logger

	eventsCount uint64
	done        chan struct{}
	wg          sync.WaitGroup
}

func NewDropWatcher(a FileAdder, root, dest string, interval time.Duration) (*DropWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &DropWatcher{
		root:     root,
		dest:     dest,
		interval: interval,
		a:        a,
		w:        w,
		log:      log.Logger.With().Str("component", "drop-watcher").Str("folder", root).Logger(),
		done:     make(chan struct{}),
	}, nil
}

func (dw *DropWatcher) Start() error {
	if err := os.MkdirAll(dw.dest, 0o744); err != nil {
		return err
	}
	for sub := range dropFolders {
		folder := filepath.Join(dw.root, sub)
		if err := os.MkdirAll(folder, 0o744); err != nil {
			return err
		}
		if err := dw.w.Add(folder); err != nil {
			return err
		}
	}

	// files dropped while the server was down
	dw.Sync()

	dw.wg.Add(2)
	go func() {
		defer dw.wg.Done()
		for {
			select {
			case event, ok := <-dw.w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
					atomic.AddUint64(&dw.eventsCount, 1)
				}
			case err, ok := <-dw.w.Errors:
				if !ok {
					return
				}
				dw.log.Error().Err(err).Msg("watcher error")
			}
		}
	}()

	go func() {
		defer dw.wg.Done()
		t := time.NewTicker(dw.interval)
		defer t.Stop()
		for {
			select {
			case <-dw.done:
				return
			case <-t.C:
				// let writers finish before picking files up
				if atomic.SwapUint64(&dw.eventsCount, 0) == 0 {
					continue
				}
				dw.Sync()
			}
		}
	}()

	dw.log.Info().Msg("drop folder watcher started")
	return nil
}

// Sync ingests every .torrent file currently in the drop folders.
func (dw *DropWatcher) Sync() {
	for sub, mt := range dropFolders {
		folder := filepath.Join(dw.root, sub)
		entries, err := os.ReadDir(folder)
		if err != nil {
			dw.log.Error().Err(err).Str("path", folder).Msg("error reading drop folder")
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".torrent") {
				continue
			}
			p := filepath.Join(folder, e.Name())
			if err := dw.ingest(p, mt); err != nil {
				dw.log.Error().Err(err).Str("path", p).Msg("error adding torrent from file")
				if rerr := os.Rename(p, p+".failed"); rerr != nil {
					dw.log.Warn().Err(rerr).Str("path", p).Msg("error setting failed torrent file aside")
				}
			}
		}
	}
}

func (dw *DropWatcher) ingest(p string, mt library.MediaType) error {
	mi, err := metainfo.LoadFromFile(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTorrent, err)
	}

	dest := filepath.Join(dw.dest, mi.HashInfoBytes().HexString()+".torrent")
	if err := os.Rename(p, dest); err != nil {
		return err
	}

	title := library.TitleFromFilename(filepath.Base(p))
	hash, err := dw.a.AddTorrentFile(dest, title, mt)
	if err != nil {
		_ = os.Rename(dest, p)
		return err
	}

	dw.log.Info().Str("hash", hash).Str("title", title).Str("type", string(mt)).Msg("torrent file added")
	return nil
}

func (dw *DropWatcher) Close() error {
	close(dw.done)
	err := dw.w.Close()
	dw.wg.Wait()
	return err
}

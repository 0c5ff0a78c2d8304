package torrent

import (
	"context"
	"io"
	"path"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/v2"
	"github.com/anacrolix/torrent"
)

type reader interface {
	io.ReadSeekCloser
	missinggo.ReadContexter
}

// File is a seekable view of one file inside a torrent. Reads block until
// the pieces arrive, but never longer than the read timeout.
type File struct {
	mu      sync.Mutex
	r       reader
	name    string
	size    int64
	timeout time.Duration
	onClose func()
}

func newFile(f *torrent.File, timeout time.Duration, readahead int64, onClose func()) *File {
	r := f.NewReader()
	r.SetResponsive()
	if readahead > 0 {
		r.SetReadahead(readahead)
	}

	return &File{
		r:       r,
		name:    path.Base(f.DisplayPath()),
		size:    f.Length(),
		timeout: timeout,
		onClose: onClose,
	}
}

func (f *File) Name() string { return f.name }
func (f *File) Size() int64  { return f.size }

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return readTimeout(f.r, f.timeout, p)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.r.Seek(offset, whence)
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.onClose != nil {
		f.onClose()
		f.onClose = nil
	}
	return f.r.Close()
}

func readTimeout(r missinggo.ReadContexter, timeout time.Duration, p []byte) (int, error) {
	if timeout <= 0 {
		return r.ReadContext(context.Background(), p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(timeout, cancel)
	defer timer.Stop()
	defer cancel()

	return r.ReadContext(ctx, p)
}

package torrent

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/skyeupload/library"
)

type addCall struct {
	path  string
	title string
	typ   library.MediaType
}

type fakeAdder struct {
	mu    sync.Mutex
	calls []addCall
	err   error
}

func (f *fakeAdder) AddTorrentFile(p, title string, t library.MediaType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, addCall{p, title, t})
	return "hash", nil
}

func (f *fakeAdder) got() []addCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]addCall{}, f.calls...)
}

func writeTorrent(t *testing.T, dir, name string) string {
	t.Helper()

	data := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(data, bytes.Repeat([]byte("x"), 4096), 0o600))

	info := metainfo.Info{PieceLength: 16 * 1024}
	require.NoError(t, info.BuildFromFilePath(data))

	var err error
	mi := metainfo.MetaInfo{}
	mi.InfoBytes, err = bencode.Marshal(info)
	require.NoError(t, err)

	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	require.NoError(t, mi.Write(f))
	require.NoError(t, f.Close())

	return mi.HashInfoBytes().HexString()
}

func TestDropWatcherSync(t *testing.T) {
	root := t.TempDir()
	dest := t.TempDir()
	a := &fakeAdder{}

	dw, err := NewDropWatcher(a, root, dest, time.Hour)
	require.NoError(t, err)
	require.NoError(t, dw.Start())
	defer dw.Close()

	hash := writeTorrent(t, filepath.Join(root, "movies"), "Big.Buck.Bunny.torrent")
	writeTorrent(t, filepath.Join(root, "shows"), "Sintel_Series.torrent")
	require.NoError(t, os.WriteFile(filepath.Join(root, "movies", "notes.txt"), []byte("x"), 0o600))

	dw.Sync()

	calls := a.got()
	require.Len(t, calls, 2)
	byTitle := map[string]addCall{}
	for _, c := range calls {
		byTitle[c.title] = c
	}

	movie := byTitle["Big Buck Bunny"]
	assert.Equal(t, library.Movie, movie.typ)
	assert.Equal(t, filepath.Join(dest, hash+".torrent"), movie.path)
	assert.FileExists(t, movie.path)
	assert.NoFileExists(t, filepath.Join(root, "movies", "Big.Buck.Bunny.torrent"))

	assert.Equal(t, library.Show, byTitle["Sintel Series"].typ)
	assert.FileExists(t, filepath.Join(root, "movies", "notes.txt"))
}

func TestDropWatcherSetsInvalidFilesAside(t *testing.T) {
	root := t.TempDir()
	a := &fakeAdder{}

	dw, err := NewDropWatcher(a, root, t.TempDir(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, dw.Start())
	defer dw.Close()

	bad := filepath.Join(root, "movies", "broken.torrent")
	require.NoError(t, os.WriteFile(bad, []byte("not bencode"), 0o600))
	dw.Sync()

	assert.Empty(t, a.got())
	assert.FileExists(t, bad+".failed")
}

func TestDropWatcherRestoresFileOnAddError(t *testing.T) {
	root := t.TempDir()
	dest := t.TempDir()
	a := &fakeAdder{err: errors.New("boom")}

	dw, err := NewDropWatcher(a, root, dest, time.Hour)
	require.NoError(t, err)
	require.NoError(t, dw.Start())
	defer dw.Close()

	hash := writeTorrent(t, filepath.Join(root, "movies"), "Film.torrent")
	dw.Sync()

	assert.NoFileExists(t, filepath.Join(dest, hash+".torrent"))
	assert.FileExists(t, filepath.Join(root, "movies", "Film.torrent.failed"))
}

func TestDropWatcherPicksUpNewFiles(t *testing.T) {
	root := t.TempDir()
	a := &fakeAdder{}

	dw, err := NewDropWatcher(a, root, t.TempDir(), 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, dw.Start())
	defer dw.Close()

	staging := t.TempDir()
	writeTorrent(t, staging, "Late.Arrival.torrent")
	require.NoError(t, os.Rename(filepath.Join(staging, "Late.Arrival.torrent"), filepath.Join(root, "shows", "Late.Arrival.torrent")))

	require.Eventually(t, func() bool { return len(a.got()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Late Arrival", a.got()[0].title)
}

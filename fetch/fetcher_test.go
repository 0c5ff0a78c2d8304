package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/storage"
)

type fakeCatalog struct {
	mu      sync.Mutex
	entries []library.MediaEntry
}

func (c *fakeCatalog) Catalog(_ context.Context, e library.MediaEntry) (library.MediaEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.entries {
		if strings.EqualFold(x.Title, e.Title) && x.Type == e.Type {
			return library.MediaEntry{}, false, nil
		}
	}
	e.ID = int64(len(c.entries) + 1)
	c.entries = append(c.entries, e)
	return e, true, nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files/Big.Buck.Bunny.mp4", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "skyeupload-test", r.UserAgent())
		_, _ = w.Write([]byte(strings.Repeat("b", 2048)))
	})
	mux.HandleFunc("/mirror/big_buck_bunny.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dup"))
	})
	mux.HandleFunc("/files/gone.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(t *testing.T) (*Fetcher, *storage.Local, *fakeCatalog) {
	t.Helper()
	local, err := storage.NewLocal("local", t.TempDir())
	require.NoError(t, err)
	cat := &fakeCatalog{}
	f := New(context.Background(), local, cat, &config.Fetch{Concurrency: 2, UserAgent: "skyeupload-test"})
	return f, local, cat
}

func TestSubmitBatchOneFailure(t *testing.T) {
	srv := newServer(t)
	f, local, cat := newFetcher(t)

	n := f.SubmitBatch([]string{
		srv.URL + "/files/Big.Buck.Bunny.mp4",
		"  ",
		srv.URL + "/files/gone.mp4",
	}, library.Movie)
	assert.Equal(t, 2, n)

	f.Wait()

	require.Len(t, cat.entries, 1)
	e := cat.entries[0]
	assert.Equal(t, "Big Buck Bunny", e.Title)
	assert.Equal(t, library.Movie, e.Type)

	lf, ok := e.Locator.(library.LocalFile)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(lf.Path, ".mp4"))

	obj, err := local.Get(context.Background(), lf.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), obj.Size())
	require.NoError(t, obj.Close())

	entries, err := os.ReadDir(local.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed fetch leaves no file behind")
}

func TestSubmitBatchDuplicateTitleRemovesFile(t *testing.T) {
	srv := newServer(t)
	f, local, cat := newFetcher(t)

	require.Equal(t, 1, f.SubmitBatch([]string{srv.URL + "/files/Big.Buck.Bunny.mp4"}, library.Movie))
	f.Wait()
	require.Equal(t, 1, f.SubmitBatch([]string{srv.URL + "/mirror/big_buck_bunny.mp4"}, library.Movie))
	f.Wait()

	assert.Len(t, cat.entries, 1)
	entries, err := os.ReadDir(local.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSubmitBatchTimeoutLeavesNothing(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	local, err := storage.NewLocal("local", t.TempDir())
	require.NoError(t, err)
	cat := &fakeCatalog{}
	f := New(context.Background(), local, cat, &config.Fetch{Concurrency: 1, TimeoutSeconds: 1})
	assert.Equal(t, time.Second, f.client.Timeout)

	require.Equal(t, 1, f.SubmitBatch([]string{srv.URL + "/stalled/Night.of.the.Living.Dead.mkv"}, library.Movie))
	f.Wait()

	assert.Empty(t, cat.entries)
	entries, err := os.ReadDir(local.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitBatchNothingValid(t *testing.T) {
	f, _, cat := newFetcher(t)

	assert.Zero(t, f.SubmitBatch([]string{"", "ftp://example.com/a.mp4", "not a url"}, library.Show))
	f.Wait()
	assert.Empty(t, cat.entries)
}

func TestAccept(t *testing.T) {
	got := Accept([]string{
		"https://example.com/a.mp4",
		" https://example.com/a.mp4 ",
		"http://example.com/b.mkv",
		"mailto:someone@example.com",
		"/relative/path.mp4",
		"",
	})
	require.Len(t, got, 2)
	assert.Equal(t, "https://example.com/a.mp4", got[0].String())
	assert.Equal(t, "http://example.com/b.mkv", got[1].String())
}

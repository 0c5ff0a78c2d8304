package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/skyeupload/config"
	"github.com/jkaberg/skyeupload/library"
)

func TestChooseBackend(t *testing.T) {
	const gb = int64(1 << 30)
	candidates := []string{"A", "B"}
	capacity := map[string]int64{"A": 10 * gb, "B": 10 * gb}

	cases := []struct {
		name  string
		usage map[string]int64
		want  string
	}{
		{"empty usage picks first", map[string]int64{}, "A"},
		{"first has headroom", map[string]int64{"A": 5 * gb}, "A"},
		{"first exactly full", map[string]int64{"A": 10 * gb}, "B"},
		{"first over capacity", map[string]int64{"A": 11 * gb, "B": 1}, "B"},
		{"all full overflows to last", map[string]int64{"A": 10 * gb, "B": 12 * gb}, "B"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ChooseBackend(candidates, tc.usage, capacity)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestChooseBackendUnlimited(t *testing.T) {
	got, err := ChooseBackend([]string{"A", "B"}, map[string]int64{"A": 1 << 50}, map[string]int64{"B": 1})
	require.NoError(t, err)
	assert.Equal(t, "A", got)
}

func TestChooseBackendNoCandidates(t *testing.T) {
	_, err := ChooseBackend(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoBackends)
}

func TestNewKey(t *testing.T) {
	k1 := NewKey("Some.Movie.MKV")
	k2 := NewKey("Some.Movie.MKV")
	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasSuffix(k1, ".mkv"))

	assert.NotContains(t, NewKey("noext"), ".")
}

func TestLocalPutGetDelete(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	l, err := NewLocal("local", t.TempDir())
	require.NoError(err)

	data := []byte("0123456789")
	require.NoError(l.Put(ctx, "a.mp4", bytes.NewReader(data), int64(len(data)), "video/mp4"))

	obj, err := l.Get(ctx, "a.mp4")
	require.NoError(err)
	require.Equal(int64(10), obj.Size())

	_, err = obj.Seek(4, io.SeekStart)
	require.NoError(err)
	rest, err := io.ReadAll(obj)
	require.NoError(err)
	require.Equal("456789", string(rest))
	require.NoError(obj.Close())

	require.NoError(l.Delete(ctx, "a.mp4"))
	require.NoError(l.Delete(ctx, "a.mp4"))

	_, err = l.Get(ctx, "a.mp4")
	require.ErrorIs(err, ErrNotFound)
}

func TestLocalPutShortWrite(t *testing.T) {
	l, err := NewLocal("local", t.TempDir())
	require.NoError(t, err)

	err = l.Put(context.Background(), "short.bin", strings.NewReader("abc"), 10, "")
	require.Error(t, err)

	entries, err := os.ReadDir(l.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	l, err := NewLocal("local", t.TempDir())
	require.NoError(t, err)

	_, err = l.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	err = l.Put(context.Background(), "", strings.NewReader("x"), 1, "")
	assert.Error(t, err)
}

func TestLocalTotalStoredBytes(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal("local", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "a", strings.NewReader("12345"), 5, ""))
	require.NoError(t, l.Put(ctx, "sub/b", strings.NewReader("123"), 3, ""))
	require.NoError(t, os.WriteFile(filepath.Join(l.Root(), ".upload-123"), []byte("partial"), 0o600))

	n, err := l.TotalStoredBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestRegistryFromConfigDefaultsToLocal(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistryFromConfig(&config.Storage{}, dir)
	require.NoError(t, err)

	require.NotNil(t, r.Local())
	assert.Equal(t, []string{"local"}, r.Order())

	b, err := r.Choose(nil)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())
}

func TestRegistryRejectsSecondLocal(t *testing.T) {
	c := &config.Storage{Backends: []*config.Backend{
		{Name: "one", Kind: "local", Path: t.TempDir()},
		{Name: "two", Kind: "local", Path: t.TempDir()},
	}}
	_, err := NewRegistryFromConfig(c, t.TempDir())
	assert.Error(t, err)
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	c := &config.Storage{Backends: []*config.Backend{{Name: "x", Kind: "ftp"}}}
	_, err := NewRegistryFromConfig(c, t.TempDir())
	assert.Error(t, err)
}

func TestRegistryChooseByCapacity(t *testing.T) {
	r := NewRegistry()
	a, err := NewLocal("A", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.Register(a, 100))
	require.NoError(t, r.Register(&memBackend{name: "B"}, 100))
	require.Error(t, r.Register(&memBackend{name: "B"}, 0))

	b, err := r.Choose(map[string]int64{"A": 100})
	require.NoError(t, err)
	assert.Equal(t, "B", b.Name())
}

type usageSink struct {
	mu  sync.Mutex
	got []library.UsageSnapshot
}

func (s *usageSink) SetUsage(u library.UsageSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
}

func (s *usageSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestUsageMonitorRefresh(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	l, err := NewLocal("local", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, r.Register(l, 0))
	require.NoError(t, r.Register(&memBackend{name: "broken", listErr: io.ErrUnexpectedEOF}, 0))
	require.NoError(t, l.Put(ctx, "x", strings.NewReader("abcd"), 4, ""))

	sink := &usageSink{}
	m := NewUsageMonitor(r, sink, time.Hour)
	m.Refresh(ctx)

	require.Equal(t, 1, sink.calls())
	assert.Equal(t, library.UsageSnapshot{"local": 4}, sink.got[0])
}

func TestUsageMonitorTrigger(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&memBackend{name: "m"}, 0))

	sink := &usageSink{}
	m := NewUsageMonitor(r, sink, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return sink.calls() >= 1 }, time.Second, 5*time.Millisecond)
	m.Trigger()
	m.Trigger()
	require.Eventually(t, func() bool { return sink.calls() >= 2 }, time.Second, 5*time.Millisecond)
}

// memBackend is an in-memory Backend for tests.
type memBackend struct {
	name    string
	listErr error

	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memBackend) Name() string { return m.name }
func (m *memBackend) Kind() Kind   { return KindS3 }

func (m *memBackend) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.blobs[key] = b
	return nil
}

func (m *memBackend) Get(_ context.Context, key string) (Object, error) {
	return nil, ErrNotFound
}

func (m *memBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memBackend) TotalStoredBytes(context.Context) (int64, error) {
	if m.listErr != nil {
		return 0, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.blobs {
		n += int64(len(b))
	}
	return n, nil
}

package library

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu    sync.Mutex
	saves int
	err   error
	last  *Document
}

func (f *fakePersister) Save(d *Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.err != nil {
		return f.err
	}
	f.last = d.Clone()
	return nil
}

func newTestLibrary(t *testing.T) (*Library, *fakePersister) {
	t.Helper()
	p := &fakePersister{}
	return New(nil, p), p
}

func movie(title string) MediaEntry {
	return MediaEntry{Title: title, Type: Movie, Locator: LocalFile{Path: title + ".mp4"}}
}

func TestAddMedia(t *testing.T) {
	l, p := newTestLibrary(t)

	e, added, err := l.AddMedia(movie("Heat"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotZero(t, e.ID)
	assert.Equal(t, 1, p.saves)
	require.Len(t, p.last.MediaLibrary.Movies, 1)
	assert.Equal(t, "Heat", p.last.MediaLibrary.Movies[0].Title)
}

func TestAddMedia_DuplicateTitleDropped(t *testing.T) {
	l, p := newTestLibrary(t)

	_, _, err := l.AddMedia(movie("Heat"))
	require.NoError(t, err)

	_, added, err := l.AddMedia(movie("  hEAT "))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, l.Catalog().Movies, 1)
	assert.Equal(t, 1, p.saves, "a dropped duplicate must not rewrite the document")

	// same title in the other list is allowed
	_, added, err = l.AddMedia(MediaEntry{Title: "Heat", Type: Show, Locator: LocalFile{Path: "s.mp4"}})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestAddMedia_Validation(t *testing.T) {
	l, p := newTestLibrary(t)

	tests := []struct {
		name  string
		entry MediaEntry
	}{
		{"empty title", MediaEntry{Type: Movie, Locator: LocalFile{Path: "a"}}},
		{"bad type", MediaEntry{Title: "A", Type: "music", Locator: LocalFile{Path: "a"}}},
		{"no locator", MediaEntry{Title: "A", Type: Movie}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.AddMedia(tt.entry)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
	assert.Zero(t, p.saves)
}

func TestIDsAreMonotonic(t *testing.T) {
	l, _ := newTestLibrary(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return fixed }

	a, _, _ := l.AddMedia(movie("A"))
	b, _, _ := l.AddMedia(movie("B"))
	r, _ := l.AddRequest("C", "")
	assert.Equal(t, fixed.UnixMilli(), a.ID)
	assert.Equal(t, a.ID+1, b.ID)
	assert.Equal(t, b.ID+1, r.ID)
}

func TestNew_ContinuesIDsFromDocument(t *testing.T) {
	d := NewDocument()
	d.MediaLibrary.Movies = append(d.MediaLibrary.Movies, MediaEntry{ID: 9_999_999_999_999, Title: "A", Type: Movie, Locator: LocalFile{Path: "a"}})

	l := New(d, nil)
	e, _, err := l.AddMedia(movie("B"))
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000_000_000), e.ID)
}

func TestSearch(t *testing.T) {
	l, _ := newTestLibrary(t)
	_, _, _ = l.AddMedia(movie("The Matrix"))
	_, _, _ = l.AddMedia(movie("Heat"))
	_, _, _ = l.AddMedia(MediaEntry{Title: "Matrix Origins", Type: Show, Locator: LocalFile{Path: "m"}})

	res := l.Search("matrix")
	assert.Len(t, res.Movies, 1)
	assert.Len(t, res.TVShows, 1)

	empty := l.Search("   ")
	assert.NotNil(t, empty.Movies)
	assert.NotNil(t, empty.TVShows)
	assert.Empty(t, empty.Movies)
	assert.Empty(t, empty.TVShows)

	none := l.Search("nothing like this")
	assert.Empty(t, none.Movies)
	assert.Empty(t, none.TVShows)

	b, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"movies":[],"tvShows":[]}`, string(b))
}

func TestRemoveMedia(t *testing.T) {
	l, _ := newTestLibrary(t)
	a, _, _ := l.AddMedia(movie("A"))
	b, _, _ := l.AddMedia(movie("B"))

	removed, err := l.RemoveMedia(Movie, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", removed.Title)

	cat := l.Catalog()
	require.Len(t, cat.Movies, 1)
	assert.Equal(t, b.ID, cat.Movies[0].ID)

	_, err = l.RemoveMedia(Movie, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.RemoveMedia(Show, b.ID)
	assert.ErrorIs(t, err, ErrNotFound, "lookup is scoped to the given type")
}

func TestCatalogIsACopy(t *testing.T) {
	l, _ := newTestLibrary(t)
	_, _, _ = l.AddMedia(movie("A"))

	cat := l.Catalog()
	cat.Movies[0].Title = "changed"
	cat.Movies = append(cat.Movies, movie("B"))

	got := l.Catalog()
	require.Len(t, got.Movies, 1)
	assert.Equal(t, "A", got.Movies[0].Title)
}

func TestRequestLifecycle(t *testing.T) {
	l, _ := newTestLibrary(t)

	r, err := l.AddRequest("Foo", "1080p please")
	require.NoError(t, err)
	assert.Equal(t, Pending, r.Status)
	assert.Equal(t, 1, l.PendingRequests())

	toggled, err := l.ToggleRequest(r.ID)
	require.NoError(t, err)
	assert.Equal(t, Fulfilled, toggled.Status)
	assert.Equal(t, 0, l.PendingRequests())

	back, err := l.ToggleRequest(r.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, back.Status, "toggling twice restores the original status")

	require.NoError(t, l.DeleteRequest(r.ID))
	assert.Empty(t, l.Requests())
	assert.ErrorIs(t, l.DeleteRequest(r.ID), ErrNotFound)
	_, err = l.ToggleRequest(r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.AddRequest(" ", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPersistFailureIsRetriedOnNextMutation(t *testing.T) {
	l, p := newTestLibrary(t)
	p.err = errors.New("disk full")

	_, added, err := l.AddMedia(movie("A"))
	require.NoError(t, err, "persist failures are not surfaced to callers")
	assert.True(t, added)
	assert.True(t, l.Dirty())

	p.err = nil
	_, _, err = l.AddMedia(movie("B"))
	require.NoError(t, err)
	assert.False(t, l.Dirty())
	assert.Len(t, p.last.MediaLibrary.Movies, 2, "the retry carries the earlier change")
}

func TestConcurrentMutationsAreNotLost(t *testing.T) {
	l, p := newTestLibrary(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = l.AddMedia(MediaEntry{Title: time.Duration(i).String(), Type: Movie, Locator: LocalFile{Path: "x"}})
		}(i)
	}
	wg.Wait()

	assert.Len(t, l.Catalog().Movies, 50)
	assert.Len(t, p.last.MediaLibrary.Movies, 50)
}

func TestUsage(t *testing.T) {
	l, p := newTestLibrary(t)

	l.SetUsage(UsageSnapshot{"a": 10, "b": 20})
	l.AddUsage("a", 5)
	l.SetUsage(UsageSnapshot{"b": 1})

	assert.Equal(t, UsageSnapshot{"a": 15, "b": 1}, l.Usage())
	assert.Equal(t, int64(15), p.last.StorageUsage["a"])
}

func TestParseMediaType(t *testing.T) {
	for in, want := range map[string]MediaType{"movie": Movie, "Movies": Movie, "show": Show, "tvShows": Show} {
		got, err := ParseMediaType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMediaType("music")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMediaEntryJSON(t *testing.T) {
	e := MediaEntry{ID: 7, Title: "T", Type: Show, Locator: ObjectRef{Backend: "b2", Bucket: "bk", Key: "k"}}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"title":"T","type":"show","streamType":"objectStore","locator":{"backendName":"b2","bucketName":"bk","objectKey":"k"}}`, string(b))

	var back MediaEntry
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, e, back)

	assert.Error(t, json.Unmarshal([]byte(`{"id":1,"streamType":"ftp","locator":{}}`), &back))
}

func TestTitleFromFilename(t *testing.T) {
	cases := map[string]string{
		"Big.Buck.Bunny.mp4":                 "Big Buck Bunny",
		"/videos/the_matrix-1999.mkv":        "the matrix 1999",
		"Night%20of%20the%20Living+Dead.avi": "Night of the Living Dead",
		"no_extension":                       "no extension",
		"  spaced__out  .mov":                "spaced out",
		"":                                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, TitleFromFilename(in), in)
	}
}

package ingest

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namehu/PixiShelf-sub001/internal/store"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ProgressInterval = 0
	opts.ProbeDimensions = false
	return opts
}

func newTestScanner(t *testing.T) (*Scanner, *store.Store) {
	s := newTestStore(t)
	return NewScanner(s, testOptions(), quietLogger()), s
}

// collect runs a scan and returns its result and every event it sent.
func collect(ctx context.Context, t *testing.T, sc *Scanner, req Request) (*Result, []Event, error) {
	t.Helper()
	events := make(chan Event)
	var got []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			got = append(got, ev)
		}
	}()
	res, err := sc.Scan(ctx, req, events)
	close(events)
	<-done
	return res, got, err
}

func counts(t *testing.T, s *store.Store) store.Counts {
	t.Helper()
	c, err := s.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func TestScanImportsArtwork(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "Alice", "123"), meta("123", "T", "Alice", "1", "a", "b"), "123", "123_p0.jpg", "123_p1.jpg", "notes.txt")
	sc, s := newTestScanner(t)

	res, events, err := collect(context.Background(), t, sc, Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.TotalArtworks)
	assert.Equal(t, 1, res.NewArtists)
	assert.Equal(t, 1, res.NewArtworks)
	assert.Equal(t, 2, res.NewImages)
	assert.Equal(t, 2, res.NewTags)
	assert.Equal(t, 2, res.NewRelations)
	assert.Zero(t, res.SkippedArtworks)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.ScanID)

	assert.Equal(t, store.Counts{Artists: 1, Artworks: 1, Images: 2, Tags: 2, ArtworkTags: 2}, counts(t, s))

	var dir string
	require.NoError(t, s.DB().Get(&dir, "SELECT directory_path FROM artwork WHERE external_id = ?", "123"))
	assert.Equal(t, "Alice/123", dir)
	var paths []string
	require.NoError(t, s.DB().Select(&paths, "SELECT path FROM image ORDER BY sort_order"))
	assert.Equal(t, []string{"Alice/123/123_p0.jpg", "Alice/123/123_p1.jpg"}, paths)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, StateComplete, last.Phase)
	assert.Equal(t, 100.0, last.Percentage)
	require.NotNil(t, last.Result)
	assert.Equal(t, res.ScanID, last.Result.ScanID)
	prev := 0.0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Percentage, prev)
		assert.Equal(t, res.ScanID, ev.ScanID)
		prev = ev.Percentage
	}
}

func TestRescanSkipsKnownArtworks(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "123"), meta("123", "T", "Alice", "1", "a"), "123", "123_p0.jpg")
	sc, s := newTestScanner(t)

	_, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	before := counts(t, s)

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.SkippedArtworks)
	assert.Zero(t, res.NewArtworks)
	assert.Zero(t, res.NewArtists)
	assert.Equal(t, before, counts(t, s))
}

func TestScanRejectsRecordWithoutUserID(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "Good", "Alice", "1"), "1", "1.png")
	artworkDir(t, filepath.Join(root, "2"), meta("2", "Bad", "Bob", ""), "2", "2.png")
	sc, s := newTestScanner(t)

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 2, res.TotalArtworks)
	assert.Equal(t, 1, res.NewArtworks)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrorParse, res.Errors[0].Kind)
	assert.Equal(t, "2", res.Errors[0].ExternalID)
	assert.Contains(t, res.Errors[0].Message, "UserID")
	assert.EqualValues(t, 1, counts(t, s).Artworks)
}

func TestScanDuplicateIdentifier(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "a", "999"), meta("999", "First", "Alice", "1"), "999", "999_p0.jpg")
	artworkDir(t, filepath.Join(root, "b", "999"), meta("999", "Second", "Alice", "1"), "999", "999_p0.jpg")
	sc, s := newTestScanner(t)

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalArtworks)
	assert.Equal(t, 1, res.NewArtworks)
	assert.Equal(t, 1, res.CountErrors(ErrorDuplicateIdentifier))

	var title string
	require.NoError(t, s.DB().Get(&title, "SELECT title FROM artwork WHERE external_id = ?", "999"))
	assert.Equal(t, "First", title)
}

func TestScanReportsArtworkWithoutMedia(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "5"), meta("5", "T", "Alice", "1"), "5", "6_p0.jpg")
	sc, s := newTestScanner(t)

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.CountErrors(ErrorAssociation))
	assert.Zero(t, res.NewArtworks)
	assert.Equal(t, store.Counts{}, counts(t, s))
}

func TestScanIDMustMatchFileName(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "5"), meta("6", "T", "Alice", "1"), "5", "5_p0.jpg")
	sc, _ := newTestScanner(t)

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CountErrors(ErrorParse))
	assert.Zero(t, res.NewArtworks)
}

func TestForcedScanRebuilds(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Alice", "1", "sky"), "1", "1_p0.jpg", "1_p1.jpg")
	sc, s := newTestScanner(t)

	_, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)

	res, err := sc.Scan(context.Background(), Request{Root: root, Force: true}, nil)
	require.NoError(t, err)
	assert.True(t, res.Force)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.RemovedArtworks)
	assert.Equal(t, 1, res.RemovedArtists)
	assert.Equal(t, 2, res.RemovedImages)
	assert.Equal(t, 1, res.RemovedTags)
	assert.Equal(t, 1, res.NewArtworks)
	assert.Equal(t, 2, res.NewImages)
	assert.Zero(t, res.SkippedArtworks)
	assert.Equal(t, store.Counts{Artists: 1, Artworks: 1, Images: 2, Tags: 1, ArtworkTags: 1}, counts(t, s))
}

func TestScanCleansUpOrphans(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sc, s := newTestScanner(t)

	_, err := s.InsertArtists(ctx, []store.Artist{{Name: "Gone", UserID: strPtr("77")}})
	require.NoError(t, err)
	_, err = s.InsertTags(ctx, []string{"unused"})
	require.NoError(t, err)

	res, err := sc.Scan(ctx, Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1, res.RemovedArtists)
	assert.Equal(t, 1, res.RemovedTags)
	assert.Equal(t, store.Counts{}, counts(t, s))
}

func TestScanRenamesArtist(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Old", "4"), "1", "1.jpg")
	sc, s := newTestScanner(t)
	_, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)

	artworkDir(t, filepath.Join(root, "2"), meta("2", "T", "New", "4"), "2", "2.jpg")
	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedArtists)
	assert.Equal(t, 1, res.NewArtworks)
	assert.Equal(t, 1, res.SkippedArtworks)

	var name string
	require.NoError(t, s.DB().Get(&name, "SELECT name FROM artist WHERE user_id = ?", "4"))
	assert.Equal(t, "New", name)
}

func TestScanDecomposesArtistLabel(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Dora (55)", "55"), "1", "1.jpg")
	sc, s := newTestScanner(t)
	_, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)

	var username string
	require.NoError(t, s.DB().Get(&username, "SELECT username FROM artist WHERE user_id = ?", "55"))
	assert.Equal(t, "Dora", username)
}

func TestScanSanitizesDescriptionAndProbes(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "1")
	writeFile(t, filepath.Join(dir, "1-meta.txt"), meta("1", "T", "Alice", "1")+"Description\n<script>alert(1)</script>hello <b>world</b>\n")
	f, err := os.Create(filepath.Join(dir, "1_p0.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	require.NoError(t, f.Close())

	s := newTestStore(t)
	opts := testOptions()
	opts.ProbeDimensions = true
	sc := NewScanner(s, opts, quietLogger())
	_, err = sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)

	var desc string
	require.NoError(t, s.DB().Get(&desc, "SELECT description FROM artwork WHERE external_id = ?", "1"))
	assert.Equal(t, "hello <b>world</b>", desc)

	var dims struct {
		Width  int `db:"width"`
		Height int `db:"height"`
	}
	require.NoError(t, s.DB().Get(&dims, "SELECT width, height FROM image"))
	assert.Equal(t, 4, dims.Width)
	assert.Equal(t, 3, dims.Height)
}

func TestScanMissingRootFails(t *testing.T) {
	sc, _ := newTestScanner(t)
	res, events, err := collect(context.Background(), t, sc, Request{Root: filepath.Join(t.TempDir(), "missing")})
	require.ErrorIs(t, err, ErrDiscovery)
	assert.True(t, IsDiscoveryError(err))
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.CountErrors(ErrorDiscovery))
	require.NotEmpty(t, events)
	assert.Equal(t, StateFailed, events[len(events)-1].Phase)
	assert.False(t, sc.Running())
}

func TestForcedScanKeepsLibraryWhenRootMissing(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Alice", "1", "sky"), "1", "1_p0.jpg")
	sc, s := newTestScanner(t)
	_, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	before := counts(t, s)

	res, err := sc.Scan(context.Background(), Request{Root: filepath.Join(root, "gone"), Force: true}, nil)
	assert.True(t, IsDiscoveryError(err))
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, res.RemovedArtworks)
	assert.Zero(t, res.RemovedArtists)
	assert.Equal(t, before, counts(t, s))
}

func TestScanCancellation(t *testing.T) {
	root := t.TempDir()
	for i := range 20 {
		id := strconv.Itoa(100 + i)
		artworkDir(t, filepath.Join(root, id), meta(id, "T", "Alice", "1"), id, id+"_p0.jpg")
	}
	s := newTestStore(t)
	opts := testOptions()
	opts.ChunkSize = 5
	sc := NewScanner(s, opts, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event)
	var last Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Phase == StateProcessing && ev.Current != nil && *ev.Current >= 2 {
				cancel()
			}
			last = ev
		}
	}()
	res, err := sc.Scan(ctx, Request{Root: root}, events)
	close(events)
	<-done

	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, StateCancelled, last.Phase)
	assert.Less(t, res.NewArtworks, 20)

	// everything the result reports was written, and nothing else
	c := counts(t, s)
	assert.EqualValues(t, res.NewArtworks, c.Artworks)
	assert.EqualValues(t, res.NewImages, c.Images)
	assert.Zero(t, res.RemovedArtists)
}

func TestScanCancelledBeforeStart(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Alice", "1"), "1", "1.jpg")
	sc, s := newTestScanner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := sc.Scan(ctx, Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, store.Counts{}, counts(t, s))
}

func TestOnlyOneScanRuns(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Alice", "1"), "1", "1.jpg")
	sc, _ := newTestScanner(t)
	assert.False(t, sc.Cancel())

	events := make(chan Event)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := sc.Scan(context.Background(), Request{Root: root}, events)
		assert.NoError(t, err)
	}()

	// the first scan is now blocked on its first event
	first := <-events
	assert.Equal(t, StateDiscovering, first.Phase)
	assert.True(t, sc.Running())

	_, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	assert.ErrorIs(t, err, ErrScanInProgress)

	for ev := range events {
		if ev.Terminal() {
			break
		}
	}
	wg.Wait()
	assert.False(t, sc.Running())
}

func TestCancelStopsRunningScan(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Alice", "1"), "1", "1.jpg")
	sc, _ := newTestScanner(t)

	events := make(chan Event)
	resCh := make(chan *Result, 1)
	go func() {
		res, _ := sc.Scan(context.Background(), Request{Root: root}, events)
		resCh <- res
	}()
	<-events
	assert.True(t, sc.Cancel())

	for ev := range events {
		if ev.Terminal() {
			break
		}
	}
	select {
	case res := <-resCh:
		assert.Equal(t, StateCancelled, res.State)
	case <-time.After(10 * time.Second):
		t.Fatal("scan did not stop")
	}
}

func TestDiscoverDepthAndOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "2-meta.txt"), "")
	writeFile(t, filepath.Join(root, "a", "1-meta.txt"), "")
	writeFile(t, filepath.Join(root, "a", "x", "y", "3-meta.txt"), "")
	writeFile(t, filepath.Join(root, "a", "other.txt"), "")

	var seen int
	found, err := discover(context.Background(), root, 2, func(n int) { seen = n }, func(string, error) {})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "1", found[0].ExternalID)
	assert.Equal(t, filepath.Join(root, "a"), found[0].Dir)
	assert.Equal(t, "2", found[1].ExternalID)
	assert.Equal(t, 2, seen)

	found, err = discover(context.Background(), root, 3, func(int) {}, func(string, error) {})
	require.NoError(t, err)
	assert.Len(t, found, 3)

	_, err = discover(context.Background(), filepath.Join(root, "a", "1-meta.txt"), 3, func(int) {}, func(string, error) {})
	assert.ErrorIs(t, err, ErrDiscovery)
}

func TestScanFlushesWithinChunk(t *testing.T) {
	root := t.TempDir()
	for i := 1; i <= 6; i++ {
		id := strconv.Itoa(i)
		artworkDir(t, filepath.Join(root, id), meta(id, "T", "Alice", "1", "sky"), id, id+"_p0.jpg")
	}
	s := newTestStore(t)
	opts := testOptions()
	opts.ChunkSize = 100
	opts.Flow.FlushThreshold = 1
	opts.Flow.InitialConcurrency = 1
	opts.Flow.MemoryBudget = 0
	sc := NewScanner(s, opts, quietLogger())

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	// one chunk, but every artwork crosses the threshold on its own
	assert.Equal(t, 6, res.Batches)
	assert.Equal(t, 6, res.NewArtworks)
	assert.Equal(t, 6, res.NewImages)
	assert.Equal(t, 1, res.NewTags)
	assert.Equal(t, 6, res.NewRelations)
	assert.Empty(t, res.Errors)
	assert.Equal(t, store.Counts{Artists: 1, Artworks: 6, Images: 6, Tags: 1, ArtworkTags: 6}, counts(t, s))
}

func TestScanUnderMemoryPressure(t *testing.T) {
	root := t.TempDir()
	for i := 1; i <= 12; i++ {
		id := strconv.Itoa(i)
		artworkDir(t, filepath.Join(root, id), meta(id, "T", "Alice", "1"), id, id+"_p0.jpg")
	}
	var samples atomic.Int64
	s := newTestStore(t)
	opts := testOptions()
	opts.ChunkSize = 6
	opts.Flow.FlushThreshold = 1000
	opts.Flow.FlushInterval = time.Hour
	opts.Flow.InitialConcurrency = 1
	opts.Flow.MemoryBudget = 100
	opts.Flow.MemoryWait = 100 * time.Millisecond
	opts.Flow.MemoryPoll = 5 * time.Millisecond
	opts.Flow.heap = func() uint64 {
		samples.Add(1)
		return 1 << 40
	}
	sc := NewScanner(s, opts, quietLogger())

	start := time.Now()
	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 12, res.NewArtworks)
	assert.Empty(t, res.Errors)
	assert.EqualValues(t, 12, counts(t, s).Artworks)
	assert.Positive(t, samples.Load())
	// a constrained heap flushes every staged artwork right away
	assert.Equal(t, 12, res.Batches)
	// one bounded wait per chunk, not per artwork
	assert.Less(t, time.Since(start), 12*opts.Flow.MemoryWait)
}

// imagelessStore refuses every image so artworks end up without any.
type imagelessStore struct {
	*store.Store
}

var errNoImages = errors.New("images refused")

func (imagelessStore) InsertImages(context.Context, []store.Image) (int64, error) {
	return 0, errNoImages
}

func (imagelessStore) InsertImage(context.Context, store.Image) error {
	return errNoImages
}

func TestScanDoesNotCountArtworksRemovedByCleanup(t *testing.T) {
	root := t.TempDir()
	artworkDir(t, filepath.Join(root, "1"), meta("1", "T", "Alice", "1", "sky"), "1", "1_p0.jpg")
	s := newTestStore(t)
	sc := NewScanner(imagelessStore{s}, testOptions(), quietLogger())

	res, err := sc.Scan(context.Background(), Request{Root: root}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Zero(t, res.NewArtworks)
	assert.Zero(t, res.NewImages)
	assert.Equal(t, 1, res.RemovedArtworks)
	assert.Positive(t, res.CountErrors(ErrorBatchWrite))
	assert.Zero(t, counts(t, s).Artworks)
}

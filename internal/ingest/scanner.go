// Package ingest imports a directory tree of artwork folders into the store.
//
// A scan walks the root for "{id}-meta.txt" files, parses each one, pairs it
// with the media files next to it, and writes artists, artworks, images, tags
// and their relations through a BatchWriter. Progress is reported on a
// channel and the scan stops cooperatively when its context is cancelled.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"github.com/namehu/PixiShelf-sub001/internal/media"
	"github.com/namehu/PixiShelf-sub001/internal/metadata"
	"github.com/namehu/PixiShelf-sub001/internal/store"
)

type Options struct {
	// ChunkSize is the number of artworks processed between forced flushes.
	ChunkSize        int
	MaxDepth         int
	ParseConcurrency int
	// BatchTimeout bounds every store call made while writing.
	BatchTimeout     time.Duration
	ProbeDimensions  bool
	ProgressInterval time.Duration
	Flow             FlowConfig
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:        200,
		MaxDepth:         6,
		ParseConcurrency: 8,
		BatchTimeout:     2 * time.Minute,
		ProbeDimensions:  true,
		ProgressInterval: 250 * time.Millisecond,
		Flow:             DefaultFlowConfig(),
	}
}

type Request struct {
	Root  string
	Force bool
}

// Scanner runs at most one scan at a time.
type Scanner struct {
	repo   Repository
	opts   Options
	logger *slog.Logger
	policy *bluemonday.Policy

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

func NewScanner(repo Repository, opts Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	d := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = d.ChunkSize
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = d.MaxDepth
	}
	if opts.ParseConcurrency <= 0 {
		opts.ParseConcurrency = d.ParseConcurrency
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = d.BatchTimeout
	}
	if opts.ProgressInterval < 0 {
		opts.ProgressInterval = 0
	}
	return &Scanner{repo: repo, opts: opts, logger: logger, policy: bluemonday.UGCPolicy()}
}

func (s *Scanner) Running() bool {
	return s.running.Load()
}

// Cancel asks the running scan to stop. It reports whether one was running.
func (s *Scanner) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Scan imports req.Root. Events are sent on events, which the caller must
// drain until Scan returns; the last event carries the Result. A cancelled
// scan is not an error. Only an unusable root makes Scan return an error, and
// the Result is still returned with it.
func (s *Scanner) Scan(ctx context.Context, req Request, events chan<- Event) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	return s.newRun(req, events).execute(ctx)
}

type parsed struct {
	candidate
	record *metadata.Record
}

// run is the state of one scan. Nothing in it outlives the scan.
type run struct {
	s        *Scanner
	req      Request
	lib      *media.Library
	logger   *slog.Logger
	cache    *EntityCache
	writer   *BatchWriter
	flow     *FlowController
	progress *progress

	processed atomic.Int64

	mu  sync.Mutex
	res *Result
	// staged holds the external ids this scan handed to the writer.
	staged map[string]struct{}
}

func (s *Scanner) newRun(req Request, events chan<- Event) *run {
	id := uuid.NewString()
	logger := s.logger.With("scan_id", id)
	cache := NewEntityCache(s.repo)
	return &run{
		s:        s,
		req:      req,
		lib:      media.NewLibrary(req.Root),
		logger:   logger,
		cache:    cache,
		writer:   NewBatchWriter(s.repo, cache, s.opts.BatchTimeout, logger),
		flow:     NewFlowController(s.opts.Flow),
		progress: newProgress(id, events, s.opts.ProgressInterval),
		staged:   make(map[string]struct{}),
		res: &Result{
			ScanID:    id,
			Root:      req.Root,
			Force:     req.Force,
			State:     StateIdle,
			Errors:    []ScanError{},
			StartedAt: time.Now(),
		},
	}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	r.logger.Info("scan started", "root", r.req.Root, "force", r.req.Force)

	r.setState(StateDiscovering)
	r.progress.update(StateDiscovering, "discovering metadata files", 0, -1, true)
	if r.req.Force {
		// only wipe a library that can be scanned again
		if err := checkRoot(r.req.Root); err != nil {
			return r.fail(err)
		}
		if err := r.wipe(ctx); err != nil {
			return r.fail(err)
		}
	}
	found, err := discover(ctx, r.req.Root, r.s.opts.MaxDepth,
		func(n int) { r.progress.update(StateDiscovering, "discovering metadata files", n, -1, false) },
		func(path string, err error) { r.logger.Warn("skipping unreadable path", "path", path, "error", err) },
	)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx)
		}
		return r.fail(err)
	}
	work := r.dedupe(found)
	work = r.excludeExisting(ctx, work)
	r.progress.update(StateDiscovering, fmt.Sprintf("%d artworks to import", len(work)), len(found), len(found), true)
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}

	r.setState(StateResolving)
	items := r.parseAll(ctx, work)
	r.preload(ctx, items)
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}

	r.setState(StateProcessing)
	r.processAll(ctx, items)
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}
	r.flush(ctx)

	r.setState(StateCleanup)
	r.cleanup(ctx)
	return r.finish(StateComplete), nil
}

func (r *run) setState(st State) {
	r.mu.Lock()
	r.res.State = st
	r.mu.Unlock()
	r.logger.Debug("scan phase", "phase", st)
}

func (r *run) addError(e ScanError) {
	r.logger.Warn("artwork skipped", "kind", e.Kind, "path", e.Path, "external_id", e.ExternalID, "error", e.Message)
	r.mu.Lock()
	r.res.Errors = append(r.res.Errors, e)
	r.mu.Unlock()
}

func (r *run) finish(st State) *Result {
	r.mu.Lock()
	r.res.State = st
	r.res.Elapsed = time.Since(r.res.StartedAt)
	res := r.res
	r.mu.Unlock()

	r.logger.Info("scan finished", "state", st, "total", res.TotalArtworks, "new_artworks", res.NewArtworks,
		"skipped", res.SkippedArtworks, "errors", len(res.Errors), "elapsed", res.Elapsed)
	r.progress.finish(res)
	return res
}

func (r *run) fail(err error) (*Result, error) {
	r.addError(ScanError{Kind: ErrorDiscovery, Path: r.req.Root, Message: err.Error()})
	return r.finish(StateFailed), err
}

// cancelled writes whatever is already staged before reporting the scan as
// cancelled. Cleanup is skipped.
func (r *run) cancelled(ctx context.Context) (*Result, error) {
	r.flush(ctx)
	return r.finish(StateCancelled), nil
}

func (r *run) wipe(ctx context.Context) error {
	for _, kind := range store.WipeOrder {
		n, err := r.s.repo.DeleteAll(ctx, kind)
		if err != nil {
			return fmt.Errorf("wipe %s: %w", kind, err)
		}
		r.mu.Lock()
		switch kind {
		case store.KindArtist:
			r.res.RemovedArtists += int(n)
		case store.KindArtwork:
			r.res.RemovedArtworks += int(n)
		case store.KindImage:
			r.res.RemovedImages += int(n)
		case store.KindTag:
			r.res.RemovedTags += int(n)
		}
		r.mu.Unlock()
	}
	r.logger.Info("library wiped for forced rescan")
	return nil
}

// dedupe keeps the first file claiming each external id.
func (r *run) dedupe(found []candidate) []candidate {
	r.mu.Lock()
	r.res.TotalArtworks = len(found)
	r.mu.Unlock()

	first := make(map[string]string, len(found))
	out := make([]candidate, 0, len(found))
	for _, c := range found {
		if prev, ok := first[c.ExternalID]; ok {
			r.addError(ScanError{
				Kind:       ErrorDuplicateIdentifier,
				Path:       c.Path,
				ExternalID: c.ExternalID,
				Message:    "external id already claimed by " + prev,
			})
			continue
		}
		first[c.ExternalID] = c.Path
		out = append(out, c)
	}
	return out
}

// excludeExisting drops artworks already in the store unless the scan is
// forced. A failed lookup imports everything; duplicates are then skipped by
// the writer.
func (r *run) excludeExisting(ctx context.Context, work []candidate) []candidate {
	if r.req.Force || len(work) == 0 {
		return work
	}
	ids := make([]string, len(work))
	for i, c := range work {
		ids[i] = c.ExternalID
	}
	lctx, cancel := context.WithTimeout(ctx, r.s.opts.BatchTimeout)
	defer cancel()
	existing, err := r.s.repo.ArtworkIDs(lctx, ids)
	if err != nil {
		r.logger.Warn("existing artwork lookup failed", "error", err)
		return work
	}
	out := work[:0]
	for _, c := range work {
		if _, ok := existing[c.ExternalID]; ok {
			continue
		}
		out = append(out, c)
	}
	r.mu.Lock()
	r.res.SkippedArtworks += len(work) - len(out)
	r.mu.Unlock()
	return out
}

func (r *run) parseAll(ctx context.Context, work []candidate) []parsed {
	records := make([]*metadata.Record, len(work))
	var done atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.s.opts.ParseConcurrency)
	for i, c := range work {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rec, err := parseFile(c)
			if err != nil {
				r.addError(ScanError{Kind: ErrorParse, Path: c.Path, ExternalID: c.ExternalID, Message: err.Error()})
			} else {
				records[i] = rec
			}
			r.progress.update(StateResolving, "reading metadata", int(done.Add(1)), len(work), false)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]parsed, 0, len(work))
	for i, rec := range records {
		if rec != nil {
			out = append(out, parsed{candidate: work[i], record: rec})
		}
	}
	return out
}

func parseFile(c candidate) (*metadata.Record, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, err
	}
	rec, err := metadata.Parse(data)
	if err != nil {
		return nil, err
	}
	if rec.ID != c.ExternalID {
		return nil, fmt.Errorf("%w: ID %s does not match file name", metadata.ErrInvalidRecord, rec.ID)
	}
	return rec, nil
}

func (r *run) preload(ctx context.Context, items []parsed) {
	var userIDs, names, tags []string
	for _, it := range items {
		artist, err := r.artistRow(it.record)
		if err != nil {
			continue
		}
		if artist.UserID != "" {
			userIDs = append(userIDs, artist.UserID)
		} else {
			names = append(names, artist.Name)
		}
		tags = append(tags, it.record.Tags...)
	}
	r.progress.update(StateResolving, "loading known artists and tags", 0, -1, true)

	lctx, cancel := context.WithTimeout(ctx, r.s.opts.BatchTimeout)
	defer cancel()
	if err := r.cache.PreloadArtists(lctx, userIDs, names); err != nil {
		r.logger.Warn("artist preload failed", "error", err)
	}
	if err := r.cache.PreloadTags(lctx, tags); err != nil {
		r.logger.Warn("tag preload failed", "error", err)
	}
	r.progress.update(StateResolving, "known artists and tags loaded", 1, 1, true)
}

func (r *run) processAll(ctx context.Context, items []parsed) {
	total := len(items)
	r.progress.update(StateProcessing, "importing artworks", 0, total, true)
	for start := 0; start < total; start += r.s.opts.ChunkSize {
		if ctx.Err() != nil {
			return
		}
		end := min(start+r.s.opts.ChunkSize, total)
		r.processChunk(ctx, items[start:end], total)
		r.flush(ctx)
		r.progress.update(StateProcessing, "importing artworks", int(r.processed.Load()), total, true)
	}
}

func (r *run) processChunk(ctx context.Context, chunk []parsed, total int) {
	r.relieveMemory(ctx)

	var g errgroup.Group
	g.SetLimit(r.flow.Level())
	for _, it := range chunk {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r.processOne(it)
			n := int(r.processed.Add(1))
			r.progress.update(StateProcessing, "imported "+it.ExternalID, n, total, false)
			if r.flow.ShouldFlush() {
				r.flush(ctx)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// relieveMemory runs once per chunk. Under memory pressure it writes what is
// staged and waits for the heap to drop; if it does not, the chunk runs with
// one worker fewer.
func (r *run) relieveMemory(ctx context.Context) {
	if !r.flow.IsMemoryConstrained() {
		return
	}
	r.flush(ctx)
	if r.flow.WaitForMemory(ctx) || ctx.Err() != nil {
		return
	}
	level := r.flow.Shed()
	r.logger.Warn("memory still constrained, lowering concurrency", "level", level)
}

func (r *run) processOne(it parsed) {
	start := time.Now()
	defer func() { r.flow.NextConcurrencyLevel(time.Since(start)) }()

	files, err := media.Collect(it.Dir, it.ExternalID)
	if err != nil {
		r.addError(ScanError{Kind: ErrorAssociation, Path: it.Dir, ExternalID: it.ExternalID, Message: err.Error()})
		return
	}
	if len(files) == 0 {
		r.addError(ScanError{Kind: ErrorAssociation, Path: it.Dir, ExternalID: it.ExternalID, Message: "no media files"})
		return
	}
	draft, err := r.draft(it, files)
	if err != nil {
		r.addError(ScanError{Kind: ErrorParse, Path: it.Path, ExternalID: it.ExternalID, Message: err.Error()})
		return
	}
	r.flow.RecordStaged(r.writer.StageDraft(draft))
	r.mu.Lock()
	r.staged[it.ExternalID] = struct{}{}
	r.mu.Unlock()
}

func (r *run) artistRow(rec *metadata.Record) (ArtistRow, error) {
	parts := r.cache.DecomposeArtistName(rec.Author)
	userID := rec.AuthorID
	if userID == "" && parts.Structured {
		userID = parts.UserID
	}
	username := ""
	if parts.Structured {
		username = parts.Username
	}
	return NewArtistRow(userID, rec.Author, username)
}

func (r *run) draft(it parsed, files []media.File) (ArtworkDraft, error) {
	rec := it.record
	artist, err := r.artistRow(rec)
	if err != nil {
		return ArtworkDraft{}, err
	}
	dir, err := r.lib.Rel(it.Dir)
	if err != nil {
		return ArtworkDraft{}, err
	}
	artwork, err := NewArtworkRow(store.Artwork{
		ExternalID:    rec.ID,
		Title:         rec.Title,
		Description:   r.s.policy.Sanitize(rec.Description),
		ImageCount:    len(files),
		IsRestricted:  rec.Restricted,
		IsAIGenerated: rec.AIGenerated,
		Size:          rec.Size,
		BookmarkCount: rec.Bookmarks,
		SourceDate:    rec.Date,
		SourceURL:     rec.SourceURL,
		OriginalURL:   rec.OriginalURL,
		ThumbnailURL:  rec.ThumbnailURL,
		DirectoryPath: dir,
	}, artist.Key())
	if err != nil {
		return ArtworkDraft{}, err
	}

	d := ArtworkDraft{Artist: artist, Artwork: artwork}
	for _, f := range files {
		path, err := r.lib.Rel(f.Path)
		if err != nil {
			return ArtworkDraft{}, err
		}
		img := store.Image{Path: path, Size: f.Size, SortOrder: f.SortOrder, MediaType: f.Type}
		if r.s.opts.ProbeDimensions && f.Type == media.TypeImage {
			if w, h, ok := media.Probe(f.Path); ok {
				img.Width, img.Height = &w, &h
			}
		}
		row, err := NewImageRow(rec.ID, img)
		if err != nil {
			return ArtworkDraft{}, err
		}
		d.Images = append(d.Images, row)
	}
	for _, name := range rec.Tags {
		tag, err := NewTagRow(name)
		if err != nil {
			continue
		}
		rel, err := NewArtworkTagRow(rec.ID, tag.Name)
		if err != nil {
			continue
		}
		d.Tags = append(d.Tags, tag)
		d.Relations = append(d.Relations, rel)
	}
	return d, nil
}

func (r *run) flush(ctx context.Context) {
	b := r.writer.Flush(ctx)
	r.flow.ResetAfterFlush()
	r.flow.RecordStaged(r.writer.Pending())
	if b.Empty() {
		return
	}
	for _, e := range b.Errors {
		r.logger.Warn("row not written", "kind", e.Kind, "external_id", e.Row.ExternalID(), "error", e.Message)
	}
	r.mu.Lock()
	r.res.addBatch(b)
	r.mu.Unlock()
}

func (r *run) cleanup(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"artworks without images", r.sweepArtworks},
		{"orphan artists", r.sweep(r.s.repo.DeleteOrphanArtists, &r.res.RemovedArtists)},
		{"orphan tags", r.sweep(r.s.repo.DeleteOrphanTags, &r.res.RemovedTags)},
	}
	for i, step := range steps {
		r.progress.update(StateCleanup, "removing "+step.name, i, len(steps), true)
		sctx, cancel := context.WithTimeout(ctx, r.s.opts.BatchTimeout)
		err := step.run(sctx)
		cancel()
		if err != nil {
			r.addError(ScanError{Kind: ErrorCleanup, Message: fmt.Sprintf("remove %s: %v", step.name, err)})
		}
	}
	r.progress.update(StateCleanup, "cleanup done", len(steps), len(steps), true)
}

func (r *run) sweep(del func(context.Context) (int64, error), count *int) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := del(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		*count += int(n)
		r.mu.Unlock()
		return nil
	}
}

// sweepArtworks removes artworks left without images. Those created by this
// scan no longer count as new.
func (r *run) sweepArtworks(ctx context.Context) error {
	removed, err := r.s.repo.DeleteArtworksWithoutImages(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.RemovedArtworks += len(removed)
	for _, id := range removed {
		if _, ok := r.staged[id]; ok && r.res.NewArtworks > 0 {
			r.res.NewArtworks--
		}
	}
	return nil
}

// IsDiscoveryError reports whether err came from an unusable scan root.
func IsDiscoveryError(err error) bool {
	return errors.Is(err, ErrDiscovery)
}

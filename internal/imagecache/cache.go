package imagecache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/joylabs/catalogd/internal/catalog"
	"github.com/joylabs/catalogd/internal/events"
	"github.com/joylabs/catalogd/internal/telemetry"
)

const (
	defaultMaxBytes     = 256 << 20
	defaultConcurrency  = 4
	defaultFetchTimeout = 15 * time.Second
	// touchFlushBatch is how many access-time updates are buffered before
	// they are written to the index.
	touchFlushBatch = 64
)

type Options struct {
	Logger       *zap.Logger
	Metrics      telemetry.Metrics
	Events       *events.Bus
	Fetcher      Fetcher
	MaxBytes     int64
	Concurrency  int
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Image is a loaded blob. Data is shared between coalesced callers and must
// not be modified.
type Image struct {
	ID          string
	ContentType string
	Data        []byte
	SizeBytes   int64
	FromCache   bool
}

type Stats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// Cache keeps fetched images on disk, keyed by image id, under a byte
// budget. Least-recently-accessed entries are evicted first.
type Cache struct {
	blobDir      string
	index        *index
	fetcher      Fetcher
	logger       *zap.Logger
	metrics      telemetry.Metrics
	bus          *events.Bus
	maxBytes     int64
	fetchTimeout time.Duration
	now          func() time.Time

	gate  *semaphore.Weighted
	group singleflight.Group

	mu      sync.Mutex
	lru     *list.List
	entries map[string]*list.Element
	// touched holds ids whose LastAccessedAt changed since the last flush.
	touched map[string]struct{}
	used    int64
	closed  bool
}

func Open(dir string, opts Options) (*Cache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("image cache dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(nil, 0)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure image blob dir: %w", err)
	}
	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}
	c := &Cache{
		blobDir:      blobDir,
		index:        idx,
		fetcher:      opts.Fetcher,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		bus:          opts.Events,
		maxBytes:     opts.MaxBytes,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
		gate:         semaphore.NewWeighted(int64(opts.Concurrency)),
		lru:          list.New(),
		entries:      make(map[string]*list.Element),
		touched:      make(map[string]struct{}),
	}
	if err := c.load(); err != nil {
		_ = idx.close()
		return nil, err
	}
	return c, nil
}

// load rebuilds the LRU from the index, dropping records whose blob is gone.
func (c *Cache) load() error {
	records, broken, err := c.index.all()
	if err != nil {
		return fmt.Errorf("read image index: %w", err)
	}
	slices.SortFunc(records, func(a, b CachedImage) int {
		return a.LastAccessedAt.Compare(b.LastAccessedAt)
	})
	stale := broken
	c.mu.Lock()
	for _, rec := range records {
		info, err := os.Stat(c.blobPath(rec.ImageID))
		if err != nil {
			stale = append(stale, rec.ImageID)
			continue
		}
		rec.SizeBytes = info.Size()
		c.entries[rec.ImageID] = c.lru.PushFront(&rec)
		c.used += rec.SizeBytes
	}
	victims := c.collectVictimsLocked("")
	c.mu.Unlock()

	if err := c.index.delete(stale...); err != nil {
		return fmt.Errorf("prune image index: %w", err)
	}
	c.evict(victims)
	return nil
}

// LoadOnDemand returns the cached image or fetches it from sourceURL. Callers
// asking for the same id while a fetch is in flight share that fetch.
func (c *Cache) LoadOnDemand(ctx context.Context, imageID, sourceURL string) (Image, error) {
	imageID = strings.TrimSpace(imageID)
	if imageID == "" {
		return Image{}, &FetchError{Reason: "missing image id"}
	}
	if c.isClosed() {
		return Image{}, &FetchError{ImageID: imageID, Reason: "cache closed", Err: ErrClosed}
	}
	if img, ok := c.lookup(imageID); ok {
		c.metrics.ObserveImageLookup("hit")
		return img, nil
	}
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		c.metrics.ObserveImageLookup("error")
		return Image{}, &FetchError{ImageID: imageID, Reason: "not cached and no source url"}
	}
	c.metrics.ObserveImageLookup("miss")

	ch := c.group.DoChan(imageID, func() (any, error) {
		return c.fetchAndStore(ctx, imageID, sourceURL)
	})
	select {
	case <-ctx.Done():
		return Image{}, &FetchError{ImageID: imageID, Reason: "cancelled", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveImageLookup("error")
			return Image{}, res.Err
		}
		return res.Val.(Image), nil
	}
}

func (c *Cache) lookup(imageID string) (Image, bool) {
	c.mu.Lock()
	el, ok := c.entries[imageID]
	if !ok {
		c.mu.Unlock()
		return Image{}, false
	}
	c.lru.MoveToFront(el)
	rec := el.Value.(*CachedImage)
	rec.LastAccessedAt = c.now().UTC()
	snapshot := *rec
	c.touched[imageID] = struct{}{}
	flush := len(c.touched) >= touchFlushBatch
	c.mu.Unlock()

	data, err := os.ReadFile(c.blobPath(imageID))
	if err != nil {
		c.logger.Debug("cached image blob unreadable", zap.String("imageId", imageID), zap.Error(err))
		c.drop(imageID, snapshot.FetchedAt)
		return Image{}, false
	}
	if flush {
		c.flushTouches()
	}
	return Image{
		ID:          imageID,
		ContentType: snapshot.ContentType,
		Data:        data,
		SizeBytes:   int64(len(data)),
		FromCache:   true,
	}, true
}

func (c *Cache) fetchAndStore(parent context.Context, imageID, sourceURL string) (Image, error) {
	// Coalesced callers share this fetch, so it outlives any single caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.fetchTimeout)
	defer cancel()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return Image{}, &FetchError{ImageID: imageID, Reason: "waiting for fetch slot", Err: err}
	}
	data, contentType, err := c.fetcher.Fetch(ctx, sourceURL)
	c.gate.Release(1)
	if err != nil {
		return Image{}, &FetchError{ImageID: imageID, Reason: "download failed", Err: err}
	}
	if len(data) == 0 {
		return Image{}, &FetchError{ImageID: imageID, Reason: "empty image body"}
	}

	now := c.now().UTC()
	rec := CachedImage{
		ImageID:        imageID,
		SourceURL:      sourceURL,
		BlobRef:        blobName(imageID),
		ContentType:    contentType,
		SizeBytes:      int64(len(data)),
		FetchedAt:      now,
		LastAccessedAt: now,
	}
	if err := writeFileAtomic(c.blobPath(imageID), data, 0o644); err != nil {
		return Image{}, &FetchError{ImageID: imageID, Reason: "write blob", Err: err}
	}
	if err := c.index.put(rec); err != nil {
		return Image{}, &FetchError{ImageID: imageID, Reason: "write index", Err: err}
	}
	victims := c.insert(rec)
	if len(victims) > 0 {
		// Persist the access order that picked the victims.
		c.flushTouches()
	}
	c.evict(victims)

	c.logger.Debug("image cached", zap.String("imageId", imageID), zap.Int64("sizeBytes", rec.SizeBytes))
	if c.bus != nil {
		c.bus.Images.Publish(events.ImageUpdated{ImageID: imageID, SizeBytes: rec.SizeBytes, At: now})
	}
	return Image{ID: imageID, ContentType: contentType, Data: data, SizeBytes: rec.SizeBytes}, nil
}

func (c *Cache) insert(rec CachedImage) []CachedImage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[rec.ImageID]; ok {
		old := el.Value.(*CachedImage)
		c.used -= old.SizeBytes
		*old = rec
		c.lru.MoveToFront(el)
		delete(c.touched, rec.ImageID)
	} else {
		stored := rec
		c.entries[rec.ImageID] = c.lru.PushFront(&stored)
	}
	c.used += rec.SizeBytes
	return c.collectVictimsLocked(rec.ImageID)
}

// collectVictimsLocked unlinks least-recently-accessed entries until the
// cache fits its budget. keep is never chosen.
func (c *Cache) collectVictimsLocked(keep string) []CachedImage {
	var victims []CachedImage
	for c.used > c.maxBytes {
		el := c.lru.Back()
		if el == nil {
			break
		}
		rec := el.Value.(*CachedImage)
		if rec.ImageID == keep {
			break
		}
		c.lru.Remove(el)
		delete(c.entries, rec.ImageID)
		delete(c.touched, rec.ImageID)
		c.used -= rec.SizeBytes
		victims = append(victims, *rec)
	}
	c.metrics.SetImageCacheBytes(c.used)
	return victims
}

// evict removes the victims' files and index records outside the cache lock.
func (c *Cache) evict(victims []CachedImage) {
	if len(victims) == 0 {
		return
	}
	ids := make([]string, 0, len(victims))
	var freed int64
	for _, rec := range victims {
		if err := os.Remove(c.blobPath(rec.ImageID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("remove evicted image blob", zap.String("imageId", rec.ImageID), zap.Error(err))
		}
		ids = append(ids, rec.ImageID)
		freed += rec.SizeBytes
	}
	if err := c.index.delete(ids...); err != nil {
		c.logger.Warn("remove evicted image records", zap.Error(err))
	}
	c.metrics.ObserveImageEviction(len(victims), freed)
	c.logger.Debug("images evicted", zap.Int("count", len(victims)), zap.Int64("freedBytes", freed))
}

// drop forgets imageID when its entry is still the one fetched at fetchedAt.
func (c *Cache) drop(imageID string, fetchedAt time.Time) {
	c.mu.Lock()
	el, ok := c.entries[imageID]
	if !ok || !el.Value.(*CachedImage).FetchedAt.Equal(fetchedAt) {
		c.mu.Unlock()
		return
	}
	rec := *el.Value.(*CachedImage)
	c.lru.Remove(el)
	delete(c.entries, imageID)
	delete(c.touched, imageID)
	c.used -= rec.SizeBytes
	c.metrics.SetImageCacheBytes(c.used)
	c.mu.Unlock()

	if err := c.index.delete(imageID); err != nil {
		c.logger.Debug("drop image record", zap.String("imageId", imageID), zap.Error(err))
	}
}

// Invalidate removes a cached image so the next load fetches it again.
func (c *Cache) Invalidate(imageID string) bool {
	c.mu.Lock()
	el, ok := c.entries[imageID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	rec := *el.Value.(*CachedImage)
	c.lru.Remove(el)
	delete(c.entries, imageID)
	delete(c.touched, imageID)
	c.used -= rec.SizeBytes
	c.metrics.SetImageCacheBytes(c.used)
	c.mu.Unlock()

	_ = os.Remove(c.blobPath(imageID))
	if err := c.index.delete(imageID); err != nil {
		c.logger.Debug("invalidate image record", zap.String("imageId", imageID), zap.Error(err))
	}
	return true
}

// WatchCatalog invalidates cached blobs whose IMAGE object changed. It
// returns when ctx is done.
func (c *Cache) WatchCatalog(ctx context.Context, hub *events.Hub[events.CatalogUpdated]) {
	for ev := range hub.Subscribe(ctx) {
		if !slices.Contains(ev.Types, catalog.TypeImage) {
			continue
		}
		for _, id := range ev.ObjectIDs {
			if c.Invalidate(id) {
				c.logger.Debug("image invalidated by catalog change", zap.String("imageId", id))
			}
		}
	}
}

// Lookup returns the index record for imageID without touching it.
func (c *Cache) Lookup(imageID string) (CachedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[imageID]
	if !ok {
		return CachedImage{}, false
	}
	return *el.Value.(*CachedImage), true
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Bytes: c.used, MaxBytes: c.maxBytes}
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// flushTouches writes buffered access times to the index in one batch. A
// record written for an entry evicted meanwhile has no blob and is pruned on
// the next open.
func (c *Cache) flushTouches() {
	c.mu.Lock()
	if len(c.touched) == 0 {
		c.mu.Unlock()
		return
	}
	records := make([]CachedImage, 0, len(c.touched))
	for id := range c.touched {
		if el, ok := c.entries[id]; ok {
			records = append(records, *el.Value.(*CachedImage))
		}
	}
	clear(c.touched)
	c.mu.Unlock()

	if err := c.index.put(records...); err != nil {
		c.logger.Warn("persist image access times", zap.Int("records", len(records)), zap.Error(err))
	}
}

func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.flushTouches()
	return c.index.close()
}

func (c *Cache) blobPath(imageID string) string {
	return filepath.Join(c.blobDir, blobName(imageID))
}

// blobName hashes the id; image ids are provider strings and not safe paths.
func blobName(imageID string) string {
	sum := sha256.Sum256([]byte(imageID))
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

package search

import (
	"container/list"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalog"
	"github.com/joylabs/catalogd/internal/catalogstore"
	"github.com/joylabs/catalogd/internal/events"
	"github.com/joylabs/catalogd/internal/telemetry"
)

const (
	defaultQuietPeriod  = 250 * time.Millisecond
	defaultPageSize     = 50
	maxPageSize         = 200
	defaultCacheEntries = 128
)

var ErrInvalidPageToken = errors.New("invalid page token")

// Searcher runs a ranked item query. *catalogstore.Store implements it.
type Searcher interface {
	SearchItems(ctx context.Context, c catalogstore.SearchCriteria) ([]catalogstore.ItemHit, error)
}

// Filters selects which fields a term is matched against. With no field
// selected every field is searched. CategoryID restricts results to one
// category.
type Filters struct {
	ByName     bool   `json:"byName,omitempty"`
	BySKU      bool   `json:"bySku,omitempty"`
	ByBarcode  bool   `json:"byBarcode,omitempty"`
	ByCategory bool   `json:"byCategory,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
}

func (f Filters) criteria(term string) catalogstore.SearchCriteria {
	c := catalogstore.SearchCriteria{
		Term:       term,
		Barcode:    f.ByBarcode,
		SKU:        f.BySKU,
		Name:       f.ByName,
		Category:   f.ByCategory,
		CategoryID: strings.TrimSpace(f.CategoryID),
	}
	if !c.Barcode && !c.SKU && !c.Name && !c.Category {
		c.Barcode, c.SKU, c.Name, c.Category = true, true, true, true
	}
	return c
}

func (f Filters) key() string {
	flag := func(b bool) byte {
		if b {
			return '1'
		}
		return '0'
	}
	return string([]byte{flag(f.ByName), flag(f.BySKU), flag(f.ByBarcode), flag(f.ByCategory)}) + "|" + strings.TrimSpace(f.CategoryID)
}

// PageRequest asks for one page. Token is the NextToken of the previous
// page; empty starts from the top.
type PageRequest struct {
	Token string
	Size  int
}

type Result struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	SKUs         []string                   `json:"skus,omitempty"`
	Barcodes     []string                   `json:"barcodes,omitempty"`
	CategoryName catalog.Opt[string]        `json:"categoryName,omitzero"`
	Price        catalog.Opt[catalog.Money] `json:"price,omitzero"`
	ImageID      catalog.Opt[string]        `json:"imageId,omitzero"`
	Version      int64                      `json:"version"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
	Tier         int                        `json:"tier"`
}

type ResultPage struct {
	Term      string   `json:"term"`
	Results   []Result `json:"results"`
	NextToken string   `json:"nextToken,omitempty"`
}

type Options struct {
	Logger       *zap.Logger
	Metrics      telemetry.Metrics
	QuietPeriod  time.Duration
	PageSize     int
	CacheEntries int
}

// Index serves ranked searches over the local replica. Results are cached
// until the catalog changes.
type Index struct {
	searcher    Searcher
	logger      *zap.Logger
	metrics     telemetry.Metrics
	quietPeriod atomic.Int64
	pageSize    int

	mu         sync.Mutex
	generation uint64
	capacity   int
	lru        *list.List
	cache      map[string]*list.Element
}

type cacheEntry struct {
	key  string
	page ResultPage
}

func NewIndex(searcher Searcher, opts Options) (*Index, error) {
	if searcher == nil {
		return nil, errors.New("search index needs a searcher")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = defaultQuietPeriod
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = defaultCacheEntries
	}
	idx := &Index{
		searcher: searcher,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		pageSize: min(opts.PageSize, maxPageSize),
		capacity: opts.CacheEntries,
		lru:      list.New(),
		cache:    make(map[string]*list.Element),
	}
	idx.quietPeriod.Store(int64(opts.QuietPeriod))
	return idx, nil
}

func (i *Index) QuietPeriod() time.Duration {
	return time.Duration(i.quietPeriod.Load())
}

// SetQuietPeriod changes the debounce delay for queries scheduled from now
// on. Non-positive values are ignored.
func (i *Index) SetQuietPeriod(d time.Duration) {
	if d > 0 {
		i.quietPeriod.Store(int64(d))
	}
}

// Search returns one page of live items matching term, best match first.
// A blank term matches nothing.
func (i *Index) Search(ctx context.Context, term string, f Filters, p PageRequest) (ResultPage, error) {
	term = strings.TrimSpace(term)
	page := ResultPage{Term: term, Results: []Result{}}
	if term == "" {
		return page, nil
	}
	offset, err := decodeToken(p.Token)
	if err != nil {
		return ResultPage{}, err
	}
	size := p.Size
	if size <= 0 {
		size = i.pageSize
	}
	size = min(size, maxPageSize)

	started := time.Now()
	key := fmt.Sprintf("%s\x00%s\x00%d\x00%d", catalog.NormalizeText(term), f.key(), offset, size)
	gen, cached, ok := i.cached(key)
	if ok {
		i.metrics.ObserveSearch(time.Since(started), len(cached.Results), true)
		cached.Term = term
		return cached, nil
	}

	criteria := f.criteria(term)
	criteria.Offset = offset
	criteria.Limit = size + 1
	hits, err := i.searcher.SearchItems(ctx, criteria)
	if err != nil {
		return ResultPage{}, fmt.Errorf("search %q: %w", term, err)
	}
	if len(hits) > size {
		hits = hits[:size]
		page.NextToken = encodeToken(offset + size)
	}
	for _, hit := range hits {
		page.Results = append(page.Results, toResult(hit))
	}
	i.store(gen, key, page)
	i.metrics.ObserveSearch(time.Since(started), len(page.Results), false)
	return page, nil
}

func toResult(hit catalogstore.ItemHit) Result {
	r := Result{
		ID:           hit.Object.ID,
		Name:         hit.Name(),
		CategoryName: hit.CategoryName,
		Price:        hit.Price,
		ImageID:      hit.ImageID,
		Version:      hit.Object.Version,
		UpdatedAt:    hit.Object.UpdatedAt,
		Tier:         hit.Tier,
	}
	if item, ok := hit.Object.ItemPayload(); ok {
		r.SKUs = item.SKUs()
		r.Barcodes = item.Barcodes()
	}
	return r
}

func (i *Index) cached(key string) (uint64, ResultPage, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	el, ok := i.cache[key]
	if !ok {
		return i.generation, ResultPage{}, false
	}
	i.lru.MoveToFront(el)
	return i.generation, el.Value.(*cacheEntry).page, true
}

// store keeps page unless the catalog changed while it was being computed.
func (i *Index) store(gen uint64, key string, page ResultPage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if gen != i.generation {
		return
	}
	if el, ok := i.cache[key]; ok {
		el.Value.(*cacheEntry).page = page
		i.lru.MoveToFront(el)
		return
	}
	i.cache[key] = i.lru.PushFront(&cacheEntry{key: key, page: page})
	for i.lru.Len() > i.capacity {
		oldest := i.lru.Back()
		i.lru.Remove(oldest)
		delete(i.cache, oldest.Value.(*cacheEntry).key)
	}
}

// Invalidate drops every cached result.
func (i *Index) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.generation++
	i.lru.Init()
	clear(i.cache)
}

// Watch invalidates cached results on every catalog change until ctx is
// done.
func (i *Index) Watch(ctx context.Context, hub *events.Hub[events.CatalogUpdated]) {
	for ev := range hub.Subscribe(ctx) {
		i.Invalidate()
		i.logger.Debug("search cache invalidated", zap.String("source", ev.Source), zap.Int("objects", len(ev.ObjectIDs)))
	}
}

func encodeToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o" + strconv.Itoa(offset)))
}

func decodeToken(token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 2 || raw[0] != 'o' {
		return 0, ErrInvalidPageToken
	}
	offset, err := strconv.Atoi(string(raw[1:]))
	if err != nil || offset < 0 {
		return 0, ErrInvalidPageToken
	}
	return offset, nil
}

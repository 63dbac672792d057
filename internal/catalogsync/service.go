package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalog"
	"github.com/joylabs/catalogd/internal/catalogstore"
	"github.com/joylabs/catalogd/internal/events"
	"github.com/joylabs/catalogd/internal/remote"
	"github.com/joylabs/catalogd/internal/telemetry"
)

const (
	defaultPageSize     = 100
	defaultFetchTimeout = 20 * time.Second
	sourceTargeted      = "targeted"
	sourceDeletion      = "deletion"
	sourceFullSweep     = "full-sweep"
)

type Options struct {
	Logger       *zap.Logger
	Metrics      telemetry.Metrics
	Events       *events.Bus
	Backoff      Backoff
	FetchTimeout time.Duration
	PageSize     int
	// Types restricts listings to these object types; empty means all.
	Types []catalog.ObjectType
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// Service moves remote catalog pages into the local store.
type Service struct {
	store        *catalogstore.Store
	client       remote.Client
	logger       *zap.Logger
	metrics      telemetry.Metrics
	bus          *events.Bus
	backoff      Backoff
	fetchTimeout time.Duration
	pageSize     int
	types        []catalog.ObjectType
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

func NewService(store *catalogstore.Store, client remote.Client, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("catalog store is required")
	}
	if client == nil {
		return nil, errors.New("remote client is required")
	}
	s := &Service{
		store:        store,
		client:       client,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		bus:          opts.Events,
		backoff:      opts.Backoff.normalized(),
		fetchTimeout: opts.FetchTimeout,
		pageSize:     opts.PageSize,
		types:        append([]catalog.ObjectType(nil), opts.Types...),
		now:          opts.Now,
		sleep:        opts.Sleep,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics{}
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = defaultFetchTimeout
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = waitWithContext
	}
	return s, nil
}

type PageResult struct {
	Applied    int
	Skipped    int
	Failed     int
	ChangedIDs []string
}

// Progress is reported after every committed page.
type Progress struct {
	Pages             int
	Applied           int
	Skipped           int
	Failed            int
	Cursor            catalog.Opt[string]
	CurrentObjectType catalog.ObjectType
}

type RunOptions struct {
	OnProgress func(Progress)
	// Cancelled is polled between pages; a page is never abandoned half-way.
	Cancelled func() bool
}

func (o RunOptions) cancelled() bool {
	return o.Cancelled != nil && o.Cancelled()
}

// Outcome summarises one run. Err is set only for run-level failures:
// exhausted fetch retries, non-retryable remote errors and storage errors.
type Outcome struct {
	Pages     int
	Applied   int
	Skipped   int
	Failed    int
	Cursor    catalog.Opt[string]
	Cancelled bool
	Err       error
}

func (o Outcome) State() State {
	switch {
	case o.Cancelled, errors.Is(o.Err, context.Canceled):
		return StateCancelled
	case o.Err != nil:
		return StateFailed
	default:
		return StateCompleted
	}
}

func (o *Outcome) add(r PageResult) {
	o.Pages++
	o.Applied += r.Applied
	o.Skipped += r.Skipped
	o.Failed += r.Failed
}

func (o Outcome) progress(last catalog.ObjectType) Progress {
	return Progress{
		Pages:             o.Pages,
		Applied:           o.Applied,
		Skipped:           o.Skipped,
		Failed:            o.Failed,
		Cursor:            o.Cursor,
		CurrentObjectType: last,
	}
}

// ApplyPage decodes and applies one page inside a single transaction. When
// scope is non-empty the scope's checkpoint advances to next in the same
// transaction.
func (s *Service) ApplyPage(ctx context.Context, raws []json.RawMessage, next *string, scope string) (PageResult, error) {
	if scope == "" {
		result, _, err := s.applyPage(ctx, raws, nil, scope)
		return result, err
	}
	cp, err := s.store.LoadCheckpoint(ctx, scope)
	if err != nil {
		return PageResult{}, fmt.Errorf("load %s checkpoint: %w", scope, err)
	}
	cp.Cursor = optCursor(next)
	result, _, err := s.applyPage(ctx, raws, &cp, scope)
	return result, err
}

func (s *Service) applyPage(ctx context.Context, raws []json.RawMessage, cp *catalogstore.Checkpoint, source string) (PageResult, catalog.ObjectType, error) {
	var (
		result  PageResult
		decoded = make([]catalog.Object, 0, len(raws))
		last    catalog.ObjectType
	)
	for _, raw := range raws {
		obj, err := catalog.Decode(raw)
		if err != nil {
			result.Failed++
			s.logger.Warn("skipping malformed catalog object", zap.String("source", source), zap.Error(err))
			continue
		}
		decoded = append(decoded, obj)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return PageResult{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	var types []catalog.ObjectType
	seenType := map[catalog.ObjectType]struct{}{}
	for _, obj := range decoded {
		res, err := tx.Upsert(ctx, obj)
		if err != nil {
			return PageResult{}, "", err
		}
		last = obj.Type
		if cp != nil && obj.Version > cp.HighWater {
			cp.HighWater = obj.Version
		}
		if res.Outcome == catalogstore.Skipped {
			result.Skipped++
			continue
		}
		result.Applied++
		result.ChangedIDs = append(result.ChangedIDs, obj.ID)
		if _, ok := seenType[obj.Type]; !ok {
			seenType[obj.Type] = struct{}{}
			types = append(types, obj.Type)
		}
	}
	if cp != nil {
		// An exhausted incremental pass makes the next one list only newer versions.
		if cp.Scope == catalogstore.ScopeIncremental && !cp.Cursor.Present() {
			cp.SinceVersion = max(cp.SinceVersion, cp.HighWater)
		}
		if err := tx.SaveCheckpoint(ctx, *cp); err != nil {
			return PageResult{}, "", fmt.Errorf("persist checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return PageResult{}, "", err
	}
	s.publish(result.ChangedIDs, types, source)
	return result, last, nil
}

func (s *Service) publish(ids []string, types []catalog.ObjectType, source string) {
	if s.bus == nil || len(ids) == 0 {
		return
	}
	s.bus.Catalog.Publish(events.CatalogUpdated{
		ObjectIDs: ids,
		Types:     types,
		Source:    source,
		At:        s.now().UTC(),
	})
}

func (s *Service) listPage(ctx context.Context, cursor string, since int64) (remote.Page, error) {
	var page remote.Page
	err := s.withRetry(ctx, "list", func(attemptCtx context.Context) error {
		var err error
		page, err = s.client.ListObjects(attemptCtx, remote.ListRequest{
			Cursor:       cursor,
			SinceVersion: since,
			Types:        s.types,
			Limit:        s.pageSize,
		})
		return err
	})
	return page, err
}

// RunFull lists the whole remote catalog into a new epoch. Rows not re-listed
// are tombstoned only after the last page commits, so readers keep seeing the
// previous data while the transfer runs.
func (s *Service) RunFull(ctx context.Context, opts RunOptions) Outcome {
	started := s.now()
	out := s.runFull(ctx, opts)
	s.record("full", out, started)
	return out
}

func (s *Service) runFull(ctx context.Context, opts RunOptions) Outcome {
	var out Outcome
	// Every full run lists from the first page under a fresh epoch. The
	// persisted cursor only reports progress; it is never resumed from.
	epoch, err := s.store.StartEpoch(ctx)
	if err != nil {
		out.Err = err
		return out
	}
	full := catalogstore.Checkpoint{Scope: catalogstore.ScopeFull, Epoch: epoch}
	cursor := ""
	s.logger.Info("full sync started", zap.Int64("epoch", epoch))

	for {
		if opts.cancelled() {
			out.Cancelled = true
			s.logger.Info("full sync cancelled", zap.Int("pages", out.Pages))
			return out
		}
		page, err := s.listPage(ctx, cursor, 0)
		if err != nil {
			out.Err = err
			return out
		}
		full.Cursor = optCursor(page.NextCursor)
		result, last, err := s.applyPage(ctx, page.Objects, &full, catalogstore.ScopeFull)
		if err != nil {
			out.Err = err
			return out
		}
		out.add(result)
		out.Cursor = full.Cursor
		if opts.OnProgress != nil {
			opts.OnProgress(out.progress(last))
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
	}

	swept, err := s.store.SweepBefore(ctx, epoch, s.types)
	if err != nil {
		out.Err = fmt.Errorf("sweep epoch %d: %w", epoch, err)
		return out
	}
	s.publish(swept.IDs, swept.Types, sourceFullSweep)
	if err := s.promoteFullCheckpoint(ctx, full); err != nil {
		out.Err = err
		return out
	}
	s.logger.Info("full sync completed",
		zap.Int64("epoch", epoch),
		zap.Int("pages", out.Pages),
		zap.Int("applied", out.Applied),
		zap.Int("failed", out.Failed),
	)
	return out
}

// promoteFullCheckpoint makes the next incremental pass start after the
// highest version the full listing saw.
func (s *Service) promoteFullCheckpoint(ctx context.Context, full catalogstore.Checkpoint) error {
	inc, err := s.store.LoadCheckpoint(ctx, catalogstore.ScopeIncremental)
	if err != nil {
		return fmt.Errorf("load incremental checkpoint: %w", err)
	}
	inc.Cursor = catalog.None[string]()
	inc.HighWater = max(inc.HighWater, full.HighWater)
	inc.SinceVersion = max(inc.SinceVersion, full.HighWater)
	inc.Epoch = full.Epoch

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	full.Cursor = catalog.None[string]()
	if err := tx.SaveCheckpoint(ctx, full); err != nil {
		return err
	}
	if err := tx.SaveCheckpoint(ctx, inc); err != nil {
		return err
	}
	return tx.Commit()
}

// RunIncremental resumes from sinceCursor, or from the persisted incremental
// checkpoint when sinceCursor is empty.
func (s *Service) RunIncremental(ctx context.Context, sinceCursor string, opts RunOptions) Outcome {
	started := s.now()
	out := s.runIncremental(ctx, strings.TrimSpace(sinceCursor), opts)
	s.record("incremental", out, started)
	return out
}

func (s *Service) runIncremental(ctx context.Context, cursor string, opts RunOptions) Outcome {
	var out Outcome
	cp, err := s.store.LoadCheckpoint(ctx, catalogstore.ScopeIncremental)
	if err != nil {
		out.Err = fmt.Errorf("load incremental checkpoint: %w", err)
		return out
	}
	if cursor == "" {
		cursor = cp.Cursor.OrElse("")
	}
	since := cp.SinceVersion
	out.Cursor = cp.Cursor

	for {
		if opts.cancelled() {
			out.Cancelled = true
			return out
		}
		page, err := s.listPage(ctx, cursor, since)
		if err != nil {
			out.Err = err
			return out
		}
		cp.Cursor = optCursor(page.NextCursor)
		result, last, err := s.applyPage(ctx, page.Objects, &cp, catalogstore.ScopeIncremental)
		if err != nil {
			out.Err = err
			return out
		}
		out.add(result)
		out.Cursor = cp.Cursor
		if opts.OnProgress != nil {
			opts.OnProgress(out.progress(last))
		}
		if !cp.Cursor.Present() {
			break
		}
		cursor = cp.Cursor.OrElse("")
	}
	s.logger.Debug("incremental sync completed",
		zap.Int("pages", out.Pages),
		zap.Int("applied", out.Applied),
		zap.Int64("sinceVersion", cp.SinceVersion),
	)
	return out
}

// RunTargeted fetches and applies only ids. No checkpoint moves.
func (s *Service) RunTargeted(ctx context.Context, ids []string) Outcome {
	started := s.now()
	out := s.runTargeted(ctx, ids)
	s.record(sourceTargeted, out, started)
	return out
}

func (s *Service) runTargeted(ctx context.Context, ids []string) Outcome {
	var out Outcome
	ids = compactIDs(ids)
	if len(ids) == 0 {
		return out
	}
	var objects []json.RawMessage
	err := s.withRetry(ctx, "retrieve", func(attemptCtx context.Context) error {
		var err error
		objects, err = s.client.RetrieveObjects(attemptCtx, ids)
		return err
	})
	if err != nil {
		out.Err = err
		return out
	}
	if len(objects) < len(ids) {
		s.logger.Debug("remote returned fewer objects than requested",
			zap.Strings("ids", ids),
			zap.Int("returned", len(objects)),
		)
	}
	result, _, err := s.applyPage(ctx, objects, nil, sourceTargeted)
	if err != nil {
		out.Err = err
		return out
	}
	out.add(result)
	return out
}

// ApplyDeletion tombstones id at version without contacting the remote.
// objType is only consulted when the object has never been stored.
func (s *Service) ApplyDeletion(ctx context.Context, id string, objType catalog.ObjectType, version int64) (catalogstore.UpsertResult, error) {
	existing, found, err := s.store.GetByID(ctx, id)
	if err != nil {
		return catalogstore.UpsertResult{}, err
	}
	if found {
		objType = existing.Type
	}
	if !objType.Valid() {
		return catalogstore.UpsertResult{}, &catalog.MalformedObjectError{ID: id, Type: objType, Reason: "unknown object type for deletion"}
	}
	res, err := s.store.Upsert(ctx, catalog.Object{
		ID:        id,
		Type:      objType,
		Version:   version,
		UpdatedAt: s.now().UTC(),
		IsDeleted: true,
	})
	if err != nil {
		return catalogstore.UpsertResult{}, err
	}
	if res.Outcome == catalogstore.Applied {
		s.publish([]string{id}, []catalog.ObjectType{objType}, sourceDeletion)
	}
	return res, nil
}

func (s *Service) StoredVersion(ctx context.Context, id string) (int64, bool, error) {
	return s.store.StoredVersion(ctx, id)
}

func (s *Service) record(mode string, out Outcome, started time.Time) {
	s.metrics.ObserveSyncRun(mode, string(out.State()), s.now().Sub(started))
	s.metrics.AddSyncObjects(mode, "applied", out.Applied)
	s.metrics.AddSyncObjects(mode, "skipped", out.Skipped)
	s.metrics.AddSyncObjects(mode, "failed", out.Failed)
	if out.Err != nil {
		s.logger.Error("sync run failed", zap.String("mode", mode), zap.Int("pages", out.Pages), zap.Error(out.Err))
	}
}

func optCursor(next *string) catalog.Opt[string] {
	if next == nil || *next == "" {
		return catalog.None[string]()
	}
	return catalog.Some(*next)
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

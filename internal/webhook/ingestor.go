package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalog"
	"github.com/joylabs/catalogd/internal/catalogstore"
	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/telemetry"
)

type Disposition string

const (
	Accepted  Disposition = "accepted"
	Duplicate Disposition = "duplicate"
	Rejected  Disposition = "rejected"
)

const ReasonQueueFull = "queue full"

type Result struct {
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
	DedupeKey   string      `json:"dedupeKey,omitempty"`
	QueuedID    string      `json:"queuedId,omitempty"`
}

// Resolution is how a worker settled an accepted event.
type Resolution string

const (
	ResolutionSkipped     Resolution = "skipped"
	ResolutionApplied     Resolution = "applied"
	ResolutionDeleted     Resolution = "deleted"
	ResolutionIncremental Resolution = "incremental"
	ResolutionRequeued    Resolution = "requeued"
	ResolutionFailed      Resolution = "failed"
)

// Applier is the sync surface the workers drive. *catalogsync.Service
// implements it.
type Applier interface {
	RunTargeted(ctx context.Context, ids []string) catalogsync.Outcome
	ApplyDeletion(ctx context.Context, id string, objType catalog.ObjectType, version int64) (catalogstore.UpsertResult, error)
	StoredVersion(ctx context.Context, id string) (int64, bool, error)
}

// IncrementalRequester receives structural events. *catalogsync.Coordinator
// implements it.
type IncrementalRequester interface {
	RequestIncremental() (catalogsync.Run, bool)
}

type Options struct {
	Logger           *zap.Logger
	Metrics          telemetry.Metrics
	Queue            Queue
	Workers          int
	DedupeWindow     time.Duration
	DedupeMaxEntries int
	RequeueDelay     time.Duration
	// OnResolved observes every processed event; used by callers that need
	// to wait for background work.
	OnResolved     func(QueuedEvent, Resolution)
	DisableWorkers bool
	Now            func() time.Time
}

// Ingestor accepts webhook events without blocking on sync work. Accepted
// events are queued and applied by a worker pool.
type Ingestor struct {
	applier      Applier
	incremental  IncrementalRequester
	logger       *zap.Logger
	metrics      telemetry.Metrics
	queue        Queue
	window       *dedupeWindow
	requeueDelay time.Duration
	onResolved   func(QueuedEvent, Resolution)
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewIngestor(applier Applier, incremental IncrementalRequester, opts Options) (*Ingestor, error) {
	if applier == nil {
		return nil, errors.New("webhook applier is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Queue == nil {
		opts.Queue = NewMemoryQueue(defaultQueueCapacity)
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Ingestor{
		applier:      applier,
		incremental:  incremental,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		queue:        opts.Queue,
		window:       newDedupeWindow(opts.DedupeWindow, opts.DedupeMaxEntries),
		requeueDelay: opts.RequeueDelay,
		onResolved:   opts.OnResolved,
		now:          opts.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
	if !opts.DisableWorkers {
		i.wg.Add(opts.Workers)
		for n := 0; n < opts.Workers; n++ {
			go func() {
				defer i.wg.Done()
				i.worker()
			}()
		}
	}
	return i, nil
}

// Handle validates, deduplicates and queues ev. It never waits for the sync
// the event triggers.
func (i *Ingestor) Handle(ctx context.Context, ev Event) Result {
	ev = ev.normalized()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = i.now().UTC()
	}
	result := i.handle(ctx, ev)
	i.metrics.ObserveWebhook(string(result.Disposition))
	if result.Disposition == Rejected {
		i.logger.Warn("webhook event rejected",
			zap.String("eventType", ev.EventType),
			zap.String("objectId", ev.ObjectID),
			zap.String("reason", result.Reason),
		)
	}
	return result
}

func (i *Ingestor) handle(ctx context.Context, ev Event) Result {
	if err := ctx.Err(); err != nil {
		return Result{Disposition: Rejected, Reason: err.Error()}
	}
	if err := i.ctx.Err(); err != nil {
		return Result{Disposition: Rejected, Reason: "ingestor closed"}
	}
	if reason := ev.validate(); reason != "" {
		return Result{Disposition: Rejected, Reason: reason}
	}
	key := ev.key()
	if i.window.remember(key, i.now()) {
		return Result{Disposition: Duplicate, DedupeKey: key}
	}
	ev.DedupeKey = key
	item := QueuedEvent{
		ID:         uuid.NewString(),
		Event:      ev,
		EnqueuedAt: i.now().UTC(),
	}
	if !i.queue.TryEnqueue(item) {
		// Let the provider's redelivery through once there is room again.
		i.window.forget(key)
		return Result{Disposition: Rejected, Reason: ReasonQueueFull, DedupeKey: key}
	}
	return Result{Disposition: Accepted, DedupeKey: key, QueuedID: item.ID}
}

func (i *Ingestor) worker() {
	for {
		item, ok := i.queue.Dequeue(i.ctx)
		if !ok {
			return
		}
		resolution := i.process(i.ctx, item)
		i.metrics.ObserveWebhookResolution(string(resolution))
		if i.onResolved != nil {
			i.onResolved(item, resolution)
		}
	}
}

func (i *Ingestor) process(ctx context.Context, item QueuedEvent) Resolution {
	ev := item.Event
	logger := i.logger.With(
		zap.String("queuedId", item.ID),
		zap.String("eventType", ev.EventType),
		zap.String("objectId", ev.ObjectID),
		zap.Int("attempt", item.Attempt),
	)

	if ev.Structural() {
		if i.incremental == nil {
			logger.Warn("structural event dropped, no incremental sync configured")
			return ResolutionSkipped
		}
		run, started := i.incremental.RequestIncremental()
		logger.Debug("incremental sync requested", zap.Bool("started", started), zap.String("runId", run.ID))
		return ResolutionIncremental
	}

	version, hasVersion := ev.Version.Get()
	if hasVersion {
		stored, found, err := i.applier.StoredVersion(ctx, ev.ObjectID)
		if err != nil {
			return i.fail(logger, item, err)
		}
		if found && stored >= version {
			logger.Debug("event already applied", zap.Int64("storedVersion", stored), zap.Int64("version", version))
			return ResolutionSkipped
		}
	}

	if ev.Deletion() && hasVersion {
		objType, _ := catalog.ParseObjectType(ev.ObjectType)
		res, err := i.applier.ApplyDeletion(ctx, ev.ObjectID, objType, version)
		if err != nil {
			return i.fail(logger, item, err)
		}
		if res.Outcome == catalogstore.Skipped {
			return ResolutionSkipped
		}
		return ResolutionDeleted
	}

	out := i.applier.RunTargeted(ctx, []string{ev.ObjectID})
	if out.Err != nil {
		return i.fail(logger, item, out.Err)
	}
	if out.Applied == 0 {
		return ResolutionSkipped
	}
	return ResolutionApplied
}

// fail requeues item once; a second failure leaves the object stale until
// the next incremental or full pass.
func (i *Ingestor) fail(logger *zap.Logger, item QueuedEvent, err error) Resolution {
	if i.ctx.Err() != nil {
		return ResolutionFailed
	}
	if item.Attempt == 0 {
		item.Attempt++
		logger.Warn("targeted sync failed, requeueing", zap.Duration("delay", i.requeueDelay), zap.Error(err))
		time.AfterFunc(i.requeueDelay, func() {
			if i.ctx.Err() != nil {
				return
			}
			if !i.queue.TryEnqueue(item) {
				logger.Error("requeue dropped, queue full")
			}
		})
		return ResolutionRequeued
	}
	logger.Error("targeted sync failed after requeue", zap.Error(err))
	return ResolutionFailed
}

func (i *Ingestor) QueueDepth() int {
	return i.queue.Depth()
}

func (i *Ingestor) QueueCapacity() int {
	return i.queue.Capacity()
}

// Close stops the workers and closes the queue. Events still queued stay in
// durable queues for the next start.
func (i *Ingestor) Close() error {
	var err error
	i.once.Do(func() {
		i.cancel()
		i.wg.Wait()
		err = i.queue.Close()
	})
	return err
}

package catalogsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalog"
	"github.com/joylabs/catalogd/internal/events"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeTargeted    Mode = "targeted"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Run is a snapshot of one coordinator-managed sync.
type Run struct {
	ID                string              `json:"id,omitempty"`
	Mode              Mode                `json:"mode,omitempty"`
	State             State               `json:"state"`
	Cursor            catalog.Opt[string] `json:"cursor,omitzero"`
	Pages             int                 `json:"pages"`
	ObjectsProcessed  int                 `json:"objectsProcessed"`
	Applied           int                 `json:"applied"`
	Skipped           int                 `json:"skipped"`
	Failed            int                 `json:"failed"`
	CurrentObjectType catalog.ObjectType  `json:"currentObjectType,omitempty"`
	StartedAt         *time.Time          `json:"startedAt,omitempty"`
	FinishedAt        *time.Time          `json:"finishedAt,omitempty"`
	Error             string              `json:"error,omitempty"`
}

// Runner executes full and incremental passes. *Service implements it.
type Runner interface {
	RunFull(ctx context.Context, opts RunOptions) Outcome
	RunIncremental(ctx context.Context, sinceCursor string, opts RunOptions) Outcome
}

type CoordinatorOptions struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Coordinator owns the single active sync run. A start request while a run
// is active returns the active run instead of starting another one.
type Coordinator struct {
	runner Runner
	logger *zap.Logger
	now    func() time.Time
	hub    *events.Hub[Run]

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	cancelRequested atomic.Bool

	mu                 sync.Mutex
	current            Run
	running            bool
	pendingIncremental bool
	closed             bool
}

func NewCoordinator(runner Runner, opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		runner:  runner,
		logger:  opts.Logger,
		now:     opts.Now,
		hub:     events.NewHub[Run](0),
		ctx:     ctx,
		stop:    stop,
		current: Run{State: StateIdle},
	}
}

// StartFullSync starts a full pass from the first page. started is false
// when another run is active; the returned snapshot is then that run.
func (c *Coordinator) StartFullSync() (run Run, started bool) {
	return c.start(ModeFull)
}

func (c *Coordinator) StartIncrementalSync() (Run, bool) {
	return c.start(ModeIncremental)
}

// RequestIncremental starts an incremental pass, or queues exactly one to run
// after the active run finishes.
func (c *Coordinator) RequestIncremental() (Run, bool) {
	c.mu.Lock()
	if c.running {
		c.pendingIncremental = true
		snapshot := c.current.clone()
		c.mu.Unlock()
		c.logger.Debug("incremental sync queued behind active run", zap.String("runId", snapshot.ID))
		return snapshot, false
	}
	c.mu.Unlock()
	return c.start(ModeIncremental)
}

func (c *Coordinator) start(mode Mode) (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.running {
		return c.current.clone(), false
	}
	startedAt := c.now().UTC()
	c.current = Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		State:     StateRunning,
		StartedAt: &startedAt,
	}
	c.running = true
	c.cancelRequested.Store(false)
	snapshot := c.current.clone()

	c.wg.Add(1)
	go c.execute(snapshot)
	c.hub.Publish(snapshot)
	c.logger.Info("sync run started", zap.String("runId", snapshot.ID), zap.String("mode", string(mode)))
	return snapshot, true
}

func (c *Coordinator) execute(run Run) {
	defer c.wg.Done()
	opts := RunOptions{
		Cancelled:  c.cancelRequested.Load,
		OnProgress: c.progress,
	}
	var out Outcome
	switch run.Mode {
	case ModeFull:
		out = c.runner.RunFull(c.ctx, opts)
	default:
		out = c.runner.RunIncremental(c.ctx, "", opts)
	}
	c.finish(out)
}

func (c *Coordinator) progress(p Progress) {
	c.mu.Lock()
	c.current.Pages = p.Pages
	c.current.Applied = p.Applied
	c.current.Skipped = p.Skipped
	c.current.Failed = p.Failed
	c.current.ObjectsProcessed = p.Applied + p.Skipped + p.Failed
	c.current.Cursor = p.Cursor
	if p.CurrentObjectType != "" {
		c.current.CurrentObjectType = p.CurrentObjectType
	}
	snapshot := c.current.clone()
	c.mu.Unlock()
	c.hub.Publish(snapshot)
}

func (c *Coordinator) finish(out Outcome) {
	c.mu.Lock()
	finishedAt := c.now().UTC()
	c.current.State = out.State()
	c.current.FinishedAt = &finishedAt
	c.current.Pages = out.Pages
	c.current.Applied = out.Applied
	c.current.Skipped = out.Skipped
	c.current.Failed = out.Failed
	c.current.ObjectsProcessed = out.Applied + out.Skipped + out.Failed
	c.current.Cursor = out.Cursor
	if out.Err != nil {
		c.current.Error = out.Err.Error()
	}
	c.running = false
	pending := c.pendingIncremental && !c.closed
	c.pendingIncremental = false
	snapshot := c.current.clone()
	c.mu.Unlock()

	c.hub.Publish(snapshot)
	c.logger.Info("sync run finished",
		zap.String("runId", snapshot.ID),
		zap.String("mode", string(snapshot.Mode)),
		zap.String("state", string(snapshot.State)),
		zap.Int("pages", snapshot.Pages),
		zap.Int("applied", snapshot.Applied),
		zap.Int("failed", snapshot.Failed),
	)
	if pending {
		c.start(ModeIncremental)
	}
}

// Cancel asks the active run to stop at the next page boundary. It reports
// whether a run was active.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.cancelRequested.Store(true)
	c.pendingIncremental = false
	c.logger.Info("sync run cancellation requested", zap.String("runId", c.current.ID))
	return true
}

func (c *Coordinator) CurrentState() Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.clone()
}

// Subscribe streams run snapshots on every state or progress change until ctx
// ends. Slow subscribers miss intermediate snapshots.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Run {
	return c.hub.Subscribe(ctx)
}

// Wait blocks until no run is active, including queued incremental runs.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels the active run and waits for it to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.pendingIncremental = false
	c.mu.Unlock()
	c.cancelRequested.Store(true)
	c.stop()
	c.wg.Wait()
}

func (r Run) clone() Run {
	if r.StartedAt != nil {
		t := *r.StartedAt
		r.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

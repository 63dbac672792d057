// Package push consumes catalog change notifications from a websocket
// stream and hands them to the webhook ingestor, so push and HTTP callbacks
// share one dedupe window and one queue.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/webhook"
)

type Handler interface {
	Handle(ctx context.Context, ev webhook.Event) webhook.Result
}

type Options struct {
	Logger     *zap.Logger
	Backoff    catalogsync.Backoff
	Header     http.Header
	HTTPClient *http.Client
	// ReadLimit caps a single message; defaults to 64KiB.
	ReadLimit int64
}

type Subscriber struct {
	url     string
	handler Handler
	opts    Options
	logger  *zap.Logger

	connects  atomic.Int64
	delivered atomic.Int64
	malformed atomic.Int64
}

func NewSubscriber(url string, handler Handler, opts Options) (*Subscriber, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("push url is required")
	}
	if handler == nil {
		return nil, errors.New("push handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = catalogsync.DefaultBackoff()
	}
	return &Subscriber{
		url:     url,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.Named("push"),
	}, nil
}

// Run keeps a stream open until ctx is done, reconnecting with backoff.
// The backoff resets after any session that received at least one message.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		received, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received > 0 {
			attempt = 0
		}
		attempt++
		delay := s.opts.Backoff.Delay(attempt, 0)
		s.logger.Warn("push stream disconnected",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context) (int, error) {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.opts.HTTPClient,
		HTTPHeader: s.opts.Header,
	})
	if err != nil {
		return 0, fmt.Errorf("dial push stream: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.opts.ReadLimit)
	s.connects.Add(1)
	s.logger.Info("push stream connected", zap.String("url", s.url))

	received := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return received, errors.New("push stream closed by server")
			}
			return received, fmt.Errorf("read push stream: %w", err)
		}
		received++
		ev, err := webhook.ParseEvent(data)
		if err != nil {
			s.malformed.Add(1)
			s.logger.Warn("dropping malformed push message", zap.Error(err))
			continue
		}
		result := s.handler.Handle(ctx, ev)
		s.delivered.Add(1)
		s.logger.Debug("push event handled",
			zap.String("eventId", ev.EventID),
			zap.String("disposition", string(result.Disposition)),
		)
	}
}

func (s *Subscriber) Connects() int64  { return s.connects.Load() }
func (s *Subscriber) Delivered() int64 { return s.delivered.Load() }
func (s *Subscriber) Malformed() int64 { return s.malformed.Load() }

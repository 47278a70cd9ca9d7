package coffeeshop

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/coffeeshop/config"
	"github.com/oriys/coffeeshop/internal/announce"
	"github.com/oriys/coffeeshop/internal/codec"
	"github.com/oriys/coffeeshop/internal/logging"
	"github.com/oriys/coffeeshop/internal/metrics"
	"github.com/oriys/coffeeshop/internal/observability"
	"github.com/oriys/coffeeshop/internal/order"
	"github.com/oriys/coffeeshop/queue"
	"github.com/oriys/coffeeshop/table"
)

// Shop is one process instance of the framework: waiter, barista pool,
// announcer, and collection point sharing one orders map and the cluster's
// queue and table handles.
type Shop[Q Query, I, O any] struct {
	cfg     *config.Config
	handler Handler[Q, I, O]
	marshal Marshaler

	queue  queue.Queue
	table  table.Table
	orders *order.Map
	ann    *announce.Announcer

	metrics *metrics.Shop
	mux     *http.ServeMux

	hostname  string
	startTime time.Time
	requests  atomic.Uint64

	httpServer *http.Server
	wg         sync.WaitGroup
}

// Option customizes shop construction.
type Option[Q Query, I, O any] func(*Shop[Q, I, O])

// WithQueue injects a queue handle, overriding the configured backend.
func WithQueue[Q Query, I, O any](q queue.Queue) Option[Q, I, O] {
	return func(s *Shop[Q, I, O]) { s.queue = q }
}

// WithTable injects a table handle, overriding the configured backend.
func WithTable[Q Query, I, O any](t table.Table) Option[Q, I, O] {
	return func(s *Shop[Q, I, O]) { s.table = t }
}

// WithMarshaler replaces the default JSON marshaler for user values.
func WithMarshaler[Q Query, I, O any](m Marshaler) Option[Q, I, O] {
	return func(s *Shop[Q, I, O]) { s.marshal = m }
}

// New assembles a shop from configuration and a handler. The multicast
// sockets are not opened until Run.
func New[Q Query, I, O any](ctx context.Context, cfg *config.Config, h Handler[Q, I, O], opts ...Option[Q, I, O]) (*Shop[Q, I, O], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coffeeshop: %w", err)
	}
	logging.SetLevelFromString(cfg.LogLevel)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s := &Shop[Q, I, O]{
		cfg:       cfg,
		handler:   h,
		marshal:   JSONMarshaler{},
		orders:    order.NewMap(cfg.MaxOutstandingTickets),
		hostname:  hostname,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.queue == nil {
		s.queue, err = buildQueue(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	if s.table == nil {
		s.table, err = buildTable(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	s.metrics = metrics.New("coffeeshop", func() float64 {
		return float64(s.orders.Len())
	})
	s.mux = http.NewServeMux()
	s.registerRoutes(s.mux)
	return s, nil
}

// Handler returns the waiter's HTTP handler with tracing middleware applied.
// Useful for mounting the shop into an existing server or a test harness.
func (s *Shop[Q, I, O]) Handler() http.Handler {
	return observability.HTTPMiddleware(s.mux)
}

// Route registers an additional application route on the waiter. Paths must
// not collide with /status, /request, /retrieve, or /metrics.
func (s *Shop[Q, I, O]) Route(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then drains: the HTTP server stops accepting and in-flight
// handlers get up to the configured max execution time; baristas return their
// staged receipts.
func (s *Shop[Q, I, O]) Run(ctx context.Context) error {
	if err := observability.Init(ctx, observability.Config{
		Enabled:     s.cfg.Telemetry.Enabled,
		Endpoint:    s.cfg.Telemetry.Endpoint,
		ServiceName: s.cfg.Name,
		SampleRate:  s.cfg.Telemetry.SampleRate,
	}); err != nil {
		logging.Op().Warn("telemetry init failed", "error", err)
	}

	ann, err := announce.New(s.cfg.Multicast.Host, s.cfg.Multicast.Port)
	if err != nil {
		return fmt.Errorf("coffeeshop: %w", err)
	}
	s.ann = ann

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		ann.Close()
		return fmt.Errorf("coffeeshop: listen %s: %w", s.cfg.ListenAddr, err)
	}

	return s.run(ctx, ln)
}

// run drives every component on a caller-supplied listener. The announcer is
// optional; without one the collection point sweeps are the only completion
// path.
func (s *Shop[Q, I, O]) run(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.httpServer = &http.Server{Handler: s.Handler()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	for i := 0; i < s.cfg.Baristas; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.barista(runCtx, id)
		}(i)
	}

	if s.ann != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ann.Run(runCtx, func(ticket string, status codec.Status) {
				s.metrics.MulticastReceived.Inc()
				s.orders.Fulfill(ticket, status == codec.StatusComplete)
			})
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recoveryLoop(runCtx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.purgeLoop(runCtx)
	}()

	logging.Op().Info("shop open",
		"name", s.cfg.Name,
		"addr", ln.Addr().String(),
		"baristas", s.cfg.Baristas,
		"queue", s.cfg.Queue.Backend,
		"table", s.cfg.Table.Backend)

	// runCtx, not ctx: a failed HTTP server must also tear the shop down.
	<-runCtx.Done()
	logging.Op().Info("shop closing")

	drain := s.cfg.MaxExecutionTime
	if drain <= 0 {
		drain = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("HTTP drain incomplete", "error", err)
	}

	cancel()
	if s.ann != nil {
		s.ann.Close()
	}
	s.wg.Wait()

	if err := s.queue.Close(); err != nil {
		logging.Op().Warn("queue close failed", "error", err)
	}
	if err := s.table.Close(); err != nil {
		logging.Op().Warn("table close failed", "error", err)
	}
	if err := observability.Shutdown(context.Background()); err != nil {
		logging.Op().Warn("telemetry shutdown failed", "error", err)
	}
	logging.Op().Info("shop closed")
	return nil
}

func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "sqs":
		return queue.NewSQS(ctx, cfg.Queue.URL, cfg.Queue.Region)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		return queue.NewRedis(client, cfg.Queue.URL, cfg.Queue.VisibilityTimeout), nil
	case "memory":
		return queue.NewMemory(cfg.Queue.VisibilityTimeout), nil
	}
	return nil, fmt.Errorf("coffeeshop: unknown queue backend %q", cfg.Queue.Backend)
}

func buildTable(ctx context.Context, cfg *config.Config) (table.Table, error) {
	switch cfg.Table.Backend {
	case "dynamodb":
		return table.NewDynamoDB(ctx, cfg.Table.Name, cfg.Table.PartitionKey, cfg.Table.Region)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Table.Redis.Addr,
			Password: cfg.Table.Redis.Password,
			DB:       cfg.Table.Redis.DB,
		})
		return table.NewRedisTable(client, cfg.Table.Name), nil
	case "memory":
		return table.NewMemory(), nil
	}
	return nil, fmt.Errorf("coffeeshop: unknown table backend %q", cfg.Table.Backend)
}

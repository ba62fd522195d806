package streamer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/entitysim/telemetry-streamer/internal/backoff"
	"github.com/entitysim/telemetry-streamer/internal/breaker"
	cfgpkg "github.com/entitysim/telemetry-streamer/internal/config"
	"github.com/entitysim/telemetry-streamer/internal/ratelimit"
	"github.com/entitysim/telemetry-streamer/internal/record"
	"github.com/entitysim/telemetry-streamer/internal/transport"
)

const instrumentationName = "github.com/entitysim/telemetry-streamer"

// ErrQueueFull reports that a destination's queue was at capacity and the
// record was shed.
var ErrQueueFull = errors.New("destination queue is full")

// DestinationStats is one destination's row in GetStats.
type DestinationStats struct {
	Sent                uint64  `json:"sent"`
	Failed              uint64  `json:"failed"`
	Dropped             uint64  `json:"dropped"`
	RejectedByBreaker   uint64  `json:"rejectedByBreaker"`
	Queued              int     `json:"queued"`
	SuccessRate         float64 `json:"successRate"`
	Throughput          float64 `json:"throughput"`
	CircuitBreakerState string  `json:"circuitBreakerState"`
}

// Pipeline buffers records per destination and drives rate-limited,
// circuit-protected delivery to the ingestion backend.
type Pipeline struct {
	Cfg    cfgpkg.Config
	Logger *slog.Logger
	Tracer oteltrace.Tracer
	Meter  otelmetric.Meter

	// Metrics
	RecordsSubmitted otelmetric.Int64Counter
	RecordsSent      otelmetric.Int64Counter
	RecordsFailed    otelmetric.Int64Counter
	RecordsDropped   otelmetric.Int64Counter
	Flushes          otelmetric.Int64Counter
	BreakerOpens     otelmetric.Int64Counter

	sender transport.Sender
	retry  *backoff.Handler
	dests  map[record.Destination]*destination

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newDrainRetry builds the supplementary backoff used by FlushAll. An open
// circuit is not retryable here: retrying while open would defeat the
// fast-fail purpose, so the batch waits for a later flush cycle instead.
func newDrainRetry(maxRetries int, baseDelay time.Duration) *backoff.Handler {
	h := backoff.New(maxRetries, baseDelay)
	h.IsRetryable = func(err error) bool {
		return !errors.Is(err, breaker.ErrCircuitOpen)
	}
	return h
}

// Option customizes pipeline construction.
type Option func(*Pipeline) error

// WithSender overrides the default HTTP sender (useful for tests).
func WithSender(s transport.Sender) Option {
	return func(p *Pipeline) error { p.sender = s; return nil }
}

// New constructs a pipeline with instance-level instruments and one
// destination handle per known destination.
func New(cfg cfgpkg.Config, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		Cfg:    cfg,
		Logger: logger,
		Tracer: otel.Tracer(instrumentationName),
		Meter:  otel.Meter(instrumentationName),
		retry:  newDrainRetry(cfg.MaxRetries, cfg.RetryDelay),
		dests:  make(map[record.Destination]*destination),
	}

	var err error
	if p.RecordsSubmitted, err = p.Meter.Int64Counter(
		"com.entitysim.streamer.records.submitted",
		otelmetric.WithDescription("The number of records accepted into a destination queue"),
		otelmetric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if p.RecordsSent, err = p.Meter.Int64Counter(
		"com.entitysim.streamer.records.sent",
		otelmetric.WithDescription("The number of records delivered to the ingestion backend"),
		otelmetric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if p.RecordsFailed, err = p.Meter.Int64Counter(
		"com.entitysim.streamer.records.failed",
		otelmetric.WithDescription("The number of records whose delivery attempt failed"),
		otelmetric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if p.RecordsDropped, err = p.Meter.Int64Counter(
		"com.entitysim.streamer.records.dropped",
		otelmetric.WithDescription("The number of records shed at submit time"),
		otelmetric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if p.Flushes, err = p.Meter.Int64Counter(
		"com.entitysim.streamer.flushes",
		otelmetric.WithDescription("Number of delivery flushes attempted"),
		otelmetric.WithUnit("{flush}"),
	); err != nil {
		return nil, err
	}

	if p.BreakerOpens, err = p.Meter.Int64Counter(
		"com.entitysim.streamer.breaker.opens",
		otelmetric.WithDescription("Number of circuit breaker open transitions"),
		otelmetric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	// Default sender posts to the configured HTTP endpoints.
	if p.sender == nil {
		client := transport.NewHTTPClient(cfg.RequestTimeout)
		p.sender = transport.NewHTTPSender(client, cfg.APIKey, cfg.Endpoints(), logger)
	}

	for _, name := range record.Destinations() {
		dcfg := cfg.Destination(name)
		b := breaker.New(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
			RetryDelay:       cfg.RetryDelay,
			MaxRetries:       cfg.MaxRetries,
		})
		l := ratelimit.New(dcfg.RateLimit, dcfg.Window())
		d := newDestination(name, b, l, cfg.MaxQueue)

		name := name
		b.SetCallbacks(
			func() {
				p.BreakerOpens.Add(context.Background(), 1)
				p.Logger.Warn("circuit opened", slog.String("destination", string(name)))
			},
			func() {
				p.Logger.Info("circuit closed", slog.String("destination", string(name)))
			},
			func() {
				p.Logger.Debug("call rejected by open circuit", slog.String("destination", string(name)))
			},
		)

		p.dests[name] = d
	}

	return p, nil
}

// Start launches one flush worker per destination. Safe to call more than
// once; subsequent calls are no-ops until Shutdown.
func (p *Pipeline) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}

	ctx, span := p.Tracer.Start(ctx, "pipeline.Start")
	defer span.End()

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, d := range p.dests {
		p.wg.Add(1)
		go p.worker(workerCtx, d)
	}
	p.Logger.DebugContext(ctx, "pipeline started", slog.Int("destinations", len(p.dests)))
}

// worker owns one destination's flush cycle: size-threshold signals plus the
// periodic timer that bounds end-to-end latency for small trickles.
func (p *Pipeline) worker(ctx context.Context, d *destination) {
	defer p.wg.Done()
	defer close(d.done)

	ticker := time.NewTicker(p.Cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.flushChan:
			// A stale signal can arrive after the batch it announced was
			// already flushed; leftovers below the threshold wait for the
			// timer.
			if d.queued() < p.Cfg.BatchSize {
				continue
			}
			attempted, err := p.tryFlush(ctx, d)
			if !attempted || err != nil {
				continue
			}
			// Catch up if more than one batch accumulated behind a single
			// signal; stop early on failure, or when another flush holds
			// the lock, so a blocked destination does not spin.
			for d.queued() >= p.Cfg.BatchSize {
				if ctx.Err() != nil {
					return
				}
				if attempted, err = p.tryFlush(ctx, d); !attempted || err != nil {
					break
				}
			}
		case <-ticker.C:
			_, _ = p.tryFlush(ctx, d)
		}
	}
}

// Submit validates and enqueues one record; it never blocks on delivery. An
// invalid record is dropped here and never retried; a full queue sheds the
// record. Either way the producer gets the error but delivery proceeds
// independently.
func (p *Pipeline) Submit(r record.Record) error {
	if err := r.Validate(); err != nil {
		p.RecordsDropped.Add(context.Background(), 1)
		p.Logger.Warn("dropping invalid record", slog.String("err", err.Error()))
		return err
	}

	kind, _ := r.Kind()
	d := p.dests[record.DestinationFor(kind)]

	ok, reached := d.enqueue(r, p.Cfg.BatchSize)
	if !ok {
		d.stats.RecordDropped(1)
		p.RecordsDropped.Add(context.Background(), 1)
		return ErrQueueFull
	}

	p.RecordsSubmitted.Add(context.Background(), 1)
	if reached {
		d.signalFlush()
	}
	return nil
}

// SubmitBatch enqueues several records, returning the first error observed
// while continuing with the rest.
func (p *Pipeline) SubmitBatch(records []record.Record) error {
	var firstErr error
	for _, r := range records {
		if err := p.Submit(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// tryFlush is the size/timer flush path. attempted is false when a flush is
// already in flight for the destination; the records stay queued for that
// flush, the next signal or the next tick.
func (p *Pipeline) tryFlush(ctx context.Context, d *destination) (attempted bool, err error) {
	if !d.flight.TryLock() {
		return false, nil
	}
	defer d.flight.Unlock()
	return true, p.flushOnce(ctx, d)
}

// flushOnce removes up to batchSize records from the head of the queue and
// attempts one rate-limited, circuit-protected delivery. The caller must
// hold d.flight.
func (p *Pipeline) flushOnce(ctx context.Context, d *destination) error {
	batch := d.popBatch(p.Cfg.BatchSize)
	if len(batch) == 0 {
		// Empty queue: no network call, stats untouched.
		return nil
	}

	ctx, span := p.Tracer.Start(ctx, "pipeline.flush")
	defer span.End()
	span.SetAttributes(
		attribute.String("destination", string(d.name)),
		attribute.Int("batch.size", len(batch)),
	)

	p.Flushes.Add(ctx, 1)

	if err := d.limiter.WaitForCapacity(ctx); err != nil {
		d.requeue(batch)
		return err
	}

	// Delivery runs on a detached context: an in-flight call is bounded by
	// the client timeout, never aborted by worker shutdown.
	sendCtx := context.WithoutCancel(ctx)
	err := d.breaker.ExecuteWithRetry(sendCtx, func(ctx context.Context) error {
		return p.sender.Send(ctx, d.name, batch)
	})
	if err != nil {
		d.requeue(batch)
		d.stats.RecordFailed(len(batch))
		p.RecordsFailed.Add(ctx, int64(len(batch)))
		if errors.Is(err, breaker.ErrCircuitOpen) {
			d.stats.RecordRejectedByBreaker(len(batch))
		} else {
			p.Logger.Error(
				"flush failed, batch requeued",
				slog.String("destination", string(d.name)),
				slog.Int("batch_size", len(batch)),
				slog.Int("queued", d.queued()),
				slog.String("err", err.Error()),
			)
		}
		return err
	}

	d.stats.RecordSent(len(batch))
	p.RecordsSent.Add(ctx, int64(len(batch)))
	p.Logger.DebugContext(ctx, "flush delivered",
		slog.String("destination", string(d.name)),
		slog.Int("batch_size", len(batch)),
	)
	return nil
}

// FlushAll drains every destination until empty or until the supplementary
// backoff retries are exhausted. Destinations drain independently and in
// parallel.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	ctx, span := p.Tracer.Start(ctx, "pipeline.FlushAll")
	defer span.End()

	// A plain group, not errgroup.WithContext: one destination's failure
	// must not cancel another destination's drain mid-way.
	var g errgroup.Group
	for _, d := range p.dests {
		d := d
		g.Go(func() error { return p.drain(ctx, d) })
	}
	return g.Wait()
}

// drain flushes one destination to empty. A flush that still fails after
// the backoff handler's retries leaves its batch requeued and stops the
// drain; the records wait for a later cycle.
func (p *Pipeline) drain(ctx context.Context, d *destination) error {
	for d.queued() > 0 {
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			d.flight.Lock()
			defer d.flight.Unlock()
			return p.flushOnce(ctx, d)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats reports every destination's counters, queue depth, derived rates
// and circuit breaker state.
func (p *Pipeline) GetStats() map[record.Destination]DestinationStats {
	out := make(map[record.Destination]DestinationStats, len(p.dests))
	for name, d := range p.dests {
		out[name] = DestinationStats{
			Sent:                d.stats.Sent(),
			Failed:              d.stats.Failed(),
			Dropped:             d.stats.Dropped(),
			RejectedByBreaker:   d.stats.RejectedByBreaker(),
			Queued:              d.queued(),
			SuccessRate:         d.stats.SuccessRate(),
			Throughput:          d.stats.Throughput(),
			CircuitBreakerState: d.breaker.State().String(),
		}
	}
	return out
}

// ResetCircuitBreakers forces every destination's breaker back to CLOSED.
// Administrative override for operators.
func (p *Pipeline) ResetCircuitBreakers() {
	for name, d := range p.dests {
		d.breaker.Reset()
		p.Logger.Info("circuit breaker reset", slog.String("destination", string(name)))
	}
}

// Shutdown stops the periodic workers first so no new flush cycles are
// scheduled, then gives queued records one final best-effort drain.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}

	ctx, span := p.Tracer.Start(ctx, "pipeline.Shutdown")
	defer span.End()

	p.Logger.DebugContext(ctx, "pipeline shutdown: stopping workers")
	p.cancel()
	p.cancel = nil
	p.wg.Wait()

	err := p.FlushAll(ctx)
	if err != nil {
		p.Logger.Warn("final drain incomplete; records remain queued", slog.String("err", err.Error()))
	}
	p.Logger.DebugContext(ctx, "pipeline shutdown: complete")
	return err
}

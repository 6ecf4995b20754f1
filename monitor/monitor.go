package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/livewatch/cache"
	"github.com/onnwee/livewatch/config"
	"github.com/onnwee/livewatch/db"
	"github.com/onnwee/livewatch/telemetry"
	"github.com/onnwee/livewatch/twitchapi"
)

const tickerTag = "monitor"

// Options configure a Monitor.
type Options struct {
	Interval time.Duration
	// Concurrency bounds chunks processed in parallel (default 1).
	Concurrency int
	Policy      Policy
	Clock       quartz.Clock
}

// OptionsFromConfig maps the process configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:    cfg.CheckInterval,
		Concurrency: cfg.ChunkConcurrency,
		Policy:      PolicyFromConfig(cfg),
	}
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Tracked        int           `json:"tracked"`
	Live           int           `json:"live"`
	Chunks         int           `json:"chunks"`
	FailedChunks   int           `json:"failed_chunks"`
	FailedEntities int           `json:"failed_entities"`
	// Aborted is set when an auth failure stopped the remaining chunks.
	Aborted bool `json:"aborted"`
	// Err aggregates chunk failures.
	Err error `json:"-"`
}

// Monitor is the poll scheduler. Start runs a cycle immediately and then one per
// interval; a long cycle delays the next tick instead of overlapping it.
type Monitor struct {
	Store      Store
	Provider   Provider
	Reconciler *Reconciler
	opts       Options

	// cycleMu serializes cycles, including manual RunCycle calls.
	cycleMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	last atomic.Pointer[CycleReport]
}

// New wires a Monitor. profiles may be nil.
func New(store Store, provider Provider, notifier Notifier, profiles cache.ProfileCache, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	clk := opts.Clock
	return &Monitor{
		Store:    store,
		Provider: provider,
		Reconciler: &Reconciler{
			Store:    store,
			Provider: provider,
			Notifier: notifier,
			Profiles: profiles,
			Policy:   opts.Policy,
			Now:      func() time.Time { return clk.Now() },
		},
		opts: opts,
	}
}

// Interval returns the poll interval.
func (m *Monitor) Interval() time.Duration { return m.opts.Interval }

// LastReport returns the most recent cycle report, or nil before the first cycle.
func (m *Monitor) LastReport() *CycleReport { return m.last.Load() }

// Start launches the poll loop. Calling Start on a running monitor is a no-op.
// Cancelling ctx stops future ticks like Stop does.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	// In-flight cycles are not interrupted by Stop.
	cycleCtx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	slog.Info("monitor starting", slog.Duration("interval", m.opts.Interval), slog.Int("concurrency", m.opts.Concurrency), slog.String("component", "monitor"))
	go func() {
		defer close(done)
		m.RunCycle(cycleCtx)
		if tickCtx.Err() != nil {
			return
		}
		w := m.opts.Clock.TickerFunc(tickCtx, m.opts.Interval, func() error {
			m.RunCycle(cycleCtx)
			return nil
		}, tickerTag)
		if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("monitor loop exited", slog.Any("err", err), slog.String("component", "monitor"))
		}
	}()
}

// Stop prevents further ticks and waits for the loop and any in-flight cycle to
// finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	// A manual RunCycle may still hold the lock.
	m.cycleMu.Lock()
	m.cycleMu.Unlock()
	slog.Info("monitor stopped", slog.String("component", "monitor"))
}

// RunCycle performs one full reconciliation pass over every tracked entity.
func (m *Monitor) RunCycle(ctx context.Context) *CycleReport {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	rep := &CycleReport{ID: uuid.NewString(), StartedAt: m.opts.Clock.Now()}
	ctx = telemetry.WithCorrelation(ctx, rep.ID)
	ctx, span := telemetry.StartSpan(ctx, "monitor", "poll_cycle")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "monitor"))

	start := time.Now()
	entities, err := m.Store.ListAllTrackedEntities(ctx)
	if err != nil {
		telemetry.CountBatchFailure("persistence")
		telemetry.RecordError(span, err)
		rep.Err = fmt.Errorf("list tracked entities: %w", err)
		rep.Duration = time.Since(start)
		log.Error("poll cycle failed", slog.Any("err", rep.Err))
		m.last.Store(rep)
		return rep
	}
	rep.Tracked = len(entities)

	chunks := chunkEntities(entities, twitchapi.MaxLoginsPerRequest)
	rep.Chunks = len(chunks)
	span.SetAttributes(attribute.Int("tracked", rep.Tracked), attribute.Int("chunks", rep.Chunks))

	var (
		mu      sync.Mutex
		errs    *multierror.Error
		aborted atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			if aborted.Load() {
				return nil
			}
			bctx, bspan := telemetry.StartSpan(ctx, "monitor", "poll_batch", attribute.Int("batch", i), attribute.Int("size", len(chunk)))
			defer bspan.End()
			var (
				failed int
				err    error
			)
			telemetry.TimeFunc(telemetry.PollBatchDuration, func() {
				failed, err = m.Reconciler.ReconcileChunk(bctx, chunk)
			})

			mu.Lock()
			defer mu.Unlock()
			rep.FailedEntities += failed
			if err == nil {
				return nil
			}
			telemetry.RecordError(bspan, err)
			rep.FailedChunks++
			errs = multierror.Append(errs, fmt.Errorf("batch %d: %w", i, err))
			var pe *twitchapi.ProviderError
			switch {
			case twitchapi.IsAuthError(err):
				telemetry.CountBatchFailure("auth")
				aborted.Store(true)
				log.Error("provider authentication failed; skipping remaining batches", slog.Int("batch", i), slog.Any("err", err))
			case errors.As(err, &pe):
				telemetry.CountBatchFailure("provider")
				log.Warn("provider batch failed; skipping", slog.Int("batch", i), slog.Int("size", len(chunk)), slog.Any("err", err))
			default:
				telemetry.CountBatchFailure("other")
				log.Warn("batch failed; skipping", slog.Int("batch", i), slog.Any("err", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range entities {
		if entities[i].IsLive {
			rep.Live++
		}
	}
	rep.Aborted = aborted.Load()
	rep.Err = errs.ErrorOrNil()
	rep.Duration = time.Since(start)
	telemetry.RecordCycle(rep.Duration, rep.Tracked, rep.Live)
	if rep.Err != nil {
		telemetry.RecordError(span, rep.Err)
	}
	if err := m.Store.RecordHeartbeat(ctx, m.opts.Clock.Now()); err != nil {
		log.Warn("record heartbeat", slog.Any("err", err))
	}
	m.last.Store(rep)

	log.Info("poll cycle complete",
		slog.Int("tracked", rep.Tracked),
		slog.Int("live", rep.Live),
		slog.Int("chunks", rep.Chunks),
		slog.Int("failed_chunks", rep.FailedChunks),
		slog.Int("failed_entities", rep.FailedEntities),
		slog.Bool("aborted", rep.Aborted),
		slog.Duration("took", rep.Duration))
	return rep
}

// chunkEntities groups entities by lowercase handle and splits the distinct
// handles into chunks of at most size. All entities sharing a handle land in the
// same chunk, so each row is written by exactly one chunk.
func chunkEntities(entities []db.TrackedEntity, size int) [][]*db.TrackedEntity {
	byHandle := map[string][]*db.TrackedEntity{}
	var handles []string
	for i := range entities {
		e := &entities[i]
		e.Handle = db.NormalizeHandle(e.Handle)
		if _, ok := byHandle[e.Handle]; !ok {
			handles = append(handles, e.Handle)
		}
		byHandle[e.Handle] = append(byHandle[e.Handle], e)
	}
	var out [][]*db.TrackedEntity
	for _, group := range twitchapi.Chunk(handles, size) {
		var chunk []*db.TrackedEntity
		for _, h := range group {
			chunk = append(chunk, byHandle[h]...)
		}
		out = append(out, chunk)
	}
	return out
}

// rollup.go adds the in-memory rolling aggregates and durable ClickHouse
// rollup store the base spec's metrics collector (C11) calls for, on top of
// prometheus.go's counters. The teacher wires clickhouse-go/v2 in go.mod but
// never connects it ("not wired in the open-source build... In the managed
// version this connects to ClickHouse for analytics" — internal/app/init.go)
// — this gives that dependency the home the teacher always intended for it.
// The batched async-write shape (buffered channel, periodic flush; a batch
// whose insert fails is logged and dropped, not retried) follows the analytics ingestion pipeline pattern in the wider
// pack (per-event channel + flush worker + drop-on-full backpressure).
package metrics

import (
	"container/ring"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// RequestSample is one completed request's observations, fed to both the
// in-memory rolling aggregates and (if configured) the ClickHouse sink.
type RequestSample struct {
	Timestamp    time.Time
	Provider     string
	Model        string
	Route        string
	StatusCode   int
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	Cached       bool
	SessionID    string
}

// Snapshot is a point-in-time read of the rolling aggregates.
type Snapshot struct {
	RequestsPerMinute float64
	TokensPerSecond   float64
	ActiveSessions    int
	ErrorRate         float64
	LatencyP50Ms      float64
	LatencyP90Ms      float64
	LatencyP95Ms      float64
	LatencyP99Ms      float64
	LatencyP999Ms     float64
	StatusCounts      map[int]int64
}

// Aggregator keeps a bounded rolling window of recent request samples in
// memory and derives the live Snapshot from it. It never blocks the request
// path: Observe only appends to a ring buffer under a mutex.
type Aggregator struct {
	mu      sync.Mutex
	window  *ring.Ring
	size    int
	filled  int
	sessions map[string]time.Time
}

// NewAggregator creates an Aggregator retaining the last windowSize samples.
func NewAggregator(windowSize int) *Aggregator {
	if windowSize <= 0 {
		windowSize = 2048
	}
	return &Aggregator{
		window:   ring.New(windowSize),
		size:     windowSize,
		sessions: make(map[string]time.Time),
	}
}

// Observe records one completed request.
func (a *Aggregator) Observe(s RequestSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window.Value = s
	a.window = a.window.Next()
	if a.filled < a.size {
		a.filled++
	}
	if s.SessionID != "" {
		a.sessions[s.SessionID] = s.Timestamp
	}
}

// sessionTTL bounds how long a session counts as "active" without a new
// request before Snapshot stops counting it.
const sessionTTL = 10 * time.Minute

// Snapshot computes the current rolling-window statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	samples := make([]RequestSample, 0, a.filled)
	a.window.Do(func(v any) {
		if v == nil {
			return
		}
		samples = append(samples, v.(RequestSample))
	})
	now := time.Now()
	for id, last := range a.sessions {
		if now.Sub(last) > sessionTTL {
			delete(a.sessions, id)
		}
	}
	active := len(a.sessions)
	a.mu.Unlock()

	if len(samples) == 0 {
		return Snapshot{StatusCounts: map[int]int64{}, ActiveSessions: active}
	}

	oldest := samples[0].Timestamp
	newest := samples[0].Timestamp
	var totalTokens int64
	var errCount int64
	statusCounts := make(map[int]int64)
	latencies := make([]float64, 0, len(samples))

	for _, s := range samples {
		if s.Timestamp.Before(oldest) {
			oldest = s.Timestamp
		}
		if s.Timestamp.After(newest) {
			newest = s.Timestamp
		}
		totalTokens += int64(s.InputTokens + s.OutputTokens)
		if s.StatusCode >= 500 {
			errCount++
		}
		statusCounts[s.StatusCode]++
		latencies = append(latencies, float64(s.LatencyMs))
	}

	span := newest.Sub(oldest)
	if span <= 0 {
		span = time.Second
	}

	sort.Float64s(latencies)

	return Snapshot{
		RequestsPerMinute: float64(len(samples)) / span.Minutes(),
		TokensPerSecond:   float64(totalTokens) / span.Seconds(),
		ActiveSessions:    active,
		ErrorRate:         float64(errCount) / float64(len(samples)),
		LatencyP50Ms:      percentile(latencies, 0.50),
		LatencyP90Ms:      percentile(latencies, 0.90),
		LatencyP95Ms:      percentile(latencies, 0.95),
		LatencyP99Ms:      percentile(latencies, 0.99),
		LatencyP999Ms:     percentile(latencies, 0.999),
		StatusCounts:      statusCounts,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// RollupConfig controls the ClickHouse durable sink.
type RollupConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	Retention     time.Duration
}

// DefaultRollupConfig mirrors the batching defaults used across the pack's
// analytics ingestion pipelines.
func DefaultRollupConfig() RollupConfig {
	return RollupConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		BufferSize:    20000,
		Retention:     90 * 24 * time.Hour,
	}
}

// RollupStore asynchronously batches RequestSamples into ClickHouse's
// request_metrics table and runs a periodic retention sweep. It does not
// write hourly_aggregates: QueryProviderRollups reads only rows that
// something outside this store has put there. Writes never block the
// request path: Observe drops the sample (and logs at WARN) when the
// buffer is full rather than stalling.
type RollupStore struct {
	log    *slog.Logger
	conn   clickhouse.Conn
	cfg    RollupConfig
	ch     chan RequestSample
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped int64
	mu      sync.Mutex
}

// NewRollupStore dials ClickHouse and returns a RollupStore. Returns an
// error only on connection failure — callers in a degraded environment
// should fall back to running without a RollupStore rather than failing
// startup.
func NewRollupStore(ctx context.Context, log *slog.Logger, cfg RollupConfig) (*RollupStore, error) {
	if cfg.BatchSize <= 0 {
		dsn := cfg.DSN
		cfg = DefaultRollupConfig()
		cfg.DSN = dsn
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.DSN},
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: clickhouse dial: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("metrics: clickhouse ping: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &RollupStore{
		log:  log,
		conn: conn,
		cfg:  cfg,
		ch:   make(chan RequestSample, cfg.BufferSize),
	}, nil
}

// Start launches the flush loop and the retention sweeper.
func (r *RollupStore) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.flushLoop(ctx)
	go r.retentionLoop(ctx)
}

// Ping reports whether the ClickHouse connection is reachable, for wiring
// into the gateway's health/readiness checks.
func (r *RollupStore) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// Stop cancels background work and closes the connection after a final
// flush.
func (r *RollupStore) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	_ = r.conn.Close()
}

// Observe enqueues a sample for batched insertion. Non-blocking.
func (r *RollupStore) Observe(s RequestSample) {
	select {
	case r.ch <- s:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("rollup sample dropped: buffer full", slog.String("provider", s.Provider))
	}
}

func (r *RollupStore) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]RequestSample, 0, r.cfg.BatchSize)
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.insertBatch(flushCtx, batch); err != nil {
			r.log.Error("rollup flush failed", slog.String("error", err.Error()), slog.Int("batch_size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case s := <-r.ch:
			batch = append(batch, s)
			if len(batch) >= r.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			// Drain whatever is already queued before the final flush. ctx is
			// already cancelled at this point, so the final insert needs its
			// own short-lived, uncancelled context or it would fail before
			// doing any I/O.
			for {
				select {
				case s := <-r.ch:
					batch = append(batch, s)
				default:
					finalCtx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushInterval)
					flush(finalCtx)
					cancel()
					return
				}
			}
		}
	}
}

func (r *RollupStore) insertBatch(ctx context.Context, batch []RequestSample) error {
	rows, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO request_metrics
		(ts, provider, model, route, status_code, latency_ms, input_tokens, output_tokens, cached, session_id)
	`)
	if err != nil {
		return err
	}
	for _, s := range batch {
		if err := rows.Append(s.Timestamp, s.Provider, s.Model, s.Route, int32(s.StatusCode), s.LatencyMs, int32(s.InputTokens), int32(s.OutputTokens), s.Cached, s.SessionID); err != nil {
			return err
		}
	}
	return rows.Send()
}

func (r *RollupStore) retentionLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.Retention)
			if err := r.conn.Exec(ctx, `ALTER TABLE request_metrics DELETE WHERE ts < ?`, cutoff); err != nil {
				r.log.Error("rollup retention sweep failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ProviderRollup is one row of the per-provider query.
type ProviderRollup struct {
	Provider     string
	RequestCount uint64
	ErrorCount   uint64
	AvgLatencyMs float64
	TotalTokens  uint64
}

// QueryProviderRollups returns per-provider aggregates over the given
// window, read from hourly_aggregates.
func (r *RollupStore) QueryProviderRollups(ctx context.Context, since time.Time) ([]ProviderRollup, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT provider,
		       sum(request_count) AS requests,
		       sum(error_count) AS errors,
		       avg(avg_latency_ms) AS avg_latency,
		       sum(total_tokens) AS tokens
		FROM hourly_aggregates
		WHERE hour >= ?
		GROUP BY provider
		ORDER BY requests DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("metrics: query provider rollups: %w", err)
	}
	defer rows.Close()

	var out []ProviderRollup
	for rows.Next() {
		var p ProviderRollup
		if err := rows.Scan(&p.Provider, &p.RequestCount, &p.ErrorCount, &p.AvgLatencyMs, &p.TotalTokens); err != nil {
			return nil, fmt.Errorf("metrics: scan provider rollup: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopModel is one row of the top-models-by-volume query.
type TopModel struct {
	Model        string
	RequestCount uint64
}

// QueryTopModels returns the most-used models since the given time, limited
// to limit rows.
func (r *RollupStore) QueryTopModels(ctx context.Context, since time.Time, limit int) ([]TopModel, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.conn.Query(ctx, `
		SELECT model, count() AS requests
		FROM request_metrics
		WHERE ts >= ?
		GROUP BY model
		ORDER BY requests DESC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("metrics: query top models: %w", err)
	}
	defer rows.Close()

	var out []TopModel
	for rows.Next() {
		var m TopModel
		if err := rows.Scan(&m.Model, &m.RequestCount); err != nil {
			return nil, fmt.Errorf("metrics: scan top model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DroppedSamples reports how many Observe calls were dropped due to a full
// buffer, for self-monitoring.
func (r *RollupStore) DroppedSamples() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

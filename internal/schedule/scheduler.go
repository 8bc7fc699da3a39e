// Package schedule runs ingestion over a configured list of queries, either
// once or on a fixed interval.
package schedule

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/ingest"
	"github.com/sells-group/pricewatch/internal/model"
)

const (
	defaultConcurrency = 3
	defaultInterval    = time.Hour
)

// Ingester is the ingestion unit the scheduler drives.
type Ingester interface {
	Ingest(ctx context.Context, query string) (*ingest.Result, error)
}

// QueryResult is the outcome of one query in a run.
type QueryResult struct {
	Query    string `json:"query"`
	Status   string `json:"status"`
	Recorded int    `json:"recorded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatusFailed marks a query whose ingestion returned an error.
const StatusFailed = "failed"

// Report summarises one run over every query.
type Report struct {
	SuccessCount    int           `json:"success_count"`
	NoDataCount     int           `json:"no_data_count"`
	FailedCount     int           `json:"failed_count"`
	TotalCount      int           `json:"total_count"`
	DurationSeconds float64       `json:"duration_seconds"`
	Timestamp       time.Time     `json:"timestamp"`
	Results         []QueryResult `json:"results,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency bounds how many queries are ingested at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithInterval sets the delay between runs in Run.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Scheduler owns the query list. The list may change between runs.
type Scheduler struct {
	ing         Ingester
	concurrency int
	interval    time.Duration
	now         func() time.Time

	mu      sync.Mutex
	queries []string
}

// New creates a Scheduler over queries. Blank and duplicate entries are
// dropped.
func New(ing Ingester, queries []string, opts ...Option) *Scheduler {
	s := &Scheduler{
		ing:         ing,
		concurrency: defaultConcurrency,
		interval:    defaultInterval,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for _, q := range queries {
		_, _ = s.AddQuery(q)
	}
	return s
}

// Queries returns a copy of the current query list.
func (s *Scheduler) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

// AddQuery appends query unless it is already scheduled. It reports whether
// the list changed.
func (s *Scheduler) AddQuery(query string) (bool, error) {
	name, err := model.ValidateName(query)
	if err != nil {
		return false, eris.Wrap(err, "schedule: add query")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.queries, name) {
		return false, nil
	}
	s.queries = append(s.queries, name)
	zap.L().Info("query added", zap.String("component", "schedule"), zap.String("query", name))
	return true, nil
}

// RemoveQuery drops query from the list. It reports whether it was present.
func (s *Scheduler) RemoveQuery(query string) bool {
	name := model.NormalizeName(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.queries, name)
	if i < 0 {
		return false
	}
	s.queries = slices.Delete(s.queries, i, i+1)
	zap.L().Info("query removed", zap.String("component", "schedule"), zap.String("query", name))
	return true
}

// RunOnce ingests every query with bounded concurrency. A failing query is
// recorded in the report and does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) *Report {
	queries := s.Queries()
	start := s.now()
	log := zap.L().With(zap.String("component", "schedule"))
	log.Info("starting scheduled run",
		zap.Int("queries", len(queries)),
		zap.Int("concurrency", s.concurrency),
	)

	results := make([]QueryResult, len(queries))
	var succeeded, empty, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			res, err := s.ing.Ingest(gctx, q)
			if err != nil {
				failed.Add(1)
				results[i] = QueryResult{Query: q, Status: StatusFailed, Error: err.Error()}
				log.Error("query failed", zap.String("query", q), zap.Error(err))
				return nil
			}

			results[i] = QueryResult{Query: q, Status: string(res.Status), Recorded: res.Recorded}
			if res.Status == ingest.StatusNoData {
				empty.Add(1)
				log.Warn("no prices found", zap.String("query", q))
			} else {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	end := s.now()
	report := &Report{
		SuccessCount:    int(succeeded.Load()),
		NoDataCount:     int(empty.Load()),
		FailedCount:     int(failed.Load()),
		TotalCount:      len(queries),
		DurationSeconds: end.Sub(start).Seconds(),
		Timestamp:       end.UTC(),
		Results:         results,
	}
	log.Info("scheduled run complete",
		zap.Int("success", report.SuccessCount),
		zap.Int("no_data", report.NoDataCount),
		zap.Int("failed", report.FailedCount),
		zap.Int("total", report.TotalCount),
		zap.Float64("duration_seconds", report.DurationSeconds),
	)
	return report
}

// Run calls RunOnce immediately and then every interval until ctx is done.
// onReport, when non-nil, receives each report.
func (s *Scheduler) Run(ctx context.Context, onReport func(*Report)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		report := s.RunOnce(ctx)
		if onReport != nil {
			onReport(report)
		}

		select {
		case <-ctx.Done():
			zap.L().Info("scheduler stopped", zap.String("component", "schedule"))
			return nil
		case <-ticker.C:
		}
	}
}

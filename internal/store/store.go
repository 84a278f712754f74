package store

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"threatwatch/internal/logger"
	"threatwatch/internal/metrics"
	"threatwatch/pkg/models"
)

const (
	DefaultMaxAlerts   = 100
	DefaultMaxTimeline = 20

	timeLabelLayout = "15:04:05"
)

// SummaryFetcher fetches the authoritative aggregate.
type SummaryFetcher interface {
	FetchSummary(ctx context.Context) (*models.Summary, error)
}

// Config configures a Store.
type Config struct {
	MaxAlerts    int
	MaxTimeline  int
	FetchTimeout time.Duration
	Now          func() time.Time
	Metrics      *metrics.Metrics
}

// Snapshot is an immutable view of the store. Callers own every slice in it.
type Snapshot struct {
	Version  uint64
	Alerts   []models.Alert
	Timeline []models.TrafficPoint
	Summary  *models.Summary
}

// Store is the bounded, ordered collection of recent alerts plus the last
// known summary.
//
// Mutations are expected from one serialized writer (the push callback
// chain and summary completions); the lock only protects readers on other
// goroutines from observing a half-applied mutation.
type Store struct {
	fetcher      SummaryFetcher
	maxAlerts    int
	maxTimeline  int
	fetchTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	alerts   []models.Alert // newest first
	timeline []models.TrafficPoint
	summary  *models.Summary
	version  uint64
	issued   uint64
	closed   bool
	onChange func(Snapshot)

	notifyMu     sync.Mutex
	lastNotified uint64
}

// New creates a store. fetcher may be nil, in which case ingest does not
// trigger summary refreshes.
func New(fetcher SummaryFetcher, cfg Config) *Store {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	if cfg.MaxTimeline <= 0 {
		cfg.MaxTimeline = DefaultMaxTimeline
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		fetcher:      fetcher,
		maxAlerts:    cfg.MaxAlerts,
		maxTimeline:  cfg.MaxTimeline,
		fetchTimeout: cfg.FetchTimeout,
		now:          cfg.Now,
		metrics:      cfg.Metrics,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// OnChange registers a handler invoked after every applied mutation. Handlers
// see strictly increasing versions and must not mutate the store.
func (s *Store) OnChange(handler func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = handler
}

// Seed replaces the buffer wholesale. Input is assumed newest first.
func (s *Store) Seed(alerts []models.Alert) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	n := len(alerts)
	if n > s.maxAlerts {
		n = s.maxAlerts
	}
	s.alerts = cloneAlerts(alerts[:n])
	s.version++
	snap, handler := s.snapshotLocked(), s.onChange
	s.mu.Unlock()

	s.metrics.BufferedAlerts.Set(float64(len(snap.Alerts)))
	s.notify(handler, snap)
}

// Ingest prepends one alert, appends a timeline point and requests a summary
// refresh whose result is applied only if no newer request was issued.
func (s *Store) Ingest(alert models.Alert) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	keep := len(s.alerts)
	if keep > s.maxAlerts-1 {
		keep = s.maxAlerts - 1
	}
	next := make([]models.Alert, 0, keep+1)
	next = append(next, alert.Clone())
	next = append(next, s.alerts[:keep]...)
	s.alerts = next

	s.timeline = append(s.timeline, models.TrafficPoint{
		TimeLabel:   s.now().Format(timeLabelLayout),
		ThreatCount: 1,
	})
	if over := len(s.timeline) - s.maxTimeline; over > 0 {
		s.timeline = append([]models.TrafficPoint(nil), s.timeline[over:]...)
	}

	s.version++
	seq := s.issueLocked()
	snap, handler := s.snapshotLocked(), s.onChange
	s.mu.Unlock()

	s.metrics.AlertsIngested.WithLabelValues(severityLabel(alert.Severity)).Inc()
	s.metrics.BufferedAlerts.Set(float64(len(snap.Alerts)))
	s.notify(handler, snap)
	s.refresh(seq)
}

// RefreshSummary issues a summary request without ingesting anything.
func (s *Store) RefreshSummary() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	seq := s.issueLocked()
	s.mu.Unlock()
	s.refresh(seq)
}

// ReplaceSummary installs summary wholesale. Requests still in flight become
// stale and their responses are discarded.
func (s *Store) ReplaceSummary(summary *models.Summary) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.issued++
	s.summary = summary.Clone()
	s.version++
	snap, handler := s.snapshotLocked(), s.onChange
	s.mu.Unlock()

	s.notify(handler, snap)
}

// Close tears the store down. Later mutations and late fetch results are
// ignored.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// RecentAlerts returns up to n newest alerts.
func (s *Store) RecentAlerts(n int) []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return []models.Alert{}
	}
	if n > len(s.alerts) {
		n = len(s.alerts)
	}
	return cloneAlerts(s.alerts[:n])
}

// AllAlerts returns every buffered alert, newest first.
func (s *Store) AllAlerts() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAlerts(s.alerts)
}

// Timeline returns the traffic series, oldest first.
func (s *Store) Timeline() []models.TrafficPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TrafficPoint{}, s.timeline...)
}

// Summary returns the last applied summary, or nil before the first
// successful fetch.
func (s *Store) Summary() *models.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary.Clone()
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) issueLocked() uint64 {
	s.issued++
	return s.issued
}

func (s *Store) refresh(seq uint64) {
	if s.fetcher == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Panic in summary refresh: %v\n%s", r, debug.Stack())
			}
		}()

		ctx, cancel := context.WithTimeout(s.ctx, s.fetchTimeout)
		defer cancel()

		summary, err := s.fetcher.FetchSummary(ctx)
		if err != nil {
			if errors.Is(s.ctx.Err(), context.Canceled) {
				s.metrics.SummaryRefreshes.WithLabelValues("discarded").Inc()
				return
			}
			s.metrics.SummaryRefreshes.WithLabelValues("failed").Inc()
			logger.Warnf("Summary refresh %d failed, keeping previous summary: %v", seq, err)
			return
		}
		s.apply(seq, summary)
	}()
}

func (s *Store) apply(seq uint64, summary *models.Summary) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.SummaryRefreshes.WithLabelValues("discarded").Inc()
		return
	}
	if seq != s.issued {
		latest := s.issued
		s.mu.Unlock()
		s.metrics.SummaryRefreshes.WithLabelValues("stale").Inc()
		logger.Debugf("Discarding stale summary response %d (latest %d)", seq, latest)
		return
	}
	s.summary = summary.Clone()
	s.version++
	snap, handler := s.snapshotLocked(), s.onChange
	s.mu.Unlock()

	s.metrics.SummaryRefreshes.WithLabelValues("applied").Inc()
	s.notify(handler, snap)
}

func (s *Store) notify(handler func(Snapshot), snap Snapshot) {
	if handler == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.Version <= s.lastNotified {
		return
	}
	s.lastNotified = snap.Version
	handler(snap)
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Version:  s.version,
		Alerts:   cloneAlerts(s.alerts),
		Timeline: append([]models.TrafficPoint{}, s.timeline...),
		Summary:  s.summary.Clone(),
	}
}

func cloneAlerts(in []models.Alert) []models.Alert {
	out := make([]models.Alert, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func severityLabel(s models.Severity) string {
	if s.Known() {
		return s.String()
	}
	return "UNCLASSIFIED"
}

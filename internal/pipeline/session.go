package pipeline

import (
	"context"
	"sync"

	"threatwatch/internal/connection"
	"threatwatch/internal/logger"
	"threatwatch/internal/metrics"
	"threatwatch/internal/store"
	"threatwatch/internal/view"
	"threatwatch/pkg/models"
)

// recentPreview is how many alerts the dashboard preview shows.
const recentPreview = 8

// DefaultNotifyQueue bounds notifications waiting for the sink.
const DefaultNotifyQueue = 64

// AlertFetcher performs the initial bulk load.
type AlertFetcher interface {
	FetchRecent(ctx context.Context, limit int) ([]models.Alert, error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	RecentLimit int
	NotifyQueue int
	Metrics     *metrics.Metrics
}

// Session wires one push connection, one alert store and one notification
// sink together for the lifetime of an operator session.
type Session struct {
	fetcher     AlertFetcher
	manager     *connection.Manager
	store       *store.Store
	projector   *view.Projector
	sink        NotificationSink
	metrics     *metrics.Metrics
	recentLimit int

	// Notifications are delivered off the read loop so a slow sink never
	// delays ingest.
	queueMu     sync.RWMutex
	queue       chan view.Notification
	queueClosed bool
	stopping    chan struct{}
	drained     chan struct{}

	updateMu sync.Mutex
	onUpdate func(Dashboard)

	closeOnce sync.Once
}

// NewSession creates a session. sink may be nil.
func NewSession(fetcher AlertFetcher, manager *connection.Manager, st *store.Store, sink NotificationSink, cfg SessionConfig) *Session {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = store.DefaultMaxAlerts
	}
	if cfg.NotifyQueue <= 0 {
		cfg.NotifyQueue = DefaultNotifyQueue
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	s := &Session{
		fetcher:     fetcher,
		manager:     manager,
		store:       st,
		projector:   view.NewProjector(),
		sink:        sink,
		metrics:     cfg.Metrics,
		recentLimit: cfg.RecentLimit,
		queue:       make(chan view.Notification, cfg.NotifyQueue),
		stopping:    make(chan struct{}),
		drained:     make(chan struct{}),
	}
	st.OnChange(s.handleChange)
	go s.drainNotifications()
	return s
}

// OnUpdate registers a handler that receives a fresh dashboard after every
// store change. It runs on the goroutine that mutated the store.
func (s *Session) OnUpdate(handler func(Dashboard)) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.onUpdate = handler
}

// Start seeds the store, requests the first summary and opens the push
// connection. Fetch failures are logged; the session starts with whatever it
// has and the push stream catches up.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Seed(ctx); err != nil {
		logger.Warnf("Initial alert fetch failed, starting empty: %v", err)
	}
	s.store.RefreshSummary()

	s.manager.OnStateChange(s.handleState)
	s.manager.OnEvent(s.handleEvent)
	return s.manager.Connect(ctx)
}

// Seed performs the bulk fetch and replaces the store buffer.
func (s *Session) Seed(ctx context.Context) error {
	alerts, err := s.fetcher.FetchRecent(ctx, s.recentLimit)
	if err != nil {
		return err
	}
	s.store.Seed(alerts)
	logger.Infof("Seeded store with %d alerts", len(alerts))
	return nil
}

// Store exposes the session's alert store for read access.
func (s *Session) Store() *store.Store {
	return s.store
}

// Close ends the session: no reconnection, no further store mutation.
// It waits for an in-flight Notify and drops notifications still queued.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.manager.Close()
		s.store.Close()

		s.queueMu.Lock()
		s.queueClosed = true
		close(s.stopping)
		close(s.queue)
		s.queueMu.Unlock()
		<-s.drained

		if s.sink != nil {
			if cerr := s.sink.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		logger.Infof("Session closed")
	})
	return err
}

func (s *Session) handleEvent(alert models.Alert) {
	s.store.Ingest(alert)

	n, ok := view.BuildNotification(alert)
	if !ok || s.sink == nil {
		return
	}
	s.enqueue(n)
}

func (s *Session) enqueue(n view.Notification) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.queueClosed {
		s.metrics.NotificationsDropped.Inc()
		return
	}
	select {
	case s.queue <- n:
		s.metrics.NotificationsRaised.WithLabelValues(n.Tier).Inc()
	default:
		s.metrics.NotificationsDropped.Inc()
		logger.Warnf("Notification queue full, dropping %s notification for alert %s", n.Tier, n.AlertID)
	}
}

// drainNotifications is the only caller of sink.Notify. Notifications still
// queued when the session closes are dropped rather than delivered.
func (s *Session) drainNotifications() {
	defer close(s.drained)
	for n := range s.queue {
		select {
		case <-s.stopping:
			s.metrics.NotificationsDropped.Inc()
			continue
		default:
		}
		if err := s.sink.Notify(n); err != nil {
			logger.Warnf("Notification sink failed for alert %s: %v", n.AlertID, err)
		}
	}
}

func (s *Session) handleChange(snap store.Snapshot) {
	s.projector.Reset(snap.Version)

	s.updateMu.Lock()
	handler := s.onUpdate
	s.updateMu.Unlock()
	if handler != nil {
		handler(s.dashboardFrom(snap, view.FilterAll))
	}
}

func (s *Session) handleState(state connection.State) {
	switch state {
	case connection.Connected:
		logger.Infof("Live: push connection up")
	case connection.Disconnected:
		logger.Warnf("Reconnecting: push connection down")
	default:
		logger.Debugf("Push connection %s", state)
	}
}

// Dashboard is every derived view for one render.
type Dashboard struct {
	Version      uint64                `json:"version"`
	Connection   string                `json:"connection"`
	Cards        view.StatCards        `json:"cards"`
	Distribution []view.Slice          `json:"distribution"`
	Timeline     []models.TrafficPoint `json:"timeline"`
	Recent       []view.Row            `json:"recent"`
	Filter       string                `json:"filter"`
	Filtered     []view.Row            `json:"filtered"`
}

// Dashboard derives all views from one consistent snapshot.
func (s *Session) Dashboard(criterion string) Dashboard {
	if criterion == "" {
		criterion = view.FilterAll
	}
	return s.dashboardFrom(s.store.Snapshot(), criterion)
}

func (s *Session) dashboardFrom(snap store.Snapshot, criterion string) Dashboard {
	recent := snap.Alerts
	if len(recent) > recentPreview {
		recent = recent[:recentPreview]
	}

	return Dashboard{
		Version:      snap.Version,
		Connection:   s.manager.State().String(),
		Cards:        view.Cards(snap.Summary),
		Distribution: view.DistributionSlices(snap.Summary),
		Timeline:     snap.Timeline,
		Recent:       view.Rows(recent, nil),
		Filter:       criterion,
		Filtered:     view.Rows(s.projector.Filter(snap, criterion), nil),
	}
}

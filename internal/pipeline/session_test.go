package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/connection"
	"threatwatch/internal/metrics"
	"threatwatch/internal/store"
	"threatwatch/internal/view"
	"threatwatch/pkg/models"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type chanLink struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (l *chanLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-l.msgs:
		return m, nil
	case <-l.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *chanLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type oneShotDialer struct{ link *chanLink }

func (d *oneShotDialer) Dial(ctx context.Context) (connection.Link, error) {
	return d.link, nil
}

type stubBackend struct {
	recent    []models.Alert
	recentErr error
	summary   *models.Summary
}

func (b *stubBackend) FetchRecent(ctx context.Context, limit int) ([]models.Alert, error) {
	return b.recent, b.recentErr
}

func (b *stubBackend) FetchSummary(ctx context.Context) (*models.Summary, error) {
	return b.summary, nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []view.Notification
	err error
}

func (s *recordingSink) Notify(n view.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) All() []view.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]view.Notification(nil), s.got...)
}

// blockingSink holds every Notify until release is closed.
type blockingSink struct {
	entered  chan string
	release  chan struct{}
	returned chan string
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		entered:  make(chan string, 16),
		release:  make(chan struct{}),
		returned: make(chan string, 16),
	}
}

func (s *blockingSink) Notify(n view.Notification) error {
	s.entered <- n.AlertID
	<-s.release
	s.returned <- n.AlertID
	return nil
}

func (s *blockingSink) Close() error { return nil }

func newSession(t *testing.T, b *stubBackend, sink NotificationSink) (*Session, *chanLink) {
	t.Helper()
	return newSessionWith(t, b, sink, SessionConfig{RecentLimit: 100})
}

func newSessionWith(t *testing.T, b *stubBackend, sink NotificationSink, cfg SessionConfig) (*Session, *chanLink) {
	t.Helper()
	link := &chanLink{msgs: make(chan []byte, 8), closed: make(chan struct{})}
	mgr := connection.NewManager(&oneShotDialer{link: link}, connection.Config{})
	st := store.New(b, store.Config{})
	sess := NewSession(b, mgr, st, sink, cfg)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, link
}

func TestSessionEndToEndCriticalAlert(t *testing.T) {
	b := &stubBackend{summary: &models.Summary{TotalAlerts: 1, Critical: 1, Breakdown: []models.BreakdownEntry{{Type: "DDoS", Count: 1}}}}
	sink := &recordingSink{}
	sess, link := newSession(t, b, sink)

	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Dashboard("").Connection == "connected" }, waitFor, tick)

	link.msgs <- []byte(`{"id":"77","threat_type":"DDoS","severity":"CRITICAL","src_ip":"10.0.0.5","protocol":"TCP"}`)
	require.Eventually(t, func() bool { return len(sess.Store().AllAlerts()) == 1 }, waitFor, tick)

	recent := sess.Store().RecentAlerts(8)
	require.Len(t, recent, 1)
	assert.Equal(t, "77", recent[0].ID)
	assert.Equal(t, "10.0.0.5", recent[0].SourceIP)

	tl := sess.Store().Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, 1, tl[0].ThreatCount)
	assert.Equal(t, view.Alert, view.NotificationFor(recent[0]))

	require.Eventually(t, func() bool { return len(sink.All()) == 1 }, waitFor, tick)
	notes := sink.All()
	assert.Equal(t, "DDoS from 10.0.0.5", notes[0].Message)
	assert.Equal(t, 3000, notes[0].DurationMs)

	require.Eventually(t, func() bool { return sess.Store().Summary() != nil }, waitFor, tick)
	d := sess.Dashboard("CRITICAL")
	assert.Equal(t, 1, d.Cards.Critical)
	require.Len(t, d.Distribution, 1)
	assert.Equal(t, view.Palette[0], d.Distribution[0].Color)
	require.Len(t, d.Filtered, 1)
	assert.Len(t, d.Recent, 1)
}

func TestSessionStartsEmptyWhenSeedFails(t *testing.T) {
	b := &stubBackend{recentErr: errors.New("backend down")}
	sess, link := newSession(t, b, nil)

	require.NoError(t, sess.Start(context.Background()))
	assert.Empty(t, sess.Store().AllAlerts())

	link.msgs <- []byte(`{"id":"1","threat_type":"Port Scan","severity":"LOW"}`)
	require.Eventually(t, func() bool { return len(sess.Store().AllAlerts()) == 1 }, waitFor, tick)
}

func TestSessionSeedsNewestFirst(t *testing.T) {
	b := &stubBackend{recent: []models.Alert{{ID: "new"}, {ID: "old"}}}
	sess, _ := newSession(t, b, nil)

	require.NoError(t, sess.Start(context.Background()))
	all := sess.Store().AllAlerts()
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID)
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	b := &stubBackend{}
	sink := &recordingSink{err: errors.New("webhook 500")}
	sess, link := newSession(t, b, sink)
	require.NoError(t, sess.Start(context.Background()))

	link.msgs <- []byte(`{"id":"1","threat_type":"Brute Force","severity":"HIGH"}`)
	link.msgs <- []byte(`{"id":"2","threat_type":"DDoS","severity":"MEDIUM"}`)
	require.Eventually(t, func() bool { return len(sess.Store().AllAlerts()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(sink.All()) == 1 }, waitFor, tick)
}

func TestCloseStopsMutation(t *testing.T) {
	b := &stubBackend{}
	sess, link := newSession(t, b, nil)
	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Dashboard("").Connection == "connected" }, waitFor, tick)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, "closed", sess.Dashboard("").Connection)

	select {
	case link.msgs <- []byte(`{"id":"late","severity":"CRITICAL"}`):
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sess.Store().AllAlerts())
}

func TestSlowSinkDoesNotDelayIngest(t *testing.T) {
	sink := newBlockingSink()
	sess, link := newSession(t, &stubBackend{}, sink)
	t.Cleanup(func() { close(sink.release) })
	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Dashboard("").Connection == "connected" }, waitFor, tick)

	link.msgs <- []byte(`{"id":"first","threat_type":"DDoS","severity":"CRITICAL"}`)
	select {
	case id := <-sink.entered:
		assert.Equal(t, "first", id)
	case <-time.After(waitFor):
		t.Fatal("sink never received the first notification")
	}

	link.msgs <- []byte(`{"id":"second","threat_type":"Port Scan","severity":"LOW"}`)
	require.Eventually(t, func() bool { return len(sess.Store().AllAlerts()) == 2 }, waitFor, tick)
	assert.Equal(t, "second", sess.Store().AllAlerts()[0].ID)
	assert.Empty(t, sink.returned, "first Notify must still be in flight")
}

func TestFullNotificationQueueDropsAndCounts(t *testing.T) {
	m := metrics.New(nil)
	sink := newBlockingSink()
	sess, link := newSessionWith(t, &stubBackend{}, sink, SessionConfig{NotifyQueue: 1, Metrics: m})
	t.Cleanup(func() { close(sink.release) })
	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Dashboard("").Connection == "connected" }, waitFor, tick)

	link.msgs <- []byte(`{"id":"1","threat_type":"DDoS","severity":"CRITICAL"}`)
	select {
	case <-sink.entered:
	case <-time.After(waitFor):
		t.Fatal("sink never received the first notification")
	}

	link.msgs <- []byte(`{"id":"2","threat_type":"DDoS","severity":"HIGH"}`)
	link.msgs <- []byte(`{"id":"3","threat_type":"DDoS","severity":"HIGH"}`)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.NotificationsDropped) == 1
	}, waitFor, tick)
	assert.Len(t, sess.Store().AllAlerts(), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsRaised.WithLabelValues("alert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsRaised.WithLabelValues("warn")))
}

func TestOnUpdateReceivesDashboardPerChange(t *testing.T) {
	b := &stubBackend{recent: []models.Alert{{ID: "seeded", Severity: models.SeverityLow}}}
	sess, link := newSession(t, b, nil)

	var mu sync.Mutex
	var versions []uint64
	var lastRecent int
	sess.OnUpdate(func(d Dashboard) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, d.Version)
		lastRecent = len(d.Recent)
	})

	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Dashboard("").Connection == "connected" }, waitFor, tick)
	link.msgs <- []byte(`{"id":"live","threat_type":"DDoS","severity":"HIGH"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastRecent == 2
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}

package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/metrics"
	"threatwatch/pkg/models"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeLink struct {
	msgs   chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		msgs:   make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-l.msgs:
		return msg, nil
	case err := <-l.fail:
		return nil, err
	case <-l.closed:
		return nil, errors.New("link closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out queued results in order; once the queue is drained
// every Dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	link *fakeLink
	err  error
}

func (d *fakeDialer) push(link *fakeLink, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{link: link, err: err})
}

func (d *fakeDialer) Dial(ctx context.Context) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("backend unreachable")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.link, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	states []State
	alerts []models.Alert
}

func (r *recorder) state(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) event(a models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) Alerts() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Alert(nil), r.alerts...)
}

func newTestManager(t *testing.T, d *fakeDialer, clock *fakeClock) (*Manager, *recorder, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(nil)
	mgr := NewManager(d, Config{Clock: clock, Metrics: m})
	rec := &recorder{}
	mgr.OnStateChange(rec.state)
	mgr.OnEvent(rec.event)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, rec, m
}

func TestConnectTransitionsToConnected(t *testing.T) {
	d := &fakeDialer{}
	d.push(newFakeLink(), nil)
	mgr, rec, _ := newTestManager(t, d, &fakeClock{})

	assert.Equal(t, Connecting, mgr.State())
	require.NoError(t, mgr.Connect(context.Background()))

	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)
	assert.Equal(t, []State{Connected}, rec.States())
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	d := &fakeDialer{}
	d.push(newFakeLink(), nil)
	mgr, _, _ := newTestManager(t, d, &fakeClock{})

	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)

	require.NoError(t, mgr.Connect(context.Background()))
	require.NoError(t, mgr.Connect(context.Background()))
	assert.Equal(t, 1, d.Calls())
}

func TestMessagesAreParsedAndMalformedDropped(t *testing.T) {
	link := newFakeLink()
	d := &fakeDialer{}
	d.push(link, nil)
	mgr, rec, m := newTestManager(t, d, &fakeClock{})
	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)

	link.msgs <- []byte(`{"id":"1","threat_type":"DDoS","severity":"CRITICAL"}`)
	link.msgs <- []byte(`{broken`)
	link.msgs <- []byte(`{"id":"2","threat_type":"Port Scan","severity":"LOW"}`)

	require.Eventually(t, func() bool { return len(rec.Alerts()) == 2 }, waitFor, tick)
	got := rec.Alerts()
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, Connected, mgr.State())
}

func TestReconnectsOnceAfterFixedDelay(t *testing.T) {
	link := newFakeLink()
	d := &fakeDialer{}
	d.push(link, nil)
	clock := &fakeClock{}
	mgr, rec, m := newTestManager(t, d, clock)

	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)

	link.fail <- errors.New("connection reset")
	require.Eventually(t, func() bool { return len(clock.Pending()) == 1 }, waitFor, tick)
	assert.Equal(t, Disconnected, mgr.State())
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Pending())
	assert.True(t, link.isClosed())

	clock.Advance(2999 * time.Millisecond)
	assert.Equal(t, 1, d.Calls())

	// The retry fails (queue drained), which schedules the next attempt.
	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(clock.Pending()) == 1 }, waitFor, tick)
	assert.Equal(t, 2, d.Calls())
	assert.Equal(t, []time.Duration{6 * time.Second}, clock.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectAttempts))

	assert.Equal(t, []State{Connected, Disconnected, Connecting, Disconnected}, rec.States())
}

func TestReconnectRestoresConnection(t *testing.T) {
	first, second := newFakeLink(), newFakeLink()
	d := &fakeDialer{}
	d.push(first, nil)
	d.push(second, nil)
	clock := &fakeClock{}
	mgr, rec, _ := newTestManager(t, d, clock)

	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)
	first.fail <- errors.New("remote closed")
	require.Eventually(t, func() bool { return len(clock.Pending()) == 1 }, waitFor, tick)

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)

	second.msgs <- []byte(`{"id":"after","threat_type":"Brute Force","severity":"HIGH"}`)
	require.Eventually(t, func() bool { return len(rec.Alerts()) == 1 }, waitFor, tick)
	assert.Equal(t, "after", rec.Alerts()[0].ID)
	assert.Empty(t, clock.Pending())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	link := newFakeLink()
	d := &fakeDialer{}
	d.push(link, nil)
	clock := &fakeClock{}
	mgr, _, _ := newTestManager(t, d, clock)

	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)
	link.fail <- errors.New("boom")
	require.Eventually(t, func() bool { return len(clock.Pending()) == 1 }, waitFor, tick)

	require.NoError(t, mgr.Close())
	assert.Empty(t, clock.Pending())
	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, d.Calls())
	assert.Equal(t, Closed, mgr.State())

	require.NoError(t, mgr.Close())
	assert.ErrorIs(t, mgr.Connect(context.Background()), ErrClosed)
}

func TestCloseWhileConnectedClosesLinkAndSilencesHandlers(t *testing.T) {
	link := newFakeLink()
	d := &fakeDialer{}
	d.push(link, nil)
	clock := &fakeClock{}
	mgr, rec, _ := newTestManager(t, d, clock)

	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)

	require.NoError(t, mgr.Close())
	assert.True(t, link.isClosed())

	// The read loop observes the closed link but must not schedule a retry.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, clock.Pending())
	assert.Equal(t, []State{Connected}, rec.States())
}

func TestHandshakeFailureSchedulesRetry(t *testing.T) {
	d := &fakeDialer{}
	d.push(nil, errors.New("handshake refused"))
	clock := &fakeClock{}
	mgr, rec, _ := newTestManager(t, d, clock)

	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(clock.Pending()) == 1 }, waitFor, tick)
	assert.Equal(t, Disconnected, mgr.State())
	assert.Equal(t, []State{Disconnected}, rec.States())
}

func TestCancelledContextStopsReconnecting(t *testing.T) {
	first, second := newFakeLink(), newFakeLink()
	d := &fakeDialer{}
	d.push(first, nil)
	d.push(second, nil)
	clock := &fakeClock{}
	mgr, _, _ := newTestManager(t, d, clock)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Connect(ctx))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)

	cancel()
	require.Eventually(t, func() bool { return mgr.State() == Disconnected }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, clock.Pending())
	clock.Advance(time.Minute)
	assert.Equal(t, 1, d.Calls())

	// A later Connect with a live ctx starts over.
	require.NoError(t, mgr.Connect(context.Background()))
	require.Eventually(t, func() bool { return mgr.State() == Connected }, waitFor, tick)
	assert.Equal(t, 2, d.Calls())
}

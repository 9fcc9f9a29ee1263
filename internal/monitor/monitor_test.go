package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
)

// recordingSink captures everything a monitor reports
type recordingSink struct {
	mu      sync.Mutex
	updates []models.Update
	sources []Source
	fails   []error
	states  []models.ConnectionState
}

func (s *recordingSink) Apply(src Source, u models.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	s.sources = append(s.sources, src)
}

func (s *recordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, err)
}

func (s *recordingSink) ConnectionChanged(state models.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) snapshot() ([]models.Update, []error, []models.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Update(nil), s.updates...),
		append([]error(nil), s.fails...),
		append([]models.ConnectionState(nil), s.states...)
}

// scriptedFetcher answers FetchStatus from a fixed script, repeating the
// last entry once exhausted
type scriptedFetcher struct {
	mu     sync.Mutex
	script []fetchResult
	calls  int
}

type fetchResult struct {
	update *models.Update
	err    error
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context, jobID string) (*models.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	r := f.script[i]
	return r.update, r.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func status(s models.JobStatus) fetchResult {
	return fetchResult{update: &models.Update{Status: s, Logs: []string{string(s)}}}
}

func transportFailure() fetchResult {
	return fetchResult{err: &provider.TransportError{Op: "GET /jobs/abc", Err: errors.New("connection reset")}}
}

// manualTicker hands the test control over every tick
type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time), stopped: make(chan struct{})}
}

func (m *manualTicker) fn(time.Duration) (<-chan time.Time, func()) {
	return m.c, func() { m.once.Do(func() { close(m.stopped) }) }
}

// tick delivers one tick, reporting false if the loop is gone
func (m *manualTicker) tick() bool {
	select {
	case m.c <- time.Now():
		return true
	case <-m.stopped:
		return false
	}
}

// fakeChannel is an in-memory provider.PushChannel
type fakeChannel struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{frames: make(chan []byte), closed: make(chan struct{})}
}

func (c *fakeChannel) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send delivers one frame, reporting false once the channel is closed
func (c *fakeChannel) send(frame string) bool {
	select {
	case c.frames <- []byte(frame):
		return true
	case <-c.closed:
		return false
	}
}

type fakeOpener struct {
	ch  *fakeChannel
	err error
}

func (o *fakeOpener) OpenPushChannel(ctx context.Context, jobID string) (provider.PushChannel, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.ch, nil
}

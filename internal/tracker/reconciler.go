// Package tracker owns the snapshot of the active test run. Both monitors
// report into it; it decides what is applied and fires the terminal
// transition once per job context.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/monitor"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

// SubmissionMessage is the first log line of every job
const SubmissionMessage = "Starting tests..."

var (
	// ErrSuperseded is returned by StartJob when a newer run replaced it
	// while its submission was in flight
	ErrSuperseded = errors.New("run superseded by a newer submission")

	// ErrClosed is returned once the reconciler has been closed
	ErrClosed = errors.New("tracker closed")
)

// HistoryRefresher is told to reload history after a job finishes
type HistoryRefresher interface {
	Refresh(ctx context.Context) error
}

// Config contains reconciler settings
type Config struct {
	Poll monitor.PollConfig

	// RefreshTimeout bounds the history refresh fired on a terminal transition
	RefreshTimeout time.Duration
}

// Reconciler is the single authority over the current job snapshot
type Reconciler struct {
	backend provider.Backend
	history HistoryRefresher
	poller  *monitor.Poller
	pusher  *monitor.Pusher
	cfg     Config
	logger  *logger.Logger
	now     func() time.Time

	// ctx scopes every monitor; canceled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	job     models.Job
	active  *jobContext
	subs    map[int]chan models.Job
	nextSub int
	closed  bool
}

// New creates a reconciler. history may be nil.
func New(backend provider.Backend, history HistoryRefresher, cfg Config, log *logger.Logger) *Reconciler {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		backend: backend,
		history: history,
		poller:  monitor.NewPoller(backend, cfg.Poll, log),
		pusher:  monitor.NewPusher(backend, log),
		cfg:     cfg,
		logger:  log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[int]chan models.Job),
	}
	r.job = idleJob()
	return r
}

func idleJob() models.Job {
	return models.Job{
		Status:     models.StatusIdle,
		Logs:       []string{},
		Bugs:       []models.Bug{},
		Connection: models.ConnClosed,
	}
}

// PollConfig returns the effective poll settings
func (r *Reconciler) PollConfig() monitor.PollConfig {
	return r.poller.Config()
}

// StartJob tears down the previous job context, submits req and arms both
// monitors for the returned job id. A failed submission leaves the
// snapshot in ERROR with the failure logged and arms nothing; the error is
// returned alongside that snapshot.
func (r *Reconciler) StartJob(ctx context.Context, req models.RunRequest) (models.Job, error) {
	logger := logger.FromContext(ctx, r.logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return models.Job{}, ErrClosed
	}
	old := r.detachLocked()
	c := &jobContext{r: r, id: uuid.New()}
	r.active = c
	r.job = models.Job{
		ContextID:  c.id.String(),
		Status:     models.StatusPending,
		Logs:       []string{SubmissionMessage},
		Bugs:       []models.Bug{},
		Connection: models.ConnClosed,
		CreatedAt:  r.now(),
	}
	r.publishLocked()
	r.mu.Unlock()

	// The previous job's timer and channel are released before anything
	// new is armed.
	if err := old.stop(); err != nil {
		logger.Warn("tracker: previous job teardown failed", "error", err)
	}

	logger.Info("tracker: submitting test run",
		"context_id", c.id,
		"test_url", req.TestURL)

	handle, err := r.backend.Submit(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != c {
		if r.closed {
			return models.Job{}, ErrClosed
		}
		logger.Info("tracker: discarding superseded submission", "context_id", c.id)
		return models.Job{}, ErrSuperseded
	}

	if err != nil {
		msg := "Failed to start tests: " + provider.Message(err)
		logger.Error("tracker: submission failed", "context_id", c.id, "error", err)

		c.terminal = true
		finished := r.now()
		r.job.Status = models.StatusError
		r.job.Logs = append(r.job.Logs, msg)
		r.job.Message = msg
		r.job.FinishedAt = &finished
		r.publishLocked()
		return r.snapshotLocked(), fmt.Errorf("start job: %w", err)
	}

	c.jobID = handle.ID
	c.ctx, c.cancel = context.WithCancel(r.ctx)
	r.job.ID = handle.ID
	if !handle.CreatedAt.IsZero() {
		r.job.CreatedAt = handle.CreatedAt.Time
	}
	r.job.Connection = models.ConnConnecting

	// Neither monitor calls its sink from Start, so arming under the lock
	// is safe.
	c.poll = r.poller.Start(c.ctx, handle.ID, c)
	c.push = r.pusher.Start(c.ctx, handle.ID, c)

	logger.Info("tracker: job started",
		"job_id", handle.ID,
		"context_id", c.id)

	r.publishLocked()
	return r.snapshotLocked(), nil
}

// OnUpdate merges an update for jobID into the snapshot. It reports
// whether the update was applied; updates for any job other than the
// active one are dropped.
func (r *Reconciler) OnUpdate(jobID string, u models.Update) bool {
	r.mu.Lock()
	c := r.active
	if c == nil || c.jobID == "" || c.jobID != jobID {
		r.mu.Unlock()
		r.logger.Debug("tracker: dropping update for inactive job", "job_id", jobID)
		return false
	}
	r.mu.Unlock()
	return r.apply(c, "", u)
}

// Fail moves the active job to ERROR with err rendered as a log line.
// It does nothing if jobID is not active or the job already finished.
func (r *Reconciler) Fail(jobID string, err error) bool {
	r.mu.Lock()
	c := r.active
	if c == nil || c.jobID == "" || c.jobID != jobID {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	return r.fail(c, err)
}

// apply merges u if c is still the active context
func (r *Reconciler) apply(c *jobContext, src monitor.Source, u models.Update) bool {
	r.mu.Lock()
	if r.active != c {
		r.mu.Unlock()
		return false
	}

	status, known := models.ParseStatus(string(u.Status))
	wasTerminal := r.job.Status.IsTerminal()

	if wasTerminal && !(known && status.IsTerminal()) {
		r.mu.Unlock()
		r.logger.Debug("tracker: dropping stale update after terminal status",
			"job_id", c.jobID,
			"source", src,
			"status", u.Status)
		return false
	}

	if known && !wasTerminal {
		r.job.Status = status
	} else if !known && u.Status != "" {
		r.logger.Warn("tracker: ignoring unknown status", "job_id", c.jobID, "status", u.Status)
	}
	if u.Logs != nil {
		r.job.Logs = append([]string(nil), u.Logs...)
	}
	if u.Bugs != nil {
		r.job.Bugs = models.DedupeBugs(u.Bugs)
	}
	if u.Message != "" {
		r.job.Message = u.Message
	}

	var stopped monitors
	finished := !c.terminal && r.job.Status.IsTerminal()
	if finished {
		stopped = r.finishLocked(c)
	}
	r.publishLocked()
	r.mu.Unlock()

	if finished {
		r.afterTerminal(c, stopped)
	}
	return true
}

// fail converts err into a terminal ERROR for c
func (r *Reconciler) fail(c *jobContext, err error) bool {
	r.mu.Lock()
	if r.active != c || c.terminal {
		r.mu.Unlock()
		return false
	}

	msg := provider.Message(err)
	r.logger.Warn("tracker: job failed", "job_id", c.jobID, "error", err)

	r.job.Status = models.StatusError
	r.job.Logs = append(r.job.Logs, msg)
	r.job.Message = msg
	stopped := r.finishLocked(c)
	r.publishLocked()
	r.mu.Unlock()

	r.afterTerminal(c, stopped)
	return true
}

func (r *Reconciler) connectionChanged(c *jobContext, state models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A finished context has already closed its channel; a late report
	// from the listener must not reopen it in the snapshot.
	if r.active != c || c.terminal {
		return
	}
	r.job.Connection = state
	r.publishLocked()
}

// finishLocked marks c terminal and detaches its monitors. Callers hold r.mu.
func (r *Reconciler) finishLocked(c *jobContext) monitors {
	c.terminal = true
	finished := r.now()
	r.job.FinishedAt = &finished
	r.job.Connection = models.ConnClosed
	if c.poll != nil {
		r.job.Polls = c.poll.Ticks()
	}
	return c.takeMonitors()
}

// afterTerminal runs outside the lock: it stops the finished job's
// monitors and refreshes history, exactly once per job context
func (r *Reconciler) afterTerminal(c *jobContext, m monitors) {
	if err := m.stop(); err != nil {
		r.logger.Warn("tracker: monitor teardown failed", "job_id", c.jobID, "error", err)
	}

	r.logger.Info("tracker: job finished",
		"job_id", c.jobID,
		"context_id", c.id)

	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RefreshTimeout)
	defer cancel()
	if err := r.history.Refresh(ctx); err != nil {
		r.logger.Warn("tracker: history refresh failed", "job_id", c.jobID, "error", err)
	}
}

// detachLocked releases the active context so none of its monitors can
// apply anything further. Callers hold r.mu and stop the returned
// monitors after unlocking.
func (r *Reconciler) detachLocked() monitors {
	c := r.active
	if c == nil {
		return monitors{}
	}
	r.active = nil
	r.job.Connection = models.ConnClosed
	if c.poll != nil {
		r.job.Polls = c.poll.Ticks()
	}
	return c.takeMonitors()
}

// Snapshot returns a copy of the current job
func (r *Reconciler) Snapshot() models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() models.Job {
	job := r.job.Clone()
	if c := r.active; c != nil && c.poll != nil {
		job.Polls = c.poll.Ticks()
	}
	return job
}

// Subscribe returns a channel that always holds the latest snapshot.
// Slow readers skip intermediate snapshots; the reconciler never blocks
// on them. The channel is closed by cancel or Close.
func (r *Reconciler) Subscribe() (<-chan models.Job, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan models.Job, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// publishLocked offers the current snapshot to every subscriber,
// replacing any snapshot they have not read yet. Callers hold r.mu.
func (r *Reconciler) publishLocked() {
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case ch <- snap.Clone():
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap.Clone():
		default:
		}
	}
}

// Reset tears down the active job context and returns to IDLE
func (r *Reconciler) Reset() error {
	r.mu.Lock()
	old := r.detachLocked()
	r.job = idleJob()
	r.publishLocked()
	r.mu.Unlock()

	return old.stop()
}

// Close tears down the active job context and releases every subscriber
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	old := r.detachLocked()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()

	err := old.stop()
	r.cancel()
	return err
}

// jobContext is one submission's lifetime. Monitors hold it as their
// sink, so a superseded context can be told apart by identity.
type jobContext struct {
	r     *Reconciler
	id    uuid.UUID
	jobID string

	ctx    context.Context
	cancel context.CancelFunc
	poll   *monitor.Poll
	push   *monitor.Push

	terminal bool
}

func (c *jobContext) Apply(src monitor.Source, u models.Update) {
	c.r.apply(c, src, u)
}

func (c *jobContext) Fail(err error) {
	c.r.fail(c, err)
}

func (c *jobContext) ConnectionChanged(state models.ConnectionState) {
	c.r.connectionChanged(c, state)
}

// takeMonitors hands ownership of the context's monitors to the caller.
// Callers hold r.mu.
func (c *jobContext) takeMonitors() monitors {
	m := monitors{poll: c.poll, push: c.push, cancel: c.cancel}
	c.poll, c.push, c.cancel = nil, nil, nil
	return m
}

// monitors is a detached set of job monitors awaiting teardown
type monitors struct {
	poll   *monitor.Poll
	push   *monitor.Push
	cancel context.CancelFunc
}

// stop cancels the poll timer and closes the push channel. It does not
// wait for the monitor goroutines; they can no longer reach the snapshot.
func (m monitors) stop() error {
	var err error
	if m.poll != nil {
		m.poll.Stop()
	}
	if m.push != nil {
		err = multierr.Append(err, m.push.Stop())
	}
	if m.cancel != nil {
		m.cancel()
	}
	return err
}

package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

const (
	// DefaultPollInterval is the period between status fetches
	DefaultPollInterval = time.Second

	// DefaultPollCeiling is the number of fetches allowed before a job
	// is declared timed out (about ten minutes at the default interval)
	DefaultPollCeiling = 600
)

// TickerFunc creates the tick source of one poll loop and the function
// that releases it
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// PollConfig contains poll loop settings
type PollConfig struct {
	Interval time.Duration
	Ceiling  int

	// Ticker overrides the tick source; nil uses time.NewTicker
	Ticker TickerFunc
}

// PollState is the lifecycle of one poll loop
type PollState int32

const (
	PollIdle PollState = iota
	PollPolling
	PollStopped
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "Idle"
	case PollPolling:
		return "Polling"
	default:
		return "Stopped"
	}
}

// Poller arms poll loops
type Poller struct {
	fetcher StatusFetcher
	cfg     PollConfig
	logger  *logger.Logger
}

// NewPoller creates a poller, filling zero config values with defaults
func NewPoller(fetcher StatusFetcher, cfg PollConfig, log *logger.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultPollCeiling
	}
	if cfg.Ticker == nil {
		cfg.Ticker = realTicker
	}
	return &Poller{fetcher: fetcher, cfg: cfg, logger: log}
}

// Config returns the effective settings
func (p *Poller) Config() PollConfig {
	return p.cfg
}

// Poll is one running poll loop for a single job
type Poll struct {
	jobID  string
	state  atomic.Int32
	ticks  atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

// Start arms a poll loop for jobID. The loop runs until it emits a
// terminal update, hits the ceiling, or is stopped.
func (p *Poller) Start(parent context.Context, jobID string, sink Sink) *Poll {
	ctx, cancel := context.WithCancel(parent)
	poll := &Poll{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	poll.state.Store(int32(PollPolling))

	tick, stopTicker := p.cfg.Ticker(p.cfg.Interval)

	go func() {
		defer close(poll.done)
		defer poll.state.Store(int32(PollStopped))
		defer stopTicker()
		defer cancel()
		p.run(ctx, poll, tick, sink)
	}()

	return poll
}

func (p *Poller) run(ctx context.Context, poll *Poll, tick <-chan time.Time, sink Sink) {
	log := p.logger.With("job_id", poll.jobID)
	log.Debug("monitor: polling started",
		"interval", p.cfg.Interval,
		"ceiling", p.cfg.Ceiling)

	for {
		select {
		case <-ctx.Done():
			log.Debug("monitor: polling canceled", "ticks", poll.ticks.Load())
			return
		case <-tick:
		}
		if ctx.Err() != nil {
			return
		}

		n := int(poll.ticks.Add(1))
		if n > p.cfg.Ceiling {
			log.Warn("monitor: poll ceiling reached", "ceiling", p.cfg.Ceiling)
			sink.Fail(&provider.TimeoutError{Ticks: p.cfg.Ceiling, Interval: p.cfg.Interval})
			return
		}

		update, err := p.fetcher.FetchStatus(ctx, poll.jobID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if rejectsJob(err) {
				log.Warn("monitor: backend rejected status request", "tick", n, "error", err)
				sink.Fail(err)
				return
			}
			// Transient failures skip the tick; the ceiling still advances.
			log.Debug("monitor: poll tick skipped", "tick", n, "error", err)
			continue
		}

		sink.Apply(SourcePoll, *update)

		if status, ok := models.ParseStatus(string(update.Status)); ok && status.IsTerminal() {
			log.Debug("monitor: terminal status polled", "tick", n, "status", status)
			return
		}
	}
}

// rejectsJob reports whether a failed status fetch ends the job. A 4xx
// answer will not change on the next tick; throttling, timeouts, 5xx and
// transport failures might.
func rejectsJob(err error) bool {
	var backendErr *provider.BackendError
	if !errors.As(err, &backendErr) {
		return false
	}
	switch backendErr.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return backendErr.Code >= 400 && backendErr.Code < 500
}

// Stop cancels the loop without waiting for it to exit
func (p *Poll) Stop() {
	p.cancel()
}

// Done is closed once the loop has exited
func (p *Poll) Done() <-chan struct{} {
	return p.done
}

// State reports the loop's lifecycle state
func (p *Poll) State() PollState {
	return PollState(p.state.Load())
}

// Ticks reports how many ticks the loop has consumed
func (p *Poll) Ticks() int {
	return int(p.ticks.Load())
}

// JobID returns the job this loop watches
func (p *Poll) JobID() string {
	return p.jobID
}

package monitor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

// maxLoggedPayload caps how much of a malformed frame is kept
const maxLoggedPayload = 256

type connEvent int

const (
	evArm connEvent = iota
	evOpened
	evClosed
	evFailed
	evStop
)

func (e connEvent) String() string {
	switch e {
	case evArm:
		return "arm"
	case evOpened:
		return "opened"
	case evClosed:
		return "closed"
	case evFailed:
		return "failed"
	default:
		return "stop"
	}
}

// connTransitions is the push channel state machine. Events missing from
// a state's row are ignored.
var connTransitions = map[models.ConnectionState]map[connEvent]models.ConnectionState{
	models.ConnClosed: {
		evArm: models.ConnConnecting,
	},
	models.ConnConnecting: {
		evOpened: models.ConnOpen,
		evFailed: models.ConnClosed,
		evStop:   models.ConnClosed,
	},
	models.ConnOpen: {
		evClosed: models.ConnClosed,
		evFailed: models.ConnClosed,
		evStop:   models.ConnClosed,
	},
}

// Pusher arms push-channel listeners
type Pusher struct {
	opener ChannelOpener
	logger *logger.Logger
}

// NewPusher creates a push monitor factory
func NewPusher(opener ChannelOpener, log *logger.Logger) *Pusher {
	return &Pusher{opener: opener, logger: log}
}

// Push is the listener for one job's push channel
type Push struct {
	jobID  string
	logger *logger.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   models.ConnectionState
	ch      provider.PushChannel
	stopped bool
}

// Start opens the job's push channel in the background and forwards every
// parsed frame to sink. A dropped channel is not reopened.
func (m *Pusher) Start(parent context.Context, jobID string, sink Sink) *Push {
	ctx, cancel := context.WithCancel(parent)
	p := &Push{
		jobID:  jobID,
		logger: m.logger.With("job_id", jobID),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  models.ConnClosed,
	}

	// The owner learns about Connecting from Start returning; the sink is
	// only called from the listener goroutine.
	p.mu.Lock()
	p.fire(evArm)
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		defer cancel()
		p.run(ctx, m.opener, sink)
	}()

	return p
}

// fire applies ev to the state machine. Callers hold p.mu.
func (p *Push) fire(ev connEvent) (models.ConnectionState, bool) {
	next, ok := connTransitions[p.state][ev]
	if !ok {
		return p.state, false
	}
	if next != p.state {
		p.logger.Debug("monitor: push state change",
			"from", p.state,
			"to", next,
			"event", ev)
	}
	p.state = next
	return next, true
}

// transition fires ev and reports the new state to sink unless the
// listener has been stopped
func (p *Push) transition(ev connEvent, sink Sink) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	state, ok := p.fire(ev)
	p.mu.Unlock()
	if ok {
		sink.ConnectionChanged(state)
	}
}

func (p *Push) run(ctx context.Context, opener ChannelOpener, sink Sink) {
	ch, err := opener.OpenPushChannel(ctx, p.jobID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("monitor: push channel failed to open, relying on polling", "error", err)
		}
		p.transition(evFailed, sink)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	p.ch = ch
	state, _ := p.fire(evOpened)
	p.mu.Unlock()
	sink.ConnectionChanged(state)

	for {
		data, err := ch.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Info("monitor: push channel closed, relying on polling", "error", err)
			p.transition(evClosed, sink)
			_ = ch.Close()
			return
		}

		update, err := decodeUpdate(data)
		if err != nil {
			p.logger.Warn("monitor: dropping malformed push message", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}

		sink.Apply(SourcePush, update)
	}
}

// decodeUpdate parses one push frame
func decodeUpdate(data []byte) (models.Update, error) {
	var update models.Update
	if err := json.Unmarshal(data, &update); err != nil {
		payload := string(data)
		if len(payload) > maxLoggedPayload {
			payload = payload[:maxLoggedPayload]
		}
		return models.Update{}, &provider.ProtocolError{Payload: payload, Err: err}
	}
	return update, nil
}

// Stop closes the channel unconditionally. It does not notify the sink;
// the owner already knows it is tearing the listener down.
func (p *Push) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.fire(evStop)
	ch := p.ch
	p.mu.Unlock()

	p.cancel()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Done is closed once the listener goroutine has exited
func (p *Push) Done() <-chan struct{} {
	return p.done
}

// State reports the current connection state
func (p *Push) State() models.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// JobID returns the job this listener watches
func (p *Push) JobID() string {
	return p.jobID
}

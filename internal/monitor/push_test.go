package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/pkg/logger"
)

func TestConnTransitions(t *testing.T) {
	tests := []struct {
		name string
		from models.ConnectionState
		ev   connEvent
		want models.ConnectionState
		ok   bool
	}{
		{"arm", models.ConnClosed, evArm, models.ConnConnecting, true},
		{"open", models.ConnConnecting, evOpened, models.ConnOpen, true},
		{"open failure", models.ConnConnecting, evFailed, models.ConnClosed, true},
		{"stop while connecting", models.ConnConnecting, evStop, models.ConnClosed, true},
		{"peer close", models.ConnOpen, evClosed, models.ConnClosed, true},
		{"error while open", models.ConnOpen, evFailed, models.ConnClosed, true},
		{"stop while open", models.ConnOpen, evStop, models.ConnClosed, true},
		{"no reopen", models.ConnClosed, evOpened, models.ConnClosed, false},
		{"stop when closed", models.ConnClosed, evStop, models.ConnClosed, false},
		{"rearm while open", models.ConnOpen, evArm, models.ConnOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Push{logger: logger.NewNop(), state: tt.from}
			got, ok := p.fire(tt.ev)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestDecodeUpdate(t *testing.T) {
	u, err := decodeUpdate([]byte(`{"status":"COMPLETED","logs":["a","b"],"bugs":[{"id":7,"summary":"s"}],"message":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, u.Status)
	assert.Equal(t, []string{"a", "b"}, u.Logs)
	require.Len(t, u.Bugs, 1)
	assert.Equal(t, models.BugID("7"), u.Bugs[0].ID)
	assert.Equal(t, "done", u.Message)

	_, err = decodeUpdate([]byte(`{not json`))
	var protoErr *provider.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, `{not json`, protoErr.Payload)
}

func TestDecodeUpdateTruncatesPayload(t *testing.T) {
	big := make([]byte, maxLoggedPayload*2)
	for i := range big {
		big[i] = 'x'
	}
	_, err := decodeUpdate(big)

	var protoErr *provider.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Len(t, protoErr.Payload, maxLoggedPayload)
}

func TestPushForwardsFrames(t *testing.T) {
	ch := newFakeChannel()
	sink := &recordingSink{}

	p := NewPusher(&fakeOpener{ch: ch}, logger.NewNop()).Start(context.Background(), "abc", sink)
	assert.Equal(t, "abc", p.JobID())

	require.True(t, ch.send(`{"status":"RUNNING","logs":["a"]}`))
	require.True(t, ch.send(`garbage`))
	require.True(t, ch.send(`{"status":"COMPLETED","logs":["a","b"]}`))

	require.Eventually(t, func() bool {
		updates, _, _ := sink.snapshot()
		return len(updates) == 2
	}, 2*time.Second, 5*time.Millisecond)

	updates, fails, states := sink.snapshot()
	assert.Equal(t, models.StatusRunning, updates[0].Status)
	assert.Equal(t, models.StatusCompleted, updates[1].Status)
	assert.Empty(t, fails)
	assert.Equal(t, []models.ConnectionState{models.ConnOpen}, states, "malformed frames do not close the channel")
	assert.Equal(t, models.ConnOpen, p.State())

	require.NoError(t, p.Stop())
	waitDone(t, p.Done())
}

func TestPushPeerCloseReportsClosed(t *testing.T) {
	ch := newFakeChannel()
	sink := &recordingSink{}

	p := NewPusher(&fakeOpener{ch: ch}, logger.NewNop()).Start(context.Background(), "abc", sink)

	require.True(t, ch.send(`{"status":"RUNNING"}`))
	require.NoError(t, ch.Close())
	waitDone(t, p.Done())

	_, _, states := sink.snapshot()
	assert.Equal(t, []models.ConnectionState{models.ConnOpen, models.ConnClosed}, states)
	assert.Equal(t, models.ConnClosed, p.State())
}

func TestPushOpenFailure(t *testing.T) {
	sink := &recordingSink{}
	opener := &fakeOpener{err: &provider.TransportError{Op: "GET /ws/abc", Err: errors.New("dial tcp: refused")}}

	p := NewPusher(opener, logger.NewNop()).Start(context.Background(), "abc", sink)
	waitDone(t, p.Done())

	updates, fails, states := sink.snapshot()
	assert.Empty(t, updates)
	assert.Empty(t, fails, "push failures are not job failures")
	assert.Equal(t, []models.ConnectionState{models.ConnClosed}, states)
	assert.Equal(t, models.ConnClosed, p.State())
}

func TestPushStopIsSilent(t *testing.T) {
	ch := newFakeChannel()
	sink := &recordingSink{}

	p := NewPusher(&fakeOpener{ch: ch}, logger.NewNop()).Start(context.Background(), "abc", sink)
	require.Eventually(t, func() bool {
		return p.State() == models.ConnOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	waitDone(t, p.Done())

	assert.True(t, ch.isClosed())
	assert.False(t, ch.send(`{"status":"RUNNING"}`))
	assert.Equal(t, models.ConnClosed, p.State())

	updates, _, states := sink.snapshot()
	assert.Empty(t, updates)
	assert.Equal(t, []models.ConnectionState{models.ConnOpen}, states, "Stop does not notify the sink")
}

func TestPushStopBeforeOpen(t *testing.T) {
	gate := make(chan struct{})
	ch := newFakeChannel()
	sink := &recordingSink{}
	opener := &gatedOpener{gate: gate, ch: ch}

	p := NewPusher(opener, logger.NewNop()).Start(context.Background(), "abc", sink)
	assert.Equal(t, models.ConnConnecting, p.State())

	require.NoError(t, p.Stop())
	close(gate)
	waitDone(t, p.Done())

	assert.True(t, ch.isClosed(), "a channel opened after Stop is closed immediately")
	_, _, states := sink.snapshot()
	assert.Empty(t, states)
}

// gatedOpener hands out its channel once gate is closed, ignoring
// cancellation so the post-Stop path is exercised
type gatedOpener struct {
	gate chan struct{}
	ch   *fakeChannel
}

func (o *gatedOpener) OpenPushChannel(ctx context.Context, jobID string) (provider.PushChannel, error) {
	<-o.gate
	return o.ch, nil
}
